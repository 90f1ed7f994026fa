package pricing

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"tokenmeter/internal/core"
)

const acmeCatalog = `
version: v1
prices:
  - provider: acme
    model: m1
    effective_from: "2024-01-01T00:00:00Z"
    price_per_1k_input: 10
    price_per_1k_output: 20
  - provider: acme
    model: m1
    effective_from: "2024-06-01T00:00:00Z"
    price_per_1k_input: 8
    price_per_1k_output: 16
`

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("bad test timestamp %q: %v", s, err)
	}
	return ts
}

func mustLoad(t *testing.T, catalog string) *PriceBook {
	t.Helper()
	book, err := Load(strings.NewReader(catalog), "test")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	return book
}

func TestResolve_PicksLatestActivatedPrice(t *testing.T) {
	book := mustLoad(t, acmeCatalog)

	tests := []struct {
		name       string
		at         string
		wantInput  float64
		wantOutput float64
	}{
		{"exactly at first activation", "2024-01-01T00:00:00Z", 10, 20},
		{"between activations", "2024-03-01T00:00:00Z", 10, 20},
		{"one second before second activation", "2024-05-31T23:59:59Z", 10, 20},
		{"exactly at second activation", "2024-06-01T00:00:00Z", 8, 16},
		{"after second activation", "2024-07-01T00:00:00Z", 8, 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := book.Resolve("acme", "m1", "global", mustTime(t, tt.at))
			if err != nil {
				t.Fatalf("Resolve() error: %v", err)
			}
			if entry.UnitPriceInput != tt.wantInput || entry.UnitPriceOutput != tt.wantOutput {
				t.Errorf("got (%v, %v), want (%v, %v)",
					entry.UnitPriceInput, entry.UnitPriceOutput, tt.wantInput, tt.wantOutput)
			}
			if entry.PriceVersion != "v1" {
				t.Errorf("expected price version v1, got %q", entry.PriceVersion)
			}
		})
	}
}

func TestResolve_NotFound(t *testing.T) {
	book := mustLoad(t, acmeCatalog)

	tests := []struct {
		name     string
		provider string
		model    string
		region   string
		at       string
	}{
		{"before earliest effective_from", "acme", "m1", "global", "2023-12-31T23:59:59Z"},
		{"unknown model", "acme", "m2", "global", "2024-07-01T00:00:00Z"},
		{"unknown provider", "other", "m1", "global", "2024-07-01T00:00:00Z"},
		{"region does not fall back to global", "acme", "m1", "us", "2024-07-01T00:00:00Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := book.Resolve(tt.provider, tt.model, tt.region, mustTime(t, tt.at))
			if !errors.Is(err, core.ErrPriceNotFound) {
				t.Fatalf("expected ErrPriceNotFound, got %v", err)
			}
			var notFound *core.PriceNotFoundError
			if !errors.As(err, &notFound) {
				t.Fatalf("expected *core.PriceNotFoundError, got %T", err)
			}
			if notFound.Model != tt.model || notFound.Region != tt.region {
				t.Errorf("error carries wrong key: %+v", notFound)
			}
		})
	}
}

func TestResolve_IndependentOfLoadOrder(t *testing.T) {
	reversed := `
version: v2
prices:
  - provider: acme
    model: m1
    effective_from: "2024-06-01T00:00:00Z"
    price_per_1k_input: 8
    price_per_1k_output: 16
  - provider: acme
    model: m1
    effective_from: "2024-01-01T00:00:00Z"
    price_per_1k_input: 10
    price_per_1k_output: 20
`
	book := mustLoad(t, reversed)

	entry, err := book.Resolve("acme", "m1", "global", mustTime(t, "2024-03-01T00:00:00Z"))
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if entry.UnitPriceInput != 10 {
		t.Errorf("expected the January price, got %v", entry.UnitPriceInput)
	}

	entry, err = book.Resolve("acme", "m1", "global", mustTime(t, "2025-01-01T00:00:00Z"))
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if entry.UnitPriceInput != 8 {
		t.Errorf("expected the June price, got %v", entry.UnitPriceInput)
	}
}

func TestResolve_NonUTCInstant(t *testing.T) {
	book := mustLoad(t, acmeCatalog)

	// 2024-06-01T01:00:00+02:00 is 2024-05-31T23:00:00Z, still under the first price.
	at := mustTime(t, "2024-06-01T01:00:00+02:00")
	entry, err := book.Resolve("acme", "m1", "global", at)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if entry.UnitPriceInput != 10 {
		t.Errorf("expected first price for an instant before activation, got %v", entry.UnitPriceInput)
	}
}

func TestResolve_Deterministic(t *testing.T) {
	book := mustLoad(t, acmeCatalog)
	at := mustTime(t, "2024-07-01T00:00:00Z")

	first, err := book.Resolve("acme", "m1", "global", at)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := book.Resolve("acme", "m1", "global", at)
		if err != nil {
			t.Fatalf("Resolve() error: %v", err)
		}
		if again != first {
			t.Fatalf("Resolve() not deterministic: %+v != %+v", again, first)
		}
	}
}

func TestResolve_ConcurrentReads(t *testing.T) {
	book := mustLoad(t, acmeCatalog)
	at := mustTime(t, "2024-03-01T00:00:00Z")

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := book.Resolve("acme", "m1", "global", at)
			if err != nil {
				errs <- err
				return
			}
			if entry.UnitPriceInput != 10 {
				errs <- errors.New("wrong price under concurrency")
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestResolve_NilBook(t *testing.T) {
	var book *PriceBook
	_, err := book.Resolve("acme", "m1", "global", time.Now())
	if !errors.Is(err, core.ErrPriceNotFound) {
		t.Fatalf("expected ErrPriceNotFound from nil book, got %v", err)
	}
}

func TestNewPriceBook_RejectsDuplicateActivation(t *testing.T) {
	at := mustTime(t, "2024-01-01T00:00:00Z")
	_, err := NewPriceBook("v1", []PriceEntry{
		{Provider: "acme", Model: "m1", Region: "global", EffectiveFrom: at, UnitPriceInput: 1, UnitPriceOutput: 2},
		{Provider: "acme", Model: "m1", Region: "global", EffectiveFrom: at, UnitPriceInput: 3, UnitPriceOutput: 4},
	})
	if err == nil {
		t.Fatal("expected duplicate activation to be rejected")
	}
}

func TestNewPriceBook_SameInstantDifferentRegions(t *testing.T) {
	at := mustTime(t, "2024-01-01T00:00:00Z")
	book, err := NewPriceBook("v1", []PriceEntry{
		{Provider: "acme", Model: "m1", Region: "us", EffectiveFrom: at, UnitPriceInput: 1, UnitPriceOutput: 2},
		{Provider: "acme", Model: "m1", Region: "eu", EffectiveFrom: at, UnitPriceInput: 3, UnitPriceOutput: 4},
	})
	if err != nil {
		t.Fatalf("NewPriceBook() error: %v", err)
	}

	eu, err := book.Resolve("acme", "m1", "eu", at)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if eu.UnitPriceInput != 3 {
		t.Errorf("expected eu price 3, got %v", eu.UnitPriceInput)
	}
}

func TestEntries_ReturnsCopy(t *testing.T) {
	book := mustLoad(t, acmeCatalog)

	entries := book.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	entries[0].UnitPriceInput = 999

	entry, err := book.Resolve("acme", "m1", "global", mustTime(t, "2024-03-01T00:00:00Z"))
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if entry.UnitPriceInput != 10 {
		t.Error("mutating Entries() result changed the book")
	}
}
