package usage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tokenmeter/internal/core"
	"tokenmeter/internal/storage"
)

func newSQLiteStorage(t *testing.T) storage.Storage {
	t.Helper()
	db, err := storage.NewSQLite(storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "usage.db")})
	if err != nil {
		t.Fatalf("failed to open SQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newSQLiteStoreAndReader(t *testing.T) (*SQLiteStore, *SQLiteReader) {
	t.Helper()
	db := newSQLiteStorage(t)
	store, err := NewSQLiteStore(db.SQLiteDB(), 0)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	reader, err := NewSQLiteReader(db.SQLiteDB())
	if err != nil {
		t.Fatalf("NewSQLiteReader() error: %v", err)
	}
	return store, reader
}

// fixtureEvents spans two tenants, two features and one error over two days.
func fixtureEvents() []*UsageEvent {
	day1 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	mk := func(id, tenant, feature string, ts time.Time, in, out int, cost float64) *UsageEvent {
		e := sampleEvent(id, ts)
		e.TenantID = tenant
		e.Feature = feature
		e.InputUnits = in
		e.OutputUnits = out
		e.TotalUnits = in + out
		e.ComputedCost = cost
		return e
	}

	failed := mk("r4", "acme", "search", day2, 100, 0, 1)
	failed.Status = StatusError
	failed.LatencyMs = 100

	cached := mk("r5", "globex", "chat", day2, 1000, 1000, 0)
	cached.CacheHit = true

	return []*UsageEvent{
		mk("r1", "acme", "chat", day1, 2000, 500, 30),
		mk("r2", "acme", "chat", day1, 1000, 0, 10),
		mk("r3", "globex", "search", day1, 500, 500, 5),
		failed,
		cached,
	}
}

func TestSQLiteStore_WriteBatchIsIdempotent(t *testing.T) {
	store, reader := newSQLiteStoreAndReader(t)
	ctx := context.Background()

	events := fixtureEvents()
	if err := store.WriteBatch(ctx, events); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}
	if err := store.WriteBatch(ctx, events); err != nil {
		t.Fatalf("second WriteBatch() error: %v", err)
	}

	summary, err := reader.GetSummary(ctx, QueryParams{})
	if err != nil {
		t.Fatalf("GetSummary() error: %v", err)
	}
	if summary.Events != int64(len(events)) {
		t.Errorf("Events = %d, want %d", summary.Events, len(events))
	}
}

func TestSQLiteStore_WriteBatchChunksLargeBatches(t *testing.T) {
	store, reader := newSQLiteStoreAndReader(t)
	ctx := context.Background()

	// More than two statements worth of rows.
	n := maxEventsPerInsert*2 + 7
	events := make([]*UsageEvent, n)
	for i := range events {
		events[i] = sampleEvent(fmt.Sprintf("req-%d", i), testTime)
	}
	if err := store.WriteBatch(ctx, events); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}

	summary, err := reader.GetSummary(ctx, QueryParams{})
	if err != nil {
		t.Fatalf("GetSummary() error: %v", err)
	}
	if summary.Events != int64(n) {
		t.Errorf("Events = %d, want %d", summary.Events, n)
	}
}

func TestSQLiteStore_ReopenRunsMigrations(t *testing.T) {
	db := newSQLiteStorage(t)
	for i := 0; i < 2; i++ {
		store, err := NewSQLiteStore(db.SQLiteDB(), 0)
		if err != nil {
			t.Fatalf("NewSQLiteStore() attempt %d error: %v", i+1, err)
		}
		store.Close()
	}
}

func TestSQLiteReader_GetSummary(t *testing.T) {
	store, reader := newSQLiteStoreAndReader(t)
	ctx := context.Background()
	if err := store.WriteBatch(ctx, fixtureEvents()); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}

	t.Run("all time", func(t *testing.T) {
		s, err := reader.GetSummary(ctx, QueryParams{})
		if err != nil {
			t.Fatalf("GetSummary() error: %v", err)
		}
		if s.Events != 5 || s.InputUnits != 4600 || s.OutputUnits != 2000 || s.TotalUnits != 6600 {
			t.Errorf("unexpected unit totals: %+v", s)
		}
		assertCostNear(t, "Cost", s.Cost, 46)
		if s.Errors != 1 || s.CacheHits != 1 {
			t.Errorf("Errors = %d, CacheHits = %d, want 1, 1", s.Errors, s.CacheHits)
		}
		// Four events at 42ms and one at 100ms.
		assertCostNear(t, "AvgLatencyMs", s.AvgLatencyMs, (4*42+100)/5.0)
	})

	t.Run("half-open time range", func(t *testing.T) {
		s, err := reader.GetSummary(ctx, QueryParams{
			Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("GetSummary() error: %v", err)
		}
		if s.Events != 3 {
			t.Errorf("Events = %d, want 3 (end bound is exclusive)", s.Events)
		}
	})

	t.Run("filters", func(t *testing.T) {
		s, err := reader.GetSummary(ctx, QueryParams{TenantID: "acme", Feature: "chat"})
		if err != nil {
			t.Fatalf("GetSummary() error: %v", err)
		}
		if s.Events != 2 {
			t.Errorf("Events = %d, want 2", s.Events)
		}
		assertCostNear(t, "Cost", s.Cost, 40)
	})

	t.Run("empty result", func(t *testing.T) {
		s, err := reader.GetSummary(ctx, QueryParams{TenantID: "nobody"})
		if err != nil {
			t.Fatalf("GetSummary() error: %v", err)
		}
		if *s != (Summary{}) {
			t.Errorf("expected zero summary, got %+v", s)
		}
	})
}

func TestSQLiteReader_GetBreakdown(t *testing.T) {
	store, reader := newSQLiteStoreAndReader(t)
	ctx := context.Background()
	if err := store.WriteBatch(ctx, fixtureEvents()); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}

	rows, err := reader.GetBreakdown(ctx, QueryParams{}, DimTenant)
	if err != nil {
		t.Fatalf("GetBreakdown() error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Key != "acme" || rows[0].Events != 3 {
		t.Errorf("first row = %+v, want acme with 3 events", rows[0])
	}
	assertCostNear(t, "acme cost", rows[0].Cost, 41)
	if rows[1].Key != "globex" || rows[1].Events != 2 {
		t.Errorf("second row = %+v, want globex with 2 events", rows[1])
	}

	byFeature, err := reader.GetBreakdown(ctx, QueryParams{TenantID: "acme"}, DimFeature)
	if err != nil {
		t.Fatalf("GetBreakdown() error: %v", err)
	}
	if len(byFeature) != 2 || byFeature[0].Key != "chat" || byFeature[1].Key != "search" {
		t.Errorf("unexpected feature breakdown: %+v", byFeature)
	}

	_, err = reader.GetBreakdown(ctx, QueryParams{}, Dimension("timestamp; DROP TABLE usage_events"))
	if !errors.Is(err, core.ErrValidation) {
		t.Errorf("expected ErrValidation for unknown dimension, got %v", err)
	}
}

func TestParseDimension(t *testing.T) {
	tests := []struct {
		in      string
		want    Dimension
		wantErr bool
	}{
		{"tenant", DimTenant, false},
		{"TENANT_ID", DimTenant, false},
		{" model ", DimModel, false},
		{"version", DimPriceVersion, false},
		{"timestamp", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDimension(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDimension(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseDimension(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIngest_LoadsJSONLIntoSQLite(t *testing.T) {
	store, reader := newSQLiteStoreAndReader(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := NewJSONLSink(path, false)
	if err != nil {
		t.Fatalf("NewJSONLSink() error: %v", err)
	}
	for _, e := range fixtureEvents() {
		if err := sink.Append(ctx, e); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}
	sink.Close()

	stats, err := IngestFile(ctx, path, store, IngestOptions{BatchSize: 2})
	if err != nil {
		t.Fatalf("IngestFile() error: %v", err)
	}
	if stats.Events != 5 || stats.Batches != 3 || stats.Skipped != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	// Re-ingesting the same log adds nothing.
	if _, err := IngestFile(ctx, path, store, IngestOptions{}); err != nil {
		t.Fatalf("second IngestFile() error: %v", err)
	}

	summary, err := reader.GetSummary(ctx, QueryParams{})
	if err != nil {
		t.Fatalf("GetSummary() error: %v", err)
	}
	if summary.Events != 5 {
		t.Errorf("Events = %d, want 5", summary.Events)
	}
	assertCostNear(t, "Cost", summary.Cost, 46)
}

func TestIngest_MalformedLines(t *testing.T) {
	input := strings.Join([]string{
		`{"request_id":"a","attempt":1,"timestamp":"2024-03-01 12:00:00.000","provider":"acme","model":"m1","region":"global","status":"ok"}`,
		``,
		`not json`,
		`{"request_id":"","timestamp":"2024-03-01 12:00:00.000"}`,
		`{"request_id":"b","attempt":1,"timestamp":"2024-03-01T12:00:01Z","provider":"acme","model":"m1","region":"global","status":"ok"}`,
	}, "\n")

	t.Run("lenient skips", func(t *testing.T) {
		store := &mockStore{}
		stats, err := Ingest(context.Background(), strings.NewReader(input), store, IngestOptions{})
		if err != nil {
			t.Fatalf("Ingest() error: %v", err)
		}
		if stats.Lines != 5 || stats.Events != 2 || stats.Skipped != 2 || stats.Batches != 1 {
			t.Errorf("unexpected stats: %+v", stats)
		}
	})

	t.Run("strict aborts", func(t *testing.T) {
		store := &mockStore{}
		_, err := Ingest(context.Background(), strings.NewReader(input), store, IngestOptions{Strict: true})
		if err == nil || !strings.Contains(err.Error(), "line 3") {
			t.Fatalf("expected error naming line 3, got %v", err)
		}
	})

	t.Run("transform", func(t *testing.T) {
		store := &mockStore{}
		_, err := Ingest(context.Background(), strings.NewReader(input), store, IngestOptions{
			Transform: func(e *UsageEvent) (*UsageEvent, error) {
				e.TenantID = "backfill"
				return e, nil
			},
		})
		if err != nil {
			t.Fatalf("Ingest() error: %v", err)
		}
		for _, e := range store.getEvents() {
			if e.TenantID != "backfill" {
				t.Errorf("transform not applied to %s", e.RequestID)
			}
		}
	})

	t.Run("store failure", func(t *testing.T) {
		store := &mockStore{writeErr: errors.New("locked")}
		if _, err := Ingest(context.Background(), strings.NewReader(input), store, IngestOptions{}); err == nil {
			t.Fatal("expected store error")
		}
	})
}

func TestNewSink(t *testing.T) {
	ctx := context.Background()

	t.Run("jsonl default", func(t *testing.T) {
		sink, err := NewSink(ctx, SinkConfig{JSONLPath: filepath.Join(t.TempDir(), "e.jsonl")}, nil)
		if err != nil {
			t.Fatalf("NewSink() error: %v", err)
		}
		defer sink.Close()
		if _, ok := sink.(*JSONLSink); !ok {
			t.Errorf("expected *JSONLSink, got %T", sink)
		}
	})

	t.Run("sqlite synchronous", func(t *testing.T) {
		db := newSQLiteStorage(t)
		sink, err := NewSink(ctx, SinkConfig{Type: SinkSQLite}, db)
		if err != nil {
			t.Fatalf("NewSink() error: %v", err)
		}
		defer sink.Close()
		if _, ok := sink.(*StoreSink); !ok {
			t.Errorf("expected *StoreSink, got %T", sink)
		}
		if err := sink.Append(ctx, sampleEvent("req", testTime)); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
		reader, err := NewReader(db)
		if err != nil {
			t.Fatalf("NewReader() error: %v", err)
		}
		s, err := reader.GetSummary(ctx, QueryParams{})
		if err != nil || s.Events != 1 {
			t.Errorf("expected 1 stored event, got %+v (err %v)", s, err)
		}
	})

	t.Run("sqlite buffered", func(t *testing.T) {
		db := newSQLiteStorage(t)
		sink, err := NewSink(ctx, SinkConfig{Type: SinkSQLite, BufferSize: 10}, db)
		if err != nil {
			t.Fatalf("NewSink() error: %v", err)
		}
		defer sink.Close()
		if _, ok := sink.(*BufferedSink); !ok {
			t.Errorf("expected *BufferedSink, got %T", sink)
		}
	})

	t.Run("database sink without storage", func(t *testing.T) {
		if _, err := NewSink(ctx, SinkConfig{Type: SinkPostgreSQL}, nil); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("mismatched storage", func(t *testing.T) {
		if _, err := NewSink(ctx, SinkConfig{Type: SinkMongoDB}, newSQLiteStorage(t)); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		if _, err := NewSink(ctx, SinkConfig{Type: "kafka"}, nil); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestRunCleanupLoop(t *testing.T) {
	stop := make(chan struct{})
	calls := make(chan struct{}, 10)
	done := make(chan struct{})

	go func() {
		runCleanupLoop(stop, func() { calls <- struct{}{} }, 10*time.Millisecond)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatalf("cleanup call %d did not happen", i+1)
		}
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup loop did not stop")
	}
}
