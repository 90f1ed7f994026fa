// Package pricing resolves the unit prices that were in effect for a
// (provider, model, region) at a given instant.
//
// A PriceBook is built once from a versioned catalog and never mutated.
// Every entry starts a half-open validity interval [EffectiveFrom, next EffectiveFrom)
// for its key, so a lookup at any past or present instant picks the most recently
// activated price as of that instant, regardless of prices activated later.
package pricing

import (
	"fmt"
	"sort"
	"time"

	"tokenmeter/internal/core"
)

const (
	// DefaultRegion is assigned to catalog entries that do not name a region.
	DefaultRegion = "global"

	// UnknownVersion is assigned when the catalog has no version tag.
	UnknownVersion = "unknown"
)

// PriceEntry is a single priced (provider, model, region) tuple.
type PriceEntry struct {
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	Region        string    `json:"region"`
	EffectiveFrom time.Time `json:"effective_from"`
	// UnitPriceInput is the price per 1000 input units.
	UnitPriceInput float64 `json:"unit_price_input"`
	// UnitPriceOutput is the price per 1000 output units.
	UnitPriceOutput float64 `json:"unit_price_output"`
	PriceVersion    string  `json:"price_version"`
}

type priceKey struct {
	provider string
	model    string
	region   string
}

func (e *PriceEntry) key() priceKey {
	return priceKey{provider: e.Provider, model: e.Model, region: e.Region}
}

// PriceBook is an immutable, indexed set of price entries.
// It is safe for concurrent use without synchronization.
type PriceBook struct {
	version string
	// entries is the arena in load order.
	entries []PriceEntry
	// index maps each key to arena positions sorted by EffectiveFrom.
	index map[priceKey][]int
}

// NewPriceBook builds a PriceBook from entries.
// Entries are copied; EffectiveFrom values are normalized to UTC.
// Two entries for the same key with the same EffectiveFrom are rejected
// because resolution between them would be ambiguous.
func NewPriceBook(version string, entries []PriceEntry) (*PriceBook, error) {
	b := &PriceBook{
		version: version,
		entries: make([]PriceEntry, len(entries)),
		index:   make(map[priceKey][]int),
	}

	for i, e := range entries {
		e.EffectiveFrom = e.EffectiveFrom.UTC()
		if e.Region == "" {
			e.Region = DefaultRegion
		}
		b.entries[i] = e
		k := e.key()
		b.index[k] = append(b.index[k], i)
	}

	for k, positions := range b.index {
		sort.SliceStable(positions, func(i, j int) bool {
			return b.entries[positions[i]].EffectiveFrom.Before(b.entries[positions[j]].EffectiveFrom)
		})
		for i := 1; i < len(positions); i++ {
			prev, cur := b.entries[positions[i-1]], b.entries[positions[i]]
			if prev.EffectiveFrom.Equal(cur.EffectiveFrom) {
				return nil, fmt.Errorf("duplicate price for provider=%s model=%s region=%s effective_from=%s",
					k.provider, k.model, k.region, cur.EffectiveFrom.Format(time.RFC3339))
			}
		}
	}

	return b, nil
}

// Resolve returns the entry for the exact (provider, model, region) key whose
// EffectiveFrom is the latest one not after at.
// Region matching is exact; there is no fallback to DefaultRegion.
func (b *PriceBook) Resolve(provider, model, region string, at time.Time) (PriceEntry, error) {
	notFound := &core.PriceNotFoundError{Provider: provider, Model: model, Region: region, At: at.UTC()}
	if b == nil {
		return PriceEntry{}, notFound
	}

	positions := b.index[priceKey{provider: provider, model: model, region: region}]
	// First entry that activates strictly after at; the one before it is in effect.
	n := sort.Search(len(positions), func(i int) bool {
		return b.entries[positions[i]].EffectiveFrom.After(at)
	})
	if n == 0 {
		return PriceEntry{}, notFound
	}
	return b.entries[positions[n-1]], nil
}

// Version returns the catalog document's revision tag. Entries carry it
// unless the catalog gave them their own price_version.
func (b *PriceBook) Version() string {
	if b == nil {
		return ""
	}
	return b.version
}

// Len returns the number of entries.
func (b *PriceBook) Len() int {
	if b == nil {
		return 0
	}
	return len(b.entries)
}

// Entries returns a copy of all entries in load order.
func (b *PriceBook) Entries() []PriceEntry {
	if b == nil {
		return nil
	}
	out := make([]PriceEntry, len(b.entries))
	copy(out, b.entries)
	return out
}
