package pricing

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// Holder publishes the current PriceBook to concurrent readers.
// A reload builds a complete new book and swaps the pointer; readers never
// observe a partially loaded catalog.
type Holder struct {
	book atomic.Pointer[PriceBook]
}

// NewHolder creates a Holder serving book.
func NewHolder(book *PriceBook) *Holder {
	h := &Holder{}
	h.book.Store(book)
	return h
}

// Book returns the current PriceBook. Never nil once the holder is constructed with a book.
func (h *Holder) Book() *PriceBook {
	return h.book.Load()
}

// Resolve resolves against the current PriceBook.
func (h *Holder) Resolve(provider, model, region string, at time.Time) (PriceEntry, error) {
	return h.book.Load().Resolve(provider, model, region, at)
}

// Reload loads the catalog at path and, if it is valid, makes it current.
// On failure the previous book stays in place and the LoadError is returned.
func (h *Holder) Reload(path string) error {
	if path == "" {
		return errors.New("price catalog path is empty")
	}

	book, err := LoadFile(path)
	if err != nil {
		return err
	}

	prev := h.book.Swap(book)
	slog.Info("price catalog reloaded",
		"path", path,
		"version", book.Version(),
		"entries", book.Len(),
		"previous_version", prev.Version(),
	)
	return nil
}
