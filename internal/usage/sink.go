package usage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"tokenmeter/internal/core"
)

// Sink receives finished usage events.
// Each successful Append persists exactly one self-contained record; concurrent
// Appends never interleave. Failures are reported as *core.SinkError.
type Sink interface {
	Append(ctx context.Context, event *UsageEvent) error
	Close() error
}

// StoreSink appends events to a Store synchronously, one single-event batch per call.
type StoreSink struct {
	name   string
	store  Store
	closed atomic.Bool
}

// NewStoreSink wraps store as a Sink. name identifies the backend in errors.
func NewStoreSink(name string, store Store) *StoreSink {
	return &StoreSink{name: name, store: store}
}

// Append writes the event as a batch of one.
func (s *StoreSink) Append(ctx context.Context, event *UsageEvent) error {
	if event == nil {
		return core.NewSinkError(s.name, fmt.Errorf("nil event"))
	}
	if s.closed.Load() {
		return core.NewSinkError(s.name, fmt.Errorf("sink is closed"))
	}
	if err := s.store.WriteBatch(ctx, []*UsageEvent{event}); err != nil {
		return core.NewSinkError(s.name, err)
	}
	return nil
}

// Close flushes and closes the underlying store. Safe to call multiple times.
func (s *StoreSink) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if err := s.store.Flush(context.Background()); err != nil {
		_ = s.store.Close()
		return core.NewSinkError(s.name, err)
	}
	return s.store.Close()
}

// MemorySink keeps events in memory, in append order.
type MemorySink struct {
	mu     sync.Mutex
	events []*UsageEvent
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append stores a copy of the event.
func (s *MemorySink) Append(_ context.Context, event *UsageEvent) error {
	if event == nil {
		return core.NewSinkError("memory", fmt.Errorf("nil event"))
	}
	e := *event
	s.mu.Lock()
	s.events = append(s.events, &e)
	s.mu.Unlock()
	return nil
}

// Events returns the appended events.
func (s *MemorySink) Events() []*UsageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*UsageEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Close is a no-op.
func (s *MemorySink) Close() error { return nil }
