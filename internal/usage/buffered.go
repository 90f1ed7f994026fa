package usage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tokenmeter/internal/core"
)

const (
	// DefaultBufferSize is the channel capacity of a BufferedSink.
	DefaultBufferSize = 1000
	// DefaultFlushInterval is how often a BufferedSink writes pending events.
	DefaultFlushInterval = 5 * time.Second
	// BatchFlushThreshold is the batch size that triggers an early flush.
	BatchFlushThreshold = 100
)

// ErrBufferFull is reported when a BufferedSink drops an event.
var ErrBufferFull = errors.New("usage buffer full")

// BufferedSink queues events and writes them to a Store in batches from a
// background goroutine. Append only fails when the buffer is full or the sink
// is closed; write errors of later batches are logged and passed to
// BufferConfig.OnError.
type BufferedSink struct {
	name          string
	store         Store
	buffer        chan *UsageEvent
	done          chan struct{}
	wg            sync.WaitGroup
	writes        sync.WaitGroup // in-flight Append calls
	flushInterval time.Duration
	closed        atomic.Bool
	onError       func(err error, count int)
}

// BufferConfig configures a BufferedSink.
type BufferConfig struct {
	// BufferSize is the number of events queued before Append starts dropping.
	BufferSize int

	// FlushInterval is how often pending events are written.
	FlushInterval time.Duration

	// OnError, when set, is called with every failed batch write.
	OnError func(err error, count int)
}

// NewBufferedSink starts the flush loop. Zero sizes and intervals fall back to
// their defaults.
func NewBufferedSink(name string, store Store, cfg BufferConfig) *BufferedSink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}

	s := &BufferedSink{
		name:          name,
		store:         store,
		buffer:        make(chan *UsageEvent, cfg.BufferSize),
		done:          make(chan struct{}),
		flushInterval: cfg.FlushInterval,
		onError:       cfg.OnError,
	}

	s.wg.Add(1)
	go s.flushLoop()

	return s
}

// Append queues the event without blocking.
func (s *BufferedSink) Append(_ context.Context, event *UsageEvent) error {
	if event == nil {
		return core.NewSinkError(s.name, errors.New("nil event"))
	}
	if s.closed.Load() {
		return core.NewSinkError(s.name, errors.New("sink is closed"))
	}

	s.writes.Add(1)
	defer s.writes.Done()

	// Close may have started between the first check and Add(1).
	if s.closed.Load() {
		return core.NewSinkError(s.name, errors.New("sink is closed"))
	}

	select {
	case s.buffer <- event:
		return nil
	default:
		slog.Warn("usage buffer full, dropping event",
			"request_id", event.RequestID,
			"model", event.Model,
		)
		return core.NewSinkError(s.name, ErrBufferFull)
	}
}

// Close drains the buffer, flushes and closes the store. Idempotent.
func (s *BufferedSink) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.writes.Wait()
	close(s.done)
	s.wg.Wait()

	return s.store.Close()
}

func (s *BufferedSink) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]*UsageEvent, 0, BatchFlushThreshold)

	for {
		select {
		case event := <-s.buffer:
			batch = append(batch, event)
			if len(batch) >= BatchFlushThreshold {
				s.flushBatch(batch)
				batch = make([]*UsageEvent, 0, BatchFlushThreshold)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flushBatch(batch)
				batch = make([]*UsageEvent, 0, BatchFlushThreshold)
			}

		case <-s.done:
			close(s.buffer)
			for event := range s.buffer {
				batch = append(batch, event)
			}
			if len(batch) > 0 {
				s.flushBatch(batch)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.store.Flush(ctx); err != nil {
				slog.Error("failed to flush usage store", "sink", s.name, "error", err)
			}
			cancel()
			return
		}
	}
}

func (s *BufferedSink) flushBatch(batch []*UsageEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.store.WriteBatch(ctx, batch); err != nil {
		slog.Error("failed to write usage batch",
			"sink", s.name,
			"error", err,
			"count", len(batch),
		)
		if s.onError != nil {
			s.onError(core.NewSinkError(s.name, err), len(batch))
		}
	}
}
