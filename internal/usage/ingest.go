package usage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
)

const (
	// DefaultIngestBatchSize is the number of events written per WriteBatch call.
	DefaultIngestBatchSize = 500

	maxLineSize = 1 << 20
)

// IngestOptions configures Ingest.
type IngestOptions struct {
	// BatchSize is the number of events per store write (default 500).
	BatchSize int

	// Transform, when set, is applied to every decoded event before it is
	// written. Returning an error skips the event (or aborts in Strict mode).
	Transform func(*UsageEvent) (*UsageEvent, error)

	// Strict aborts on the first malformed line instead of skipping it.
	Strict bool
}

// IngestStats reports what an ingest run did.
type IngestStats struct {
	Lines   int `json:"lines"`
	Events  int `json:"events"`
	Skipped int `json:"skipped"`
	Batches int `json:"batches"`
}

// IngestFile loads the JSONL event log at path into store.
func IngestFile(ctx context.Context, path string, store Store, opts IngestOptions) (IngestStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return IngestStats{}, fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()
	return Ingest(ctx, f, store, opts)
}

// Ingest reads one event per line from r and writes them to store in batches.
// Blank lines are ignored. Re-ingesting the same log is a no-op for the
// stores since event IDs are deterministic.
func Ingest(ctx context.Context, r io.Reader, store Store, opts IngestOptions) (IngestStats, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultIngestBatchSize
	}

	var stats IngestStats
	batch := make([]*UsageEvent, 0, opts.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := store.WriteBatch(ctx, batch); err != nil {
			return fmt.Errorf("failed to write batch %d: %w", stats.Batches+1, err)
		}
		stats.Batches++
		stats.Events += len(batch)
		batch = make([]*UsageEvent, 0, opts.BatchSize)
		return nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		stats.Lines++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		event, err := decodeLine(line, opts.Transform)
		if err != nil {
			if opts.Strict {
				return stats, fmt.Errorf("line %d: %w", stats.Lines, err)
			}
			slog.Warn("skipping usage event", "line", stats.Lines, "error", err)
			stats.Skipped++
			continue
		}

		batch = append(batch, event)
		if len(batch) >= opts.BatchSize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("failed to read event log: %w", err)
	}

	if err := flush(); err != nil {
		return stats, err
	}
	if err := store.Flush(ctx); err != nil {
		return stats, fmt.Errorf("failed to flush store: %w", err)
	}
	return stats, nil
}

func decodeLine(line []byte, transform func(*UsageEvent) (*UsageEvent, error)) (*UsageEvent, error) {
	var event UsageEvent
	if err := json.Unmarshal(line, &event); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	if event.RequestID == "" {
		return nil, fmt.Errorf("invalid event: missing request_id")
	}
	if event.Timestamp.IsZero() {
		return nil, fmt.Errorf("invalid event: missing timestamp")
	}
	if transform == nil {
		return &event, nil
	}
	return transform(&event)
}
