package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLStore implements Store for PostgreSQL databases.
type PostgreSQLStore struct {
	pool          *pgxpool.Pool
	retentionDays int
	stopCleanup   chan struct{}
	closeOnce     sync.Once
	insertSQL     string
}

// NewPostgreSQLStore creates a new PostgreSQL usage store.
// It creates the usage_events table if it doesn't exist and starts
// a background cleanup goroutine if retention is configured.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool, retentionDays int) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS usage_events (
			id UUID PRIMARY KEY,
			request_id TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 1,
			timestamp TIMESTAMPTZ NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			feature TEXT NOT NULL DEFAULT '',
			endpoint TEXT NOT NULL DEFAULT '',
			prompt_template_id TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			region TEXT NOT NULL,
			input_units INTEGER NOT NULL DEFAULT 0,
			output_units INTEGER NOT NULL DEFAULT 0,
			total_units INTEGER NOT NULL DEFAULT 0,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			cache_hit BOOLEAN NOT NULL DEFAULT FALSE,
			price_version TEXT NOT NULL DEFAULT '',
			unit_price_input DOUBLE PRECISION NOT NULL DEFAULT 0,
			unit_price_output DOUBLE PRECISION NOT NULL DEFAULT 0,
			computed_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			input_chars INTEGER NOT NULL DEFAULT 0,
			output_chars INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage_events table: %w", err)
	}

	for _, idx := range eventIndexes {
		if _, err := pool.Exec(ctx, idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	dollar := func(n int) string { return "$" + strconv.Itoa(n) }
	store := &PostgreSQLStore{
		pool:          pool,
		retentionDays: retentionDays,
		stopCleanup:   make(chan struct{}),
		insertSQL: "INSERT INTO usage_events (" + strings.Join(eventColumns, ", ") + ") VALUES " +
			placeholderRow(dollar, 1) + " ON CONFLICT (id) DO NOTHING",
	}

	if retentionDays > 0 {
		go RunCleanupLoop(store.stopCleanup, store.cleanup)
	}

	return store, nil
}

// WriteBatch inserts events. Events whose ID already exists are ignored.
func (s *PostgreSQLStore) WriteBatch(ctx context.Context, events []*UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	// Small batches skip the transaction overhead.
	if len(events) < 10 {
		return s.writeBatchSmall(ctx, events)
	}

	return s.writeBatchLarge(ctx, events)
}

func (s *PostgreSQLStore) writeBatchSmall(ctx context.Context, events []*UsageEvent) error {
	var errs []error

	for _, e := range events {
		if _, err := s.pool.Exec(ctx, s.insertSQL, eventValues(e, e.Timestamp.UTC())...); err != nil {
			slog.Warn("failed to insert usage event", "error", err, "request_id", e.RequestID)
			errs = append(errs, fmt.Errorf("insert %s: %w", e.RequestID, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to insert %d of %d usage events: %w", len(errs), len(events), errors.Join(errs...))
	}
	return nil
}

func (s *PostgreSQLStore) writeBatchLarge(ctx context.Context, events []*UsageEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, e := range events {
		if _, err := tx.Exec(ctx, s.insertSQL, eventValues(e, e.Timestamp.UTC())...); err != nil {
			// A failed statement aborts the transaction, so later inserts cannot succeed.
			return fmt.Errorf("insert %s in batch of %d: %w", e.RequestID, len(events), err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Flush is a no-op for PostgreSQL as writes are synchronous.
func (s *PostgreSQLStore) Flush(_ context.Context) error {
	return nil
}

// Close stops the cleanup goroutine.
// The pool is owned by the storage layer. Safe to call multiple times.
func (s *PostgreSQLStore) Close() error {
	if s.retentionDays > 0 && s.stopCleanup != nil {
		s.closeOnce.Do(func() {
			close(s.stopCleanup)
		})
	}
	return nil
}

// cleanup deletes events older than the retention period.
func (s *PostgreSQLStore) cleanup() {
	if s.retentionDays <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)

	result, err := s.pool.Exec(ctx, "DELETE FROM usage_events WHERE timestamp < $1", cutoff)
	if err != nil {
		slog.Error("failed to cleanup old usage events", "error", err)
		return
	}

	if result.RowsAffected() > 0 {
		slog.Info("cleaned up old usage events", "deleted", result.RowsAffected())
	}
}
