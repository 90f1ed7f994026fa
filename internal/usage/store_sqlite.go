package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// SQLite has a default limit of 999 bindable parameters per query (SQLITE_MAX_VARIABLE_NUMBER).
// With 25 columns per event, we can safely insert up to 39 events per statement (39 * 25 = 975).
const (
	maxSQLiteParams    = 999
	maxEventsPerInsert = maxSQLiteParams / 25
)

// SQLiteStore implements Store for SQLite databases.
type SQLiteStore struct {
	db            *sql.DB
	retentionDays int
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewSQLiteStore creates a new SQLite usage store.
// It creates the usage_events table if it doesn't exist and starts
// a background cleanup goroutine if retention is configured.
func NewSQLiteStore(db *sql.DB, retentionDays int) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS usage_events (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 1,
			timestamp TEXT NOT NULL,
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
			latency_ms INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			cache_hit INTEGER NOT NULL DEFAULT 0,
			price_version TEXT NOT NULL DEFAULT '',
			unit_price_input REAL NOT NULL DEFAULT 0,
			unit_price_output REAL NOT NULL DEFAULT 0,
			computed_cost REAL NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage_events table: %w", err)
	}

	// Character counts were added after the first schema (idempotent: SQLite
	// lacks IF NOT EXISTS for ALTER TABLE ADD COLUMN).
	migrations := []string{
		"ALTER TABLE usage_events ADD COLUMN input_chars INTEGER NOT NULL DEFAULT 0",
		"ALTER TABLE usage_events ADD COLUMN output_chars INTEGER NOT NULL DEFAULT 0",
	}
	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			if !strings.Contains(err.Error(), "duplicate column") {
				return nil, fmt.Errorf("failed to run migration %q: %w", migration, err)
			}
		}
	}

	for _, idx := range eventIndexes {
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	store := &SQLiteStore{
		db:            db,
		retentionDays: retentionDays,
		stopCleanup:   make(chan struct{}),
	}

	if retentionDays > 0 {
		go RunCleanupLoop(store.stopCleanup, store.cleanup)
	}

	return store, nil
}

// WriteBatch inserts events, chunked to stay within SQLite's parameter limit.
// Events whose ID already exists are ignored.
func (s *SQLiteStore) WriteBatch(ctx context.Context, events []*UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	question := func(int) string { return "?" }

	for i := 0; i < len(events); i += maxEventsPerInsert {
		end := i + maxEventsPerInsert
		if end > len(events) {
			end = len(events)
		}
		chunk := events[i:end]

		placeholders := make([]string, len(chunk))
		values := make([]any, 0, len(chunk)*columnsPerEvent)
		for j, e := range chunk {
			placeholders[j] = placeholderRow(question, 1)
			values = append(values, eventValues(e, sqliteTimestamp(e.Timestamp))...)
		}

		query := "INSERT OR IGNORE INTO usage_events (" + strings.Join(eventColumns, ", ") + ") VALUES " +
			strings.Join(placeholders, ",")

		if _, err := s.db.ExecContext(ctx, query, values...); err != nil {
			return fmt.Errorf("failed to insert usage batch %d: %w", i/maxEventsPerInsert, err)
		}
	}

	return nil
}

// Flush is a no-op for SQLite as writes are synchronous.
func (s *SQLiteStore) Flush(_ context.Context) error {
	return nil
}

// Close stops the cleanup goroutine.
// The DB itself is owned by the storage layer. Safe to call multiple times.
func (s *SQLiteStore) Close() error {
	if s.retentionDays > 0 && s.stopCleanup != nil {
		s.closeOnce.Do(func() {
			close(s.stopCleanup)
		})
	}
	return nil
}

// cleanup deletes events older than the retention period.
func (s *SQLiteStore) cleanup() {
	if s.retentionDays <= 0 {
		return
	}

	cutoff := sqliteTimestamp(time.Now().AddDate(0, 0, -s.retentionDays))

	result, err := s.db.Exec("DELETE FROM usage_events WHERE timestamp < ?", cutoff)
	if err != nil {
		slog.Error("failed to cleanup old usage events", "error", err)
		return
	}

	if rowsAffected, err := result.RowsAffected(); err == nil && rowsAffected > 0 {
		slog.Info("cleaned up old usage events", "deleted", rowsAffected)
	}
}
