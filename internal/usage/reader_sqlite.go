package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteReader implements Reader for SQLite databases.
type SQLiteReader struct {
	db *sql.DB
}

// NewSQLiteReader creates a new SQLite usage reader.
func NewSQLiteReader(db *sql.DB) (*SQLiteReader, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &SQLiteReader{db: db}, nil
}

func sqliteConditions(params QueryParams) ([]string, []any) {
	return sqlConditions(params,
		func(int) string { return "?" },
		func(t time.Time) any { return sqliteTimestamp(t) },
	)
}

func (r *SQLiteReader) GetSummary(ctx context.Context, params QueryParams) (*Summary, error) {
	conditions, args := sqliteConditions(params)
	query := "SELECT " + aggregateSelect + " FROM usage_events" + buildWhereClause(conditions)

	summary := &Summary{}
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(summaryScanTargets(summary)...); err != nil {
		return nil, fmt.Errorf("failed to query usage summary: %w", err)
	}
	return summary, nil
}

func (r *SQLiteReader) GetBreakdown(ctx context.Context, params QueryParams, dim Dimension) ([]BreakdownRow, error) {
	if err := validDimension(dim); err != nil {
		return nil, err
	}

	conditions, args := sqliteConditions(params)
	query := fmt.Sprintf(`SELECT %s AS dim_key, %s FROM usage_events%s
		GROUP BY %s ORDER BY 6 DESC, dim_key ASC`,
		dim, aggregateSelect, buildWhereClause(conditions), dim)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage breakdown: %w", err)
	}
	defer rows.Close()

	result := make([]BreakdownRow, 0)
	for rows.Next() {
		var row BreakdownRow
		targets := append([]any{&row.Key}, summaryScanTargets(&row.Summary)...)
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("failed to scan usage breakdown row: %w", err)
		}
		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage breakdown rows: %w", err)
	}

	return result, nil
}
