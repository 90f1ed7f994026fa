package usage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLReader implements Reader for PostgreSQL databases.
type PostgreSQLReader struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLReader creates a new PostgreSQL usage reader.
func NewPostgreSQLReader(pool *pgxpool.Pool) (*PostgreSQLReader, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}
	return &PostgreSQLReader{pool: pool}, nil
}

// AVG over BIGINT is NUMERIC in PostgreSQL; cast so it scans into float64.
const pgAggregateSelect = aggregateSelect + "::DOUBLE PRECISION"

func pgConditions(params QueryParams) ([]string, []any) {
	return sqlConditions(params,
		func(n int) string { return "$" + strconv.Itoa(n) },
		func(t time.Time) any { return t.UTC() },
	)
}

func (r *PostgreSQLReader) GetSummary(ctx context.Context, params QueryParams) (*Summary, error) {
	conditions, args := pgConditions(params)
	query := "SELECT " + pgAggregateSelect + " FROM usage_events" + buildWhereClause(conditions)

	summary := &Summary{}
	if err := r.pool.QueryRow(ctx, query, args...).Scan(summaryScanTargets(summary)...); err != nil {
		return nil, fmt.Errorf("failed to query usage summary: %w", err)
	}
	return summary, nil
}

func (r *PostgreSQLReader) GetBreakdown(ctx context.Context, params QueryParams, dim Dimension) ([]BreakdownRow, error) {
	if err := validDimension(dim); err != nil {
		return nil, err
	}

	conditions, args := pgConditions(params)
	query := fmt.Sprintf(`SELECT %s AS dim_key, %s FROM usage_events%s
		GROUP BY %s ORDER BY 6 DESC, dim_key ASC`,
		dim, pgAggregateSelect, buildWhereClause(conditions), dim)

	rows, err := r.pool.Query(ctx, query, args...)
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
