package usage

import (
	"strings"
	"time"
)

// TableName is the table (or collection) usage events are stored in.
const TableName = "usage_events"

// eventColumns is the column order used by every SQL store.
var eventColumns = []string{
	"id", "request_id", "attempt", "timestamp",
	"tenant_id", "user_id", "feature", "endpoint", "prompt_template_id",
	"provider", "model", "region",
	"input_units", "output_units", "total_units",
	"latency_ms", "status", "retry_count", "cache_hit",
	"price_version", "unit_price_input", "unit_price_output", "computed_cost",
	"input_chars", "output_chars",
}

var columnsPerEvent = len(eventColumns)

// eventIndexes are created by the SQL stores on startup.
var eventIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_usage_events_timestamp ON usage_events(timestamp)",
	"CREATE INDEX IF NOT EXISTS idx_usage_events_request_id ON usage_events(request_id)",
	"CREATE INDEX IF NOT EXISTS idx_usage_events_tenant ON usage_events(tenant_id)",
	"CREATE INDEX IF NOT EXISTS idx_usage_events_feature ON usage_events(feature)",
	"CREATE INDEX IF NOT EXISTS idx_usage_events_model ON usage_events(model)",
}

// eventValues returns the column values of e in eventColumns order.
// ts is the already-encoded timestamp, which differs per backend.
func eventValues(e *UsageEvent, ts any) []any {
	return []any{
		EventID(e), e.RequestID, e.Attempt, ts,
		e.TenantID, e.UserID, e.Feature, e.Endpoint, e.PromptTemplateID,
		e.Provider, e.Model, e.Region,
		e.InputUnits, e.OutputUnits, e.TotalUnits,
		e.LatencyMs, e.Status, e.RetryCount, e.CacheHit,
		e.PriceVersion, e.UnitPriceInput, e.UnitPriceOutput, e.ComputedCost,
		e.InputChars, e.OutputChars,
	}
}

// sqliteTimestampLayout sorts lexically in time order.
const sqliteTimestampLayout = "2006-01-02T15:04:05.000Z"

func sqliteTimestamp(t time.Time) string {
	return t.UTC().Format(sqliteTimestampLayout)
}

// placeholderRow renders "(p1, p2, ...)" for one event starting at argument n (1-based).
func placeholderRow(placeholder func(n int) string, n int) string {
	parts := make([]string, columnsPerEvent)
	for i := range parts {
		parts[i] = placeholder(n + i)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// buildWhereClause joins condition strings into a SQL WHERE clause.
// Returns an empty string when conditions is empty.
func buildWhereClause(conditions []string) string {
	if len(conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conditions, " AND ")
}
