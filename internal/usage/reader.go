package usage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tokenmeter/internal/core"
)

// Dimension is a column usage can be broken down by.
type Dimension string

// Supported breakdown dimensions. The set is closed so dimension names can be
// used as column names in queries.
const (
	DimTenant       Dimension = "tenant_id"
	DimUser         Dimension = "user_id"
	DimFeature      Dimension = "feature"
	DimEndpoint     Dimension = "endpoint"
	DimProvider     Dimension = "provider"
	DimModel        Dimension = "model"
	DimPriceVersion Dimension = "price_version"
)

var dimensionAliases = map[string]Dimension{
	"tenant":        DimTenant,
	"tenant_id":     DimTenant,
	"user":          DimUser,
	"user_id":       DimUser,
	"feature":       DimFeature,
	"endpoint":      DimEndpoint,
	"provider":      DimProvider,
	"model":         DimModel,
	"price_version": DimPriceVersion,
	"version":       DimPriceVersion,
}

// ParseDimension maps a user-supplied name to a Dimension.
func ParseDimension(s string) (Dimension, error) {
	d, ok := dimensionAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", core.NewValidationError("group_by",
			fmt.Sprintf("unknown dimension %q (valid: tenant, user, feature, endpoint, provider, model, price_version)", s))
	}
	return d, nil
}

// QueryParams selects the events to aggregate.
// The time range is [Start, End); a zero bound is open. Empty filters match everything.
type QueryParams struct {
	Start time.Time
	End   time.Time

	TenantID string
	Feature  string
	Provider string
	Model    string
}

// filters returns the equality filters that are set, in a stable order.
func (p QueryParams) filters() []filter {
	var out []filter
	for _, f := range []filter{
		{DimTenant, p.TenantID},
		{DimFeature, p.Feature},
		{DimProvider, p.Provider},
		{DimModel, p.Model},
	} {
		if f.value != "" {
			out = append(out, f)
		}
	}
	return out
}

type filter struct {
	dim   Dimension
	value string
}

// Summary holds aggregated usage over a set of events.
type Summary struct {
	Events       int64   `json:"events"`
	InputUnits   int64   `json:"input_units"`
	OutputUnits  int64   `json:"output_units"`
	TotalUnits   int64   `json:"total_units"`
	Cost         float64 `json:"cost"`
	Errors       int64   `json:"errors"`
	CacheHits    int64   `json:"cache_hits"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// BreakdownRow is the summary of one value of a dimension.
type BreakdownRow struct {
	Key string `json:"key"`
	Summary
}

// Reader provides aggregated read access to stored usage events.
type Reader interface {
	// GetSummary aggregates all events matching params.
	GetSummary(ctx context.Context, params QueryParams) (*Summary, error)

	// GetBreakdown aggregates matching events per value of dim,
	// ordered by cost descending, then key ascending.
	GetBreakdown(ctx context.Context, params QueryParams, dim Dimension) ([]BreakdownRow, error)
}

// aggregateSelect is shared by the SQL readers.
const aggregateSelect = `COUNT(*),
	COALESCE(SUM(input_units), 0),
	COALESCE(SUM(output_units), 0),
	COALESCE(SUM(total_units), 0),
	COALESCE(SUM(computed_cost), 0),
	COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN cache_hit THEN 1 ELSE 0 END), 0),
	COALESCE(AVG(latency_ms), 0)`

// sqlConditions builds WHERE conditions for params. placeholder renders the
// n-th (1-based) bind parameter and ts encodes a timestamp for the backend.
func sqlConditions(params QueryParams, placeholder func(n int) string, ts func(time.Time) any) ([]string, []any) {
	var conditions []string
	var args []any

	if !params.Start.IsZero() {
		args = append(args, ts(params.Start))
		conditions = append(conditions, "timestamp >= "+placeholder(len(args)))
	}
	if !params.End.IsZero() {
		args = append(args, ts(params.End))
		conditions = append(conditions, "timestamp < "+placeholder(len(args)))
	}
	for _, f := range params.filters() {
		args = append(args, f.value)
		conditions = append(conditions, string(f.dim)+" = "+placeholder(len(args)))
	}
	return conditions, args
}

func summaryScanTargets(s *Summary) []any {
	return []any{
		&s.Events, &s.InputUnits, &s.OutputUnits, &s.TotalUnits,
		&s.Cost, &s.Errors, &s.CacheHits, &s.AvgLatencyMs,
	}
}

func validDimension(dim Dimension) error {
	for _, d := range dimensionAliases {
		if d == dim {
			return nil
		}
	}
	return core.NewValidationError("group_by", fmt.Sprintf("unknown dimension %q", dim))
}
