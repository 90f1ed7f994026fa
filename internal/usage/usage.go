// Package usage defines the usage event emitted for every metered call, the
// cost calculation applied to it, and the sinks, stores and readers that
// persist and aggregate those events.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status values recorded on a UsageEvent.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// TimestampLayout is the wire format of UsageEvent.Timestamp: UTC, millisecond precision.
const TimestampLayout = "2006-01-02 15:04:05.000"

// parseLayouts are tried in order when decoding a timestamp.
// The second form accepts any number of fractional digits.
var parseLayouts = []string{
	TimestampLayout,
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

// eventNamespace seeds deterministic store row IDs.
var eventNamespace = uuid.MustParse("6f1c3b9e-5a43-4c1e-9d0b-2f8a7e61c4d2")

// UsageEvent is the immutable record of one call attempt.
// The JSON field names are the persisted contract of the event log.
type UsageEvent struct {
	RequestID string    `json:"request_id" bson:"request_id"`
	Attempt   int       `json:"attempt" bson:"attempt"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`

	// Attribution
	TenantID         string `json:"tenant_id" bson:"tenant_id"`
	UserID           string `json:"user_id" bson:"user_id"`
	Feature          string `json:"feature" bson:"feature"`
	Endpoint         string `json:"endpoint" bson:"endpoint"`
	PromptTemplateID string `json:"prompt_template_id" bson:"prompt_template_id"`

	Provider string `json:"provider" bson:"provider"`
	Model    string `json:"model" bson:"model"`
	Region   string `json:"region" bson:"region"`

	InputUnits  int `json:"input_units" bson:"input_units"`
	OutputUnits int `json:"output_units" bson:"output_units"`
	TotalUnits  int `json:"total_units" bson:"total_units"`

	LatencyMs  int64  `json:"latency_ms" bson:"latency_ms"`
	Status     string `json:"status" bson:"status"`
	RetryCount int    `json:"retry_count" bson:"retry_count"`
	CacheHit   bool   `json:"cache_hit" bson:"cache_hit"`

	// Pricing snapshot applied to this event. PriceVersion is empty when no
	// price could be resolved.
	PriceVersion    string  `json:"price_version" bson:"price_version"`
	UnitPriceInput  float64 `json:"unit_price_input" bson:"unit_price_input"`
	UnitPriceOutput float64 `json:"unit_price_output" bson:"unit_price_output"`
	ComputedCost    float64 `json:"computed_cost" bson:"computed_cost"`

	InputChars  int `json:"input_chars" bson:"input_chars"`
	OutputChars int `json:"output_chars" bson:"output_chars"`
}

type eventAlias UsageEvent

type eventWire struct {
	eventAlias
	Timestamp string `json:"timestamp"`
}

// MarshalJSON writes the timestamp in TimestampLayout.
func (e UsageEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventWire{
		eventAlias: eventAlias(e),
		Timestamp:  FormatTimestamp(e.Timestamp),
	})
}

// UnmarshalJSON accepts TimestampLayout and RFC 3339 timestamps.
func (e *UsageEvent) UnmarshalJSON(data []byte) error {
	var w eventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = UsageEvent(w.eventAlias)
	if w.Timestamp == "" {
		e.Timestamp = time.Time{}
		return nil
	}
	ts, err := ParseTimestamp(w.Timestamp)
	if err != nil {
		return err
	}
	e.Timestamp = ts
	return nil
}

// FormatTimestamp renders t in UTC with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses an event timestamp. Values without a zone are UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Truncate(time.Millisecond), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid event timestamp %q", s)
}

// EventID derives a stable row ID from the request ID, attempt and timestamp,
// so writing the same event twice is a no-op for the stores.
func EventID(e *UsageEvent) string {
	key := fmt.Sprintf("%s|%d|%d", e.RequestID, e.Attempt, e.Timestamp.UnixMilli())
	return uuid.NewSHA1(eventNamespace, []byte(key)).String()
}

// Store is a batch-oriented persistence backend for usage events.
// Implementations must be safe for concurrent use.
type Store interface {
	// WriteBatch writes events to storage. Events already present are skipped.
	WriteBatch(ctx context.Context, events []*UsageEvent) error

	// Flush forces any pending writes to complete.
	Flush(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
