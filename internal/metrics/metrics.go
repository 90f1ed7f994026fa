// Package metrics exposes metering activity as Prometheus metrics.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tokenmeter/internal/usage"
)

// Metrics records usage events and metering failures.
type Metrics struct {
	events          *prometheus.CounterVec
	units           *prometheus.CounterVec
	cost            *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	meteringErrors  *prometheus.CounterVec
	priceBookLoaded prometheus.Gauge
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer in
// production and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_usage_events_total",
				Help: "Total number of usage events recorded",
			},
			[]string{"provider", "model", "status", "cache_hit"},
		),

		units: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_units_total",
				Help: "Total number of metered units",
			},
			[]string{"provider", "model", "direction"},
		),

		cost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_cost_total",
				Help: "Total computed cost of metered calls",
			},
			[]string{"provider", "model"},
		),

		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenmeter_call_duration_seconds",
				Help:    "Duration of metered calls in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
			},
			[]string{"provider", "model"},
		),

		meteringErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenmeter_metering_errors_total",
				Help: "Total number of metering failures by stage",
			},
			[]string{"stage"},
		),

		priceBookLoaded: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tokenmeter_price_book_entries",
				Help: "Number of entries in the active price book",
			},
		),
	}
}

// ObserveEvent records one usage event.
func (m *Metrics) ObserveEvent(e *usage.UsageEvent) {
	if e == nil {
		return
	}
	m.events.WithLabelValues(e.Provider, e.Model, e.Status, strconv.FormatBool(e.CacheHit)).Inc()
	m.units.WithLabelValues(e.Provider, e.Model, "input").Add(float64(e.InputUnits))
	m.units.WithLabelValues(e.Provider, e.Model, "output").Add(float64(e.OutputUnits))
	m.cost.WithLabelValues(e.Provider, e.Model).Add(e.ComputedCost)
	m.latency.WithLabelValues(e.Provider, e.Model).Observe(float64(e.LatencyMs) / 1000)
}

// ObserveMeteringError counts a metering failure at the given stage.
func (m *Metrics) ObserveMeteringError(stage string, _ error) {
	m.meteringErrors.WithLabelValues(stage).Inc()
}

// SetPriceBookEntries reports the size of the active price book.
func (m *Metrics) SetPriceBookEntries(n int) {
	m.priceBookLoaded.Set(float64(n))
}
