// Package meter wraps units of work so that every attempt produces exactly one
// priced usage event, whether the work succeeds, fails or panics.
package meter

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"tokenmeter/internal/core"
	"tokenmeter/internal/pricing"
	"tokenmeter/internal/usage"
)

// Metering failure stages passed to observers and OnMeteringError.
const (
	StagePrice      = "price"
	StageSink       = "sink"
	StageValidation = "validation"
	StageInternal   = "internal"
)

// PriceResolver resolves the price in effect at an instant.
// *pricing.PriceBook and *pricing.Holder both implement it.
type PriceResolver interface {
	Resolve(provider, model, region string, at time.Time) (pricing.PriceEntry, error)
}

// Observer is notified of every recorded event and every metering failure.
type Observer interface {
	ObserveEvent(e *usage.UsageEvent)
	ObserveMeteringError(stage string, err error)
}

// Options configures an Instrumentor.
type Options struct {
	// DefaultProvider is used when a Request has no provider.
	DefaultProvider string

	// DefaultRegion is used when a Request has no region (default "global").
	DefaultRegion string

	// Observer, when set, sees every event and metering failure.
	Observer Observer

	// OnMeteringError, when set, receives metering failures. event is the
	// event as assembled so far and may be nil for internal failures.
	// Metering failures never reach the caller of Call.
	OnMeteringError func(stage string, event *usage.UsageEvent, err error)

	// Now returns the wall-clock call start. Defaults to time.Now.
	Now func() time.Time
}

// Instrumentor meters calls against a price resolver and appends the
// resulting events to a sink. It is safe for concurrent use.
type Instrumentor struct {
	prices PriceResolver
	sink   usage.Sink
	opts   Options
}

// New creates an Instrumentor.
func New(prices PriceResolver, sink usage.Sink, opts Options) *Instrumentor {
	if opts.DefaultRegion == "" {
		opts.DefaultRegion = pricing.DefaultRegion
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Instrumentor{prices: prices, sink: sink, opts: opts}
}

// Request describes one call attempt. Unit counts left nil are extracted
// from the work result; counts that cannot be found are recorded as 0.
type Request struct {
	RequestID string
	Attempt   int

	TenantID string
	UserID   string
	Feature  string
	Endpoint string

	// Prompt is fingerprinted and counted, never stored.
	Prompt string

	Provider string
	Model    string
	Region   string

	RetryCount int
	CacheHit   bool

	InputUnits  *int
	OutputUnits *int
	TotalUnits  *int
	OutputChars *int

	// Status overrides the status derived from the work outcome. Only
	// usage.StatusOK and usage.StatusError are accepted; anything else is
	// ignored and reported as a validation failure.
	Status string
}

// Units returns a pointer to n, for filling Request unit counts.
func Units(n int) *int {
	return &n
}

type callState struct {
	req   Request
	ts    time.Time
	start time.Time
}

// Call runs work and records exactly one usage event for it. The event is
// recorded from a deferred function, so it is written on success, on error
// and while a panic unwinds; the panic then continues to the caller.
// Call returns exactly what work returned.
func Call[T any](ctx context.Context, in *Instrumentor, req Request, work func(ctx context.Context) (T, error)) (result T, err error) {
	c := in.begin(ctx, req)
	completed := false

	defer func() {
		var res any
		if completed {
			res = result
		}
		in.finish(ctx, c, res, err, completed)
	}()

	result, err = work(ctx)
	completed = true
	return result, err
}

// Do is Call for work that produces no result. Unit counts must be supplied
// on the request.
func (in *Instrumentor) Do(ctx context.Context, req Request, work func(ctx context.Context) error) error {
	_, err := Call(ctx, in, req, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, work(ctx)
	})
	return err
}

func (in *Instrumentor) begin(ctx context.Context, req Request) *callState {
	if req.Provider == "" {
		req.Provider = in.opts.DefaultProvider
	}
	if req.Region == "" {
		req.Region = in.opts.DefaultRegion
	}
	if req.RequestID == "" {
		req.RequestID = core.GetRequestID(ctx)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Attempt < 1 {
		req.Attempt = 1
	}

	return &callState{
		req:   req,
		ts:    in.opts.Now().UTC().Truncate(time.Millisecond),
		start: time.Now(),
	}
}

// finish assembles, prices and appends the event. It never panics, and the
// event reaches the sink even when unit extraction or pricing fails.
func (in *Instrumentor) finish(ctx context.Context, c *callState, result any, workErr error, completed bool) {
	latency := time.Since(c.start)

	req := c.req
	status := usage.StatusOK
	if !completed || workErr != nil {
		status = usage.StatusError
		// A failed call's result is not trusted; it is often a typed nil.
		result = nil
	}

	event := &usage.UsageEvent{
		RequestID:  req.RequestID,
		Attempt:    req.Attempt,
		Timestamp:  c.ts,
		TenantID:   req.TenantID,
		UserID:     req.UserID,
		Feature:    req.Feature,
		Endpoint:   req.Endpoint,
		Provider:   req.Provider,
		Model:      req.Model,
		Region:     req.Region,
		LatencyMs:  latency.Milliseconds(),
		Status:     status,
		RetryCount: req.RetryCount,
		CacheHit:   req.CacheHit,
		InputChars: utf8.RuneCountInString(req.Prompt),
	}

	switch req.Status {
	case "":
	case usage.StatusOK, usage.StatusError:
		event.Status = req.Status
	default:
		in.report(StageValidation, event,
			core.NewValidationError("status", fmt.Sprintf("must be %q or %q, got %q", usage.StatusOK, usage.StatusError, req.Status)))
	}

	in.guard(StageInternal, event, func() {
		event.PromptTemplateID = usage.TemplateID(req.Prompt)
		in.fillUnits(event, req, result)
	})

	in.guard(StagePrice, event, func() {
		if in.prices == nil {
			in.report(StagePrice, event, fmt.Errorf("no price resolver configured"))
			return
		}
		price, err := in.prices.Resolve(req.Provider, req.Model, req.Region, c.ts)
		if err != nil {
			in.report(StagePrice, event, err)
			return
		}
		applyPrice(event, price)
	})

	in.guard(StageSink, event, func() {
		// The event must be written even when the caller's context is already cancelled.
		if err := in.sink.Append(context.WithoutCancel(ctx), event); err != nil {
			in.report(StageSink, event, err)
		}
	})

	if in.opts.Observer != nil {
		in.guard(StageInternal, event, func() {
			in.opts.Observer.ObserveEvent(event)
		})
	}
}

// guard runs one finalization step, turning a panic into a metering failure
// so the steps after it still run.
func (in *Instrumentor) guard(stage string, event *usage.UsageEvent, step func()) {
	defer func() {
		if r := recover(); r != nil {
			in.report(stage, event, fmt.Errorf("metering panicked: %v", r))
		}
	}()
	step()
}

func (in *Instrumentor) fillUnits(event *usage.UsageEvent, req Request, result any) {
	var extracted usage.Units
	if result != nil {
		in.guard(StageInternal, event, func() { extracted = usage.ExtractUnits(result) })
	}
	event.InputUnits = in.units("input_units", event, req.InputUnits, extracted.Input)
	event.OutputUnits = in.units("output_units", event, req.OutputUnits, extracted.Output)
	switch {
	case req.TotalUnits != nil:
		event.TotalUnits = in.units("total_units", event, req.TotalUnits, 0)
	case extracted.Total > 0:
		event.TotalUnits = extracted.Total
	default:
		event.TotalUnits = event.InputUnits + event.OutputUnits
	}
	if req.OutputChars != nil {
		event.OutputChars = in.units("output_chars", event, req.OutputChars, 0)
	} else {
		event.OutputChars = utf8.RuneCountInString(extracted.OutputText)
	}
}

// units returns the supplied count when set, the extracted one otherwise.
// Negative supplied counts are recorded as 0 and reported.
func (in *Instrumentor) units(field string, event *usage.UsageEvent, supplied *int, extracted int) int {
	if supplied == nil {
		if extracted < 0 {
			return 0
		}
		return extracted
	}
	if *supplied < 0 {
		in.report(StageValidation, event,
			core.NewValidationError(field, fmt.Sprintf("must be non-negative, got %d", *supplied)))
		return 0
	}
	return *supplied
}

func (in *Instrumentor) report(stage string, event *usage.UsageEvent, err error) {
	attrs := []any{"stage", stage, "error", err}
	if event != nil {
		attrs = append(attrs,
			"request_id", event.RequestID,
			"attempt", event.Attempt,
			"provider", event.Provider,
			"model", event.Model,
		)
	}
	slog.Error("metering failed", attrs...)

	if in.opts.Observer != nil {
		in.opts.Observer.ObserveMeteringError(stage, err)
	}
	if in.opts.OnMeteringError != nil {
		in.opts.OnMeteringError(stage, event, err)
	}
}

// applyPrice stores the pricing snapshot and the computed cost.
// Cache hits keep the unit prices and cost nothing.
func applyPrice(e *usage.UsageEvent, price pricing.PriceEntry) {
	e.PriceVersion = price.PriceVersion
	e.UnitPriceInput = price.UnitPriceInput
	e.UnitPriceOutput = price.UnitPriceOutput
	if e.CacheHit {
		e.ComputedCost = 0
		return
	}
	e.ComputedCost = usage.Compute(e.InputUnits, e.OutputUnits, price.UnitPriceInput, price.UnitPriceOutput)
}

// Reprice returns a copy of e priced against prices at the event's own
// timestamp. The original event is not modified.
func Reprice(prices PriceResolver, e *usage.UsageEvent) (*usage.UsageEvent, error) {
	if e == nil {
		return nil, core.NewValidationError("event", "is nil")
	}
	price, err := prices.Resolve(e.Provider, e.Model, e.Region, e.Timestamp)
	if err != nil {
		return nil, err
	}
	out := *e
	applyPrice(&out, price)
	return &out, nil
}
