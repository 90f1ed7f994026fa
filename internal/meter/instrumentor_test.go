package meter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenmeter/internal/core"
	"tokenmeter/internal/pricing"
	"tokenmeter/internal/usage"
)

const testCatalog = `
version: v1
prices:
  - provider: acme
    model: m1
    effective_from: "2024-01-01T00:00:00Z"
    price_per_1k_input: 10
    price_per_1k_output: 20
  - provider: acme
    model: m1
    effective_from: "2024-06-01T00:00:00Z"
    price_per_1k_input: 5
    price_per_1k_output: 10
    price_version: v2
`

var march = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testBook(t *testing.T) *pricing.PriceBook {
	t.Helper()
	book, err := pricing.Load(strings.NewReader(testCatalog), "test")
	require.NoError(t, err)
	return book
}

type meteringFailure struct {
	stage string
	err   error
}

type recorder struct {
	mu       sync.Mutex
	failures []meteringFailure
	observed int
}

func (r *recorder) ObserveEvent(*usage.UsageEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed++
}

func (r *recorder) ObserveMeteringError(stage string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, meteringFailure{stage: stage, err: err})
}

func (r *recorder) stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.failures))
	for i, f := range r.failures {
		out[i] = f.stage
	}
	return out
}

func newTestInstrumentor(t *testing.T, sink usage.Sink, at time.Time) (*Instrumentor, *recorder) {
	t.Helper()
	rec := &recorder{}
	in := New(testBook(t), sink, Options{
		DefaultProvider: "acme",
		Observer:        rec,
		Now:             func() time.Time { return at },
	})
	return in, rec
}

func chatRequest() Request {
	return Request{
		TenantID: "tenant-a",
		UserID:   "user-1",
		Feature:  "chat",
		Endpoint: "/v1/chat",
		Prompt:   "user: hello",
		Model:    "m1",
	}
}

func TestCall_RecordsPricedEvent(t *testing.T) {
	sink := usage.NewMemorySink()
	in, rec := newTestInstrumentor(t, sink, march)

	req := chatRequest()
	req.RequestID = "req-1"
	result, err := Call(context.Background(), in, req, func(context.Context) (*core.ChatResult, error) {
		return &core.ChatResult{
			Text:  "hi",
			Usage: core.Usage{InputUnits: 2000, OutputUnits: 500},
		}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", result.Text)

	events := sink.Events()
	require.Len(t, events, 1)
	e := events[0]

	assert.Equal(t, "req-1", e.RequestID)
	assert.Equal(t, 1, e.Attempt)
	assert.Equal(t, march, e.Timestamp)
	assert.Equal(t, "acme", e.Provider)
	assert.Equal(t, pricing.DefaultRegion, e.Region)
	assert.Equal(t, usage.StatusOK, e.Status)
	assert.Equal(t, 2000, e.InputUnits)
	assert.Equal(t, 500, e.OutputUnits)
	assert.Equal(t, 2500, e.TotalUnits)
	assert.Equal(t, "v1", e.PriceVersion)
	assert.Equal(t, 10.0, e.UnitPriceInput)
	assert.Equal(t, 20.0, e.UnitPriceOutput)
	assert.Equal(t, 30.0, e.ComputedCost)
	assert.Equal(t, usage.TemplateID("user: hello"), e.PromptTemplateID)
	assert.Equal(t, 11, e.InputChars)
	assert.Equal(t, 2, e.OutputChars)
	assert.GreaterOrEqual(t, e.LatencyMs, int64(0))

	assert.Empty(t, rec.stages())
	assert.Equal(t, 1, rec.observed)
}

func TestCall_PricesAtCallStart(t *testing.T) {
	sink := usage.NewMemorySink()
	in, _ := newTestInstrumentor(t, sink, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC))

	req := chatRequest()
	req.InputUnits = Units(2000)
	req.OutputUnits = Units(500)
	require.NoError(t, in.Do(context.Background(), req, func(context.Context) error { return nil }))

	e := sink.Events()[0]
	assert.Equal(t, "v2", e.PriceVersion)
	assert.Equal(t, 15.0, e.ComputedCost)
}

func TestCall_CacheHitCostsNothing(t *testing.T) {
	sink := usage.NewMemorySink()
	in, _ := newTestInstrumentor(t, sink, march)

	req := chatRequest()
	req.CacheHit = true
	req.InputUnits = Units(2000)
	req.OutputUnits = Units(500)
	require.NoError(t, in.Do(context.Background(), req, func(context.Context) error { return nil }))

	e := sink.Events()[0]
	assert.True(t, e.CacheHit)
	assert.Equal(t, 0.0, e.ComputedCost)
	assert.Equal(t, 10.0, e.UnitPriceInput)
	assert.Equal(t, "v1", e.PriceVersion)
}

func TestCall_WorkErrorPropagatesUnchanged(t *testing.T) {
	sink := usage.NewMemorySink()
	in, _ := newTestInstrumentor(t, sink, march)
	boom := errors.New("upstream timeout")

	_, err := Call(context.Background(), in, chatRequest(), func(context.Context) (*core.ChatResult, error) {
		return nil, boom
	})
	assert.Same(t, boom, err)

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, usage.StatusError, events[0].Status)
	assert.Equal(t, 0, events[0].InputUnits)
	assert.Equal(t, 0.0, events[0].ComputedCost)
}

func TestCall_PanicRecordsErrorEventAndRepanics(t *testing.T) {
	sink := usage.NewMemorySink()
	in, _ := newTestInstrumentor(t, sink, march)

	assert.PanicsWithValue(t, "kaboom", func() {
		_, _ = Call(context.Background(), in, chatRequest(), func(context.Context) (int, error) {
			panic("kaboom")
		})
	})

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, usage.StatusError, events[0].Status)
}

type failingSink struct{}

func (failingSink) Append(context.Context, *usage.UsageEvent) error {
	return core.NewSinkError("broken", errors.New("disk full"))
}

func (failingSink) Close() error { return nil }

func TestCall_SinkFailureDoesNotReachCaller(t *testing.T) {
	var gotStage string
	var gotEvent *usage.UsageEvent
	rec := &recorder{}
	in := New(testBook(t), failingSink{}, Options{
		DefaultProvider: "acme",
		Observer:        rec,
		Now:             func() time.Time { return march },
		OnMeteringError: func(stage string, event *usage.UsageEvent, err error) {
			gotStage = stage
			gotEvent = event
			assert.ErrorIs(t, err, core.ErrSink)
		},
	})

	req := chatRequest()
	req.InputUnits = Units(2000)
	req.OutputUnits = Units(500)
	got, err := Call(context.Background(), in, req, func(context.Context) (string, error) {
		return "result", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "result", got)

	assert.Equal(t, StageSink, gotStage)
	require.NotNil(t, gotEvent)
	assert.Equal(t, 30.0, gotEvent.ComputedCost)
	assert.Equal(t, []string{StageSink}, rec.stages())
}

func TestCall_MissingPriceStillRecordsEvent(t *testing.T) {
	sink := usage.NewMemorySink()
	in, rec := newTestInstrumentor(t, sink, march)

	req := chatRequest()
	req.Model = "unpriced"
	req.InputUnits = Units(100)
	require.NoError(t, in.Do(context.Background(), req, func(context.Context) error { return nil }))

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "", events[0].PriceVersion)
	assert.Equal(t, 0.0, events[0].ComputedCost)
	assert.Equal(t, 100, events[0].InputUnits)

	require.Equal(t, []string{StagePrice}, rec.stages())
	assert.ErrorIs(t, rec.failures[0].err, core.ErrPriceNotFound)
}

func TestCall_BeforeFirstPrice(t *testing.T) {
	sink := usage.NewMemorySink()
	in, rec := newTestInstrumentor(t, sink, time.Date(2023, 12, 31, 23, 59, 59, 0, time.UTC))

	require.NoError(t, in.Do(context.Background(), chatRequest(), func(context.Context) error { return nil }))
	assert.Len(t, sink.Events(), 1)
	assert.Equal(t, []string{StagePrice}, rec.stages())
}

func TestCall_NegativeUnitsAreClampedAndReported(t *testing.T) {
	sink := usage.NewMemorySink()
	in, rec := newTestInstrumentor(t, sink, march)

	req := chatRequest()
	req.InputUnits = Units(-5)
	req.OutputUnits = Units(1000)
	require.NoError(t, in.Do(context.Background(), req, func(context.Context) error { return nil }))

	e := sink.Events()[0]
	assert.Equal(t, 0, e.InputUnits)
	assert.Equal(t, 1000, e.TotalUnits)
	assert.Equal(t, 20.0, e.ComputedCost)

	require.Equal(t, []string{StageValidation}, rec.stages())
	assert.ErrorIs(t, rec.failures[0].err, core.ErrValidation)
}

func TestCall_ExtractsUnitsFromRawJSON(t *testing.T) {
	sink := usage.NewMemorySink()
	in, _ := newTestInstrumentor(t, sink, march)

	body := json.RawMessage(`{
		"choices": [{"message": {"role": "assistant", "content": "héllo"}}],
		"usage": {"prompt_tokens": 1000, "completion_tokens": 1000, "total_tokens": 2100}
	}`)
	_, err := Call(context.Background(), in, chatRequest(), func(context.Context) (json.RawMessage, error) {
		return body, nil
	})
	require.NoError(t, err)

	e := sink.Events()[0]
	assert.Equal(t, 1000, e.InputUnits)
	assert.Equal(t, 1000, e.OutputUnits)
	assert.Equal(t, 2100, e.TotalUnits, "reported total wins over the sum")
	assert.Equal(t, 5, e.OutputChars, "characters, not bytes")
	assert.Equal(t, 30.0, e.ComputedCost)
}

func TestCall_SuppliedUnitsOverrideResult(t *testing.T) {
	sink := usage.NewMemorySink()
	in, _ := newTestInstrumentor(t, sink, march)

	req := chatRequest()
	req.InputUnits = Units(10)
	req.TotalUnits = Units(99)
	req.OutputChars = Units(7)
	_, err := Call(context.Background(), in, req, func(context.Context) (*core.ChatResult, error) {
		return &core.ChatResult{Text: "ignored", Usage: core.Usage{InputUnits: 2000, OutputUnits: 500}}, nil
	})
	require.NoError(t, err)

	e := sink.Events()[0]
	assert.Equal(t, 10, e.InputUnits)
	assert.Equal(t, 500, e.OutputUnits)
	assert.Equal(t, 99, e.TotalUnits)
	assert.Equal(t, 7, e.OutputChars)
}

func TestCall_RequestIDFromContext(t *testing.T) {
	sink := usage.NewMemorySink()
	in, _ := newTestInstrumentor(t, sink, march)

	ctx := core.WithRequestID(context.Background(), "ctx-req")
	require.NoError(t, in.Do(ctx, chatRequest(), func(context.Context) error { return nil }))
	require.NoError(t, in.Do(context.Background(), chatRequest(), func(context.Context) error { return nil }))

	events := sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "ctx-req", events[0].RequestID)
	assert.NotEmpty(t, events[1].RequestID)
	assert.NotEqual(t, "ctx-req", events[1].RequestID)
}

func TestCall_StatusOverride(t *testing.T) {
	sink := usage.NewMemorySink()
	in, rec := newTestInstrumentor(t, sink, march)

	req := chatRequest()
	req.Status = usage.StatusError
	require.NoError(t, in.Do(context.Background(), req, func(context.Context) error { return nil }))
	assert.Equal(t, usage.StatusError, sink.Events()[0].Status)
	assert.Empty(t, rec.stages())
}

func TestCall_UnknownStatusIsIgnored(t *testing.T) {
	sink := usage.NewMemorySink()
	in, rec := newTestInstrumentor(t, sink, march)

	req := chatRequest()
	req.Status = "timeout"
	require.NoError(t, in.Do(context.Background(), req, func(context.Context) error { return nil }))

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, usage.StatusOK, events[0].Status)
	require.Equal(t, []string{StageValidation}, rec.stages())
	assert.ErrorIs(t, rec.failures[0].err, core.ErrValidation)
}

// brittleResult dereferences its receiver, so a nil *brittleResult panics.
type brittleResult struct {
	units core.Usage
}

func (r *brittleResult) UsageUnits() core.Usage { return r.units }
func (r *brittleResult) OutputText() string     { return "" }

func TestCall_FailedWorkWithTypedNilResult(t *testing.T) {
	sink := usage.NewMemorySink()
	in, rec := newTestInstrumentor(t, sink, march)
	boom := errors.New("upstream 502")

	got, err := Call(context.Background(), in, chatRequest(), func(context.Context) (*brittleResult, error) {
		return nil, boom
	})
	assert.Nil(t, got)
	assert.Same(t, boom, err)

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, usage.StatusError, events[0].Status)
	assert.Equal(t, 0, events[0].InputUnits)
	assert.Equal(t, "v1", events[0].PriceVersion)
	assert.Empty(t, rec.stages())
	assert.Equal(t, 1, rec.observed)
}

func TestCall_PanickingResultStillRecordsEvent(t *testing.T) {
	sink := usage.NewMemorySink()
	in, rec := newTestInstrumentor(t, sink, march)

	req := chatRequest()
	req.InputUnits = Units(1000)
	_, err := Call(context.Background(), in, req, func(context.Context) (*brittleResult, error) {
		return nil, nil
	})
	require.NoError(t, err)

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, usage.StatusOK, events[0].Status)
	assert.Equal(t, 1000, events[0].InputUnits)
	assert.Equal(t, 10.0, events[0].ComputedCost)
	assert.Equal(t, "v1", events[0].PriceVersion)
	assert.Equal(t, []string{StageInternal}, rec.stages())
	assert.Equal(t, 1, rec.observed)
}

type panickingObserver struct{ recorder }

func (*panickingObserver) ObserveEvent(*usage.UsageEvent) { panic("observer down") }

func TestCall_ObserverPanicIsContained(t *testing.T) {
	sink := usage.NewMemorySink()
	obs := &panickingObserver{}
	in := New(testBook(t), sink, Options{
		DefaultProvider: "acme",
		Observer:        obs,
		Now:             func() time.Time { return march },
	})

	require.NoError(t, in.Do(context.Background(), chatRequest(), func(context.Context) error { return nil }))
	assert.Len(t, sink.Events(), 1)
	assert.Equal(t, []string{StageInternal}, obs.stages())
}

func TestCall_CancelledContextStillRecords(t *testing.T) {
	sink := usage.NewMemorySink()
	in, _ := newTestInstrumentor(t, sink, march)

	ctx, cancel := context.WithCancel(context.Background())
	err := in.Do(ctx, chatRequest(), func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, sink.Events(), 1)
	assert.Equal(t, usage.StatusError, sink.Events()[0].Status)
}

func TestCall_ConcurrentCallsRecordOneEventEach(t *testing.T) {
	sink := usage.NewMemorySink()
	in := New(pricing.NewHolder(testBook(t)), sink, Options{DefaultProvider: "acme"})

	const calls = 64
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := chatRequest()
			req.RequestID = fmt.Sprintf("req-%d", i)
			req.InputUnits = Units(i)
			_ = in.Do(context.Background(), req, func(context.Context) error { return nil })
		}(i)
	}
	wg.Wait()

	events := sink.Events()
	require.Len(t, events, calls)
	seen := make(map[string]bool, calls)
	for _, e := range events {
		assert.False(t, seen[e.RequestID], "duplicate event for %s", e.RequestID)
		seen[e.RequestID] = true
	}
}

func TestReprice(t *testing.T) {
	book := testBook(t)
	original := &usage.UsageEvent{
		RequestID:   "req-1",
		Timestamp:   time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
		Provider:    "acme",
		Model:       "m1",
		Region:      pricing.DefaultRegion,
		InputUnits:  2000,
		OutputUnits: 500,
	}

	repriced, err := Reprice(book, original)
	require.NoError(t, err)
	assert.Equal(t, "v2", repriced.PriceVersion)
	assert.Equal(t, 15.0, repriced.ComputedCost)
	assert.Equal(t, "", original.PriceVersion, "original must not be modified")

	original.Model = "unpriced"
	_, err = Reprice(book, original)
	assert.ErrorIs(t, err, core.ErrPriceNotFound)

	_, err = Reprice(book, nil)
	assert.ErrorIs(t, err, core.ErrValidation)
}
