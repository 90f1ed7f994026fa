package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenmeter/internal/core"
	"tokenmeter/internal/meter"
	"tokenmeter/internal/pricing"
	"tokenmeter/internal/providers"
	"tokenmeter/internal/usage"
)

const catalog = `
version: v1
prices:
  - provider: vllm
    model: local
    region: onprem
    effective_from: "2024-01-01T00:00:00Z"
    price_per_1k_input: 1
    price_per_1k_output: 2
`

type fakeAdapter struct {
	result *core.ChatResult
	err    error
	model  string
	msgs   []core.Message
}

func (f *fakeAdapter) Chat(_ context.Context, model string, messages []core.Message) (*core.ChatResult, error) {
	f.model = model
	f.msgs = messages
	return f.result, f.err
}

func setup(t *testing.T, adapter providers.Adapter) (*Gateway, *usage.MemorySink) {
	t.Helper()
	book, err := pricing.Load(strings.NewReader(catalog), "test")
	require.NoError(t, err)

	sink := usage.NewMemorySink()
	in := meter.New(book, sink, meter.Options{
		DefaultRegion: "onprem",
		Now:           func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) },
	})
	set := providers.NewStaticSet(map[string]providers.Adapter{"vllm": adapter})
	return New(set, in), sink
}

func chatRequest() *core.ChatRequest {
	return &core.ChatRequest{
		Provider: "VLLM",
		Model:    "local",
		Messages: []core.Message{{Role: "user", Content: "Give me one sentence about Taipei."}},
		TenantID: "tenant_a",
		UserID:   "user_2",
		Feature:  "local_chat",
		Endpoint: "/v1/chat",
	}
}

func TestChat_MetersSuccessfulCall(t *testing.T) {
	adapter := &fakeAdapter{result: &core.ChatResult{
		Text:  "Taipei is lovely.",
		Usage: core.Usage{InputUnits: 1000, OutputUnits: 500, TotalUnits: 1500},
	}}
	gw, sink := setup(t, adapter)

	res, err := gw.Chat(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "Taipei is lovely.", res.Text)
	assert.Equal(t, "local", adapter.model)
	assert.Len(t, adapter.msgs, 1)

	events := sink.Events()
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, "vllm", e.Provider)
	assert.Equal(t, "onprem", e.Region)
	assert.Equal(t, "tenant_a", e.TenantID)
	assert.Equal(t, "local_chat", e.Feature)
	assert.Equal(t, 1500, e.TotalUnits)
	assert.Equal(t, 2.0, e.ComputedCost)
	prompt := "user: Give me one sentence about Taipei."
	assert.Equal(t, usage.TemplateID(prompt), e.PromptTemplateID)
	assert.Equal(t, len(prompt), e.InputChars)
	assert.Equal(t, len("Taipei is lovely."), e.OutputChars)
}

func TestChat_ProviderErrorIsMeteredAndReturned(t *testing.T) {
	upstream := core.NewProviderError("vllm", errors.New("connection refused"))
	gw, sink := setup(t, &fakeAdapter{err: upstream})

	_, err := gw.Chat(context.Background(), chatRequest())
	assert.Same(t, upstream, err)

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, usage.StatusError, events[0].Status)
}

func TestChat_UnknownProviderRecordsNothing(t *testing.T) {
	gw, sink := setup(t, &fakeAdapter{})

	req := chatRequest()
	req.Provider = "anthropic"
	_, err := gw.Chat(context.Background(), req)
	assert.ErrorIs(t, err, core.ErrUnknownProvider)
	assert.Empty(t, sink.Events())
}

func TestChat_Validation(t *testing.T) {
	gw, sink := setup(t, &fakeAdapter{})

	tests := []struct {
		name   string
		mutate func(*core.ChatRequest)
	}{
		{"missing provider", func(r *core.ChatRequest) { r.Provider = " " }},
		{"missing model", func(r *core.ChatRequest) { r.Model = "" }},
		{"no messages", func(r *core.ChatRequest) { r.Messages = nil }},
		{"negative retry count", func(r *core.ChatRequest) { r.RetryCount = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := chatRequest()
			tt.mutate(req)
			_, err := gw.Chat(context.Background(), req)
			assert.ErrorIs(t, err, core.ErrValidation)
		})
	}

	_, err := gw.Chat(context.Background(), nil)
	assert.ErrorIs(t, err, core.ErrValidation)
	assert.Empty(t, sink.Events())
}
