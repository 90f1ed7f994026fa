// Package gateway routes chat calls to provider adapters and meters every attempt.
package gateway

import (
	"context"
	"strings"

	"tokenmeter/internal/core"
	"tokenmeter/internal/meter"
	"tokenmeter/internal/providers"
)

// Gateway is safe for concurrent use.
type Gateway struct {
	providers *providers.Set
	meter     *meter.Instrumentor
}

// New creates a Gateway over a prebuilt adapter set.
func New(set *providers.Set, in *meter.Instrumentor) *Gateway {
	return &Gateway{providers: set, meter: in}
}

// Chat sends req to its provider and returns the normalized result.
// Requests for unknown or unconfigured providers fail before any call is
// made and record no event; every call that reaches an adapter records one.
func (g *Gateway) Chat(ctx context.Context, req *core.ChatRequest) (*core.ChatResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	adapter, err := g.providers.Get(provider)
	if err != nil {
		return nil, err
	}

	mreq := meter.Request{
		RequestID:  req.RequestID,
		Attempt:    req.Attempt,
		TenantID:   req.TenantID,
		UserID:     req.UserID,
		Feature:    req.Feature,
		Endpoint:   req.Endpoint,
		Prompt:     core.MessagesToPrompt(req.Messages),
		Provider:   provider,
		Model:      req.Model,
		Region:     req.Region,
		RetryCount: req.RetryCount,
		CacheHit:   req.CacheHit,
	}

	return meter.Call(ctx, g.meter, mreq, func(ctx context.Context) (*core.ChatResult, error) {
		return adapter.Chat(ctx, req.Model, req.Messages)
	})
}

func validate(req *core.ChatRequest) error {
	switch {
	case req == nil:
		return core.NewValidationError("", "request is required")
	case strings.TrimSpace(req.Provider) == "":
		return core.NewValidationError("provider", "is required")
	case req.Model == "":
		return core.NewValidationError("model", "is required")
	case len(req.Messages) == 0:
		return core.NewValidationError("messages", "at least one message is required")
	case req.Attempt < 0:
		return core.NewValidationError("attempt", "must be non-negative")
	case req.RetryCount < 0:
		return core.NewValidationError("retry_count", "must be non-negative")
	}
	return nil
}
