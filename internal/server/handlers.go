// Package server exposes the metered gateway, price lookups and usage
// analytics over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"tokenmeter/internal/core"
	"tokenmeter/internal/pricing"
	"tokenmeter/internal/usage"
)

// ChatService performs metered chat calls.
type ChatService interface {
	Chat(ctx context.Context, req *core.ChatRequest) (*core.ChatResult, error)
}

// PriceSource returns the current price book. *pricing.Holder implements it.
type PriceSource interface {
	Book() *pricing.PriceBook
}

// Handler holds the HTTP handlers
type Handler struct {
	chat          ChatService
	prices        PriceSource
	reader        usage.Reader
	defaultRegion string
}

// NewHandler creates a new handler. reader may be nil when no analytics
// store is configured.
func NewHandler(chat ChatService, prices PriceSource, reader usage.Reader, defaultRegion string) *Handler {
	if defaultRegion == "" {
		defaultRegion = pricing.DefaultRegion
	}
	return &Handler{
		chat:          chat,
		prices:        prices,
		reader:        reader,
		defaultRegion: defaultRegion,
	}
}

// Chat handles POST /v1/chat
func (h *Handler) Chat(c echo.Context) error {
	var req core.ChatRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewValidationError("", "invalid request body: "+err.Error()))
	}

	result, err := h.chat.Chat(c.Request().Context(), &req)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type priceListResponse struct {
	Version string               `json:"version"`
	Entries []pricing.PriceEntry `json:"entries"`
}

// ListPrices handles GET /v1/prices
func (h *Handler) ListPrices(c echo.Context) error {
	book := h.prices.Book()
	return c.JSON(http.StatusOK, priceListResponse{
		Version: book.Version(),
		Entries: book.Entries(),
	})
}

// ResolvePrice handles GET /v1/prices/resolve?provider=&model=&region=&at=
func (h *Handler) ResolvePrice(c echo.Context) error {
	provider := c.QueryParam("provider")
	model := c.QueryParam("model")
	if provider == "" {
		return handleError(c, core.NewValidationError("provider", "is required"))
	}
	if model == "" {
		return handleError(c, core.NewValidationError("model", "is required"))
	}
	region := c.QueryParam("region")
	if region == "" {
		region = h.defaultRegion
	}

	at := time.Now().UTC()
	if s := c.QueryParam("at"); s != "" {
		parsed, err := usage.ParseTimestamp(s)
		if err != nil {
			return handleError(c, core.NewValidationError("at", err.Error()))
		}
		at = parsed
	}

	entry, err := h.prices.Book().Resolve(provider, model, region, at)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, entry)
}

type summaryResponse struct {
	Summary   *usage.Summary       `json:"summary"`
	GroupBy   usage.Dimension      `json:"group_by,omitempty"`
	Breakdown []usage.BreakdownRow `json:"breakdown,omitempty"`
}

// UsageSummary handles GET /v1/usage/summary
//
// Query parameters: start, end, tenant_id, feature, provider, model, group_by.
func (h *Handler) UsageSummary(c echo.Context) error {
	params := usage.QueryParams{
		TenantID: c.QueryParam("tenant_id"),
		Feature:  c.QueryParam("feature"),
		Provider: c.QueryParam("provider"),
		Model:    c.QueryParam("model"),
	}
	for name, dst := range map[string]*time.Time{"start": &params.Start, "end": &params.End} {
		s := c.QueryParam(name)
		if s == "" {
			continue
		}
		t, err := usage.ParseTimestamp(s)
		if err != nil {
			return handleError(c, core.NewValidationError(name, err.Error()))
		}
		*dst = t
	}

	ctx := c.Request().Context()
	summary, err := h.reader.GetSummary(ctx, params)
	if err != nil {
		return handleError(c, err)
	}
	resp := summaryResponse{Summary: summary}

	if groupBy := c.QueryParam("group_by"); groupBy != "" {
		dim, err := usage.ParseDimension(groupBy)
		if err != nil {
			return handleError(c, err)
		}
		rows, err := h.reader.GetBreakdown(ctx, params, dim)
		if err != nil {
			return handleError(c, err)
		}
		resp.GroupBy = dim
		resp.Breakdown = rows
	}

	return c.JSON(http.StatusOK, resp)
}

// handleError converts errors to their HTTP envelope. Server-side failures are logged.
func handleError(c echo.Context, err error) error {
	httpErr := core.ToHTTPError(err)
	if httpErr.StatusCode >= http.StatusInternalServerError {
		slog.Error("request failed",
			"path", c.Path(),
			"request_id", core.GetRequestID(c.Request().Context()),
			"status", httpErr.StatusCode,
			"error", err,
		)
	}
	return c.JSON(httpErr.StatusCode, httpErr.ToJSON())
}
