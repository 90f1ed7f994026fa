// Package core provides the shared types and error taxonomy for tokenmeter.
package core

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors used with errors.Is to classify metering failures.
var (
	// ErrLoad matches any LoadError.
	ErrLoad = errors.New("price catalog load failed")
	// ErrPriceNotFound matches any PriceNotFoundError.
	ErrPriceNotFound = errors.New("price not found")
	// ErrSink matches any SinkError.
	ErrSink = errors.New("event sink failure")
	// ErrValidation matches any ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrUnknownProvider is returned when a provider kind is not configured.
	ErrUnknownProvider = errors.New("unknown provider")
)

// LoadError reports a malformed or unreadable price catalog.
type LoadError struct {
	// Source names the catalog (usually a file path).
	Source string
	// Entry is the zero-based index of the offending entry, or -1 for document-level failures.
	Entry int
	Err   error
}

// NewLoadError creates a document-level LoadError.
func NewLoadError(source string, err error) *LoadError {
	return &LoadError{Source: source, Entry: -1, Err: err}
}

// NewEntryLoadError creates a LoadError for a single catalog entry.
func NewEntryLoadError(source string, entry int, err error) *LoadError {
	return &LoadError{Source: source, Entry: entry, Err: err}
}

func (e *LoadError) Error() string {
	src := e.Source
	if src == "" {
		src = "<reader>"
	}
	if e.Entry >= 0 {
		return fmt.Sprintf("load price catalog %s: entry %d: %v", src, e.Entry, e.Err)
	}
	return fmt.Sprintf("load price catalog %s: %v", src, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrLoad) match.
func (e *LoadError) Is(target error) bool { return target == ErrLoad }

// PriceNotFoundError is returned when no price entry is active for a key at an instant.
type PriceNotFoundError struct {
	Provider string
	Model    string
	Region   string
	At       time.Time
}

func (e *PriceNotFoundError) Error() string {
	return fmt.Sprintf("no price for provider=%s model=%s region=%s at=%s",
		e.Provider, e.Model, e.Region, e.At.UTC().Format(time.RFC3339Nano))
}

// Is lets errors.Is(err, ErrPriceNotFound) match.
func (e *PriceNotFoundError) Is(target error) bool { return target == ErrPriceNotFound }

// SinkError reports a failure to persist a usage event.
type SinkError struct {
	// Sink names the backend ("jsonl", "sqlite", ...).
	Sink string
	Err  error
}

// NewSinkError wraps err as a SinkError for the named backend.
func NewSinkError(sink string, err error) *SinkError {
	return &SinkError{Sink: sink, Err: err}
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("%s sink: %v", e.Sink, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrSink) match.
func (e *SinkError) Is(target error) bool { return target == ErrSink }

// ValidationError reports an invalid caller-supplied value.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ErrorType classifies errors returned over HTTP.
type ErrorType string

const (
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	ErrorTypeAuthentication ErrorType = "authentication_error"
	ErrorTypeNotFound       ErrorType = "not_found_error"
	ErrorTypeProvider       ErrorType = "provider_error"
	ErrorTypeInternal       ErrorType = "internal_error"
)

// HTTPError is the JSON error envelope returned by the HTTP surface.
type HTTPError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *HTTPError) Unwrap() error { return e.Err }

// ToJSON converts the error to a JSON-compatible map.
func (e *HTTPError) ToJSON() map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    e.Type,
			"message": e.Message,
		},
	}
}

// ToHTTPError classifies err into an HTTPError.
// Validation and unknown-provider errors map to 400, missing prices to 404,
// everything else coming back from a provider to 502.
func ToHTTPError(err error) *HTTPError {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}

	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrUnknownProvider):
		return &HTTPError{Type: ErrorTypeInvalidRequest, Message: err.Error(), StatusCode: http.StatusBadRequest, Err: err}
	case errors.Is(err, ErrPriceNotFound):
		return &HTTPError{Type: ErrorTypeNotFound, Message: err.Error(), StatusCode: http.StatusNotFound, Err: err}
	case errors.Is(err, ErrProvider):
		return &HTTPError{Type: ErrorTypeProvider, Message: err.Error(), StatusCode: http.StatusBadGateway, Err: err}
	default:
		return &HTTPError{Type: ErrorTypeInternal, Message: "an unexpected error occurred", StatusCode: http.StatusInternalServerError, Err: err}
	}
}

// ErrProvider matches any ProviderError.
var ErrProvider = errors.New("provider error")

// ProviderError wraps a failure returned by an upstream provider.
type ProviderError struct {
	Provider string
	Err      error
}

// NewProviderError wraps err as an upstream failure of provider.
func NewProviderError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Err: err}
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrProvider) match.
func (e *ProviderError) Is(target error) bool { return target == ErrProvider }
