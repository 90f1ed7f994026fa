// Package providers builds the chat adapters the gateway routes calls to.
package providers

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"tokenmeter/internal/core"
)

// Kind names a supported provider.
type Kind string

const (
	KindOpenAI Kind = "openai"
	KindVLLM   Kind = "vllm"
	KindGemini Kind = "gemini"
)

const (
	// DefaultVLLMBaseURL is where a local vLLM server listens by default.
	DefaultVLLMBaseURL = "http://localhost:8000/v1"
	// DefaultVLLMAPIKey is sent when the vLLM server runs without an API key.
	DefaultVLLMAPIKey = "EMPTY"
	// GeminiBaseURL is Gemini's OpenAI-compatible endpoint.
	GeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
)

// Adapter performs one chat call against a provider.
type Adapter interface {
	Chat(ctx context.Context, model string, messages []core.Message) (*core.ChatResult, error)
}

// Credentials configures one provider. BaseURL overrides the provider's endpoint.
type Credentials struct {
	APIKey  string
	BaseURL string
}

// Config holds the credentials of every provider kind.
type Config struct {
	OpenAI Credentials
	VLLM   Credentials
	Gemini Credentials
	// HTTPClient is shared by all adapters when set.
	HTTPClient *http.Client
}

// builder creates the adapter for one kind, or reports why it cannot.
type builder func(cfg Config) (Adapter, error)

// builders is the closed set of supported kinds.
var builders = map[Kind]builder{
	KindOpenAI: func(cfg Config) (Adapter, error) {
		if cfg.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is not set")
		}
		return NewCompatible(string(KindOpenAI), cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.HTTPClient), nil
	},
	KindVLLM: func(cfg Config) (Adapter, error) {
		baseURL := cfg.VLLM.BaseURL
		if baseURL == "" {
			baseURL = DefaultVLLMBaseURL
		}
		apiKey := cfg.VLLM.APIKey
		if apiKey == "" {
			apiKey = DefaultVLLMAPIKey
		}
		return NewCompatible(string(KindVLLM), apiKey, baseURL, cfg.HTTPClient), nil
	},
	KindGemini: func(cfg Config) (Adapter, error) {
		if cfg.Gemini.APIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is not set")
		}
		baseURL := cfg.Gemini.BaseURL
		if baseURL == "" {
			baseURL = GeminiBaseURL
		}
		return NewCompatible(string(KindGemini), cfg.Gemini.APIKey, baseURL, cfg.HTTPClient), nil
	},
}

// Set holds the adapters built at startup, keyed by provider name.
// It is read-only after construction and safe for concurrent use.
type Set struct {
	adapters map[string]Adapter
	// unavailable records why a known kind could not be built.
	unavailable map[string]error
}

// NewSet builds an adapter for every kind whose configuration is complete.
// Kinds with missing credentials are skipped; Get reports the reason.
func NewSet(cfg Config) *Set {
	s := &Set{
		adapters:    make(map[string]Adapter, len(builders)),
		unavailable: make(map[string]error),
	}
	for kind, build := range builders {
		a, err := build(cfg)
		if err != nil {
			s.unavailable[string(kind)] = err
			continue
		}
		s.adapters[string(kind)] = a
	}
	return s
}

// NewStaticSet wraps prebuilt adapters, keyed by provider name.
func NewStaticSet(adapters map[string]Adapter) *Set {
	s := &Set{
		adapters:    make(map[string]Adapter, len(adapters)),
		unavailable: make(map[string]error),
	}
	for name, a := range adapters {
		s.adapters[name] = a
	}
	return s
}

// Get returns the adapter for provider.
func (s *Set) Get(provider string) (Adapter, error) {
	if a, ok := s.adapters[provider]; ok {
		return a, nil
	}
	if err, ok := s.unavailable[provider]; ok {
		return nil, fmt.Errorf("%w: %s is not configured: %v", core.ErrUnknownProvider, provider, err)
	}
	return nil, fmt.Errorf("%w: %q", core.ErrUnknownProvider, provider)
}

// Names returns the available provider names, sorted.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.adapters))
	for name := range s.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
