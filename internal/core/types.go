package core

import "strings"

// Message is a single chat message sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage holds the unit counts reported for one call.
// TotalUnits may be zero, in which case it is derived as InputUnits + OutputUnits.
type Usage struct {
	InputUnits  int `json:"input_units"`
	OutputUnits int `json:"output_units"`
	TotalUnits  int `json:"total_units"`
}

// ChatResult is the normalized result every provider adapter returns.
type ChatResult struct {
	Text     string `json:"text"`
	Model    string `json:"model"`
	Provider string `json:"provider"`
	// ProviderID is the provider's response ID (e.g., "chatcmpl-abc123")
	ProviderID string `json:"provider_id,omitempty"`
	Usage      Usage  `json:"usage"`
}

// UsageUnits reports the unit counts of the result to the meter.
func (r *ChatResult) UsageUnits() Usage {
	if r == nil {
		return Usage{}
	}
	return r.Usage
}

// OutputText reports the textual output of the result to the meter.
func (r *ChatResult) OutputText() string {
	if r == nil {
		return ""
	}
	return r.Text
}

// ChatRequest is a chat call routed through the gateway.
// Attribution fields are opaque to tokenmeter and copied into the usage event.
type ChatRequest struct {
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Region    string    `json:"region,omitempty"`
	Messages  []Message `json:"messages"`
	RequestID string    `json:"request_id,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`

	TenantID   string `json:"tenant_id"`
	UserID     string `json:"user_id"`
	Feature    string `json:"feature"`
	Endpoint   string `json:"endpoint"`
	RetryCount int    `json:"retry_count,omitempty"`
	CacheHit   bool   `json:"cache_hit,omitempty"`
}

// MessagesToPrompt flattens messages into the deterministic "role: content" text
// used for prompt fingerprints and character counts.
func MessagesToPrompt(messages []Message) string {
	lines := make([]string, len(messages))
	for i, m := range messages {
		role := m.Role
		if role == "" {
			role = "user"
		}
		lines[i] = role + ": " + m.Content
	}
	return strings.Join(lines, "\n")
}
