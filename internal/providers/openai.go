package providers

import (
	"context"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"tokenmeter/internal/core"
)

// Compatible talks to any OpenAI chat-completions endpoint.
// OpenAI itself, vLLM and Gemini's OpenAI-compatible surface all go through it.
type Compatible struct {
	name   string
	client *openai.Client
}

// NewCompatible creates an adapter named name. An empty baseURL keeps the
// official OpenAI endpoint; a nil httpClient uses the library default.
func NewCompatible(name, apiKey, baseURL string, httpClient *http.Client) *Compatible {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &Compatible{name: name, client: openai.NewClientWithConfig(cfg)}
}

// Name returns the provider name the adapter reports in results.
func (p *Compatible) Name() string {
	return p.name
}

// Chat sends messages to model and normalizes the response.
func (p *Compatible) Chat(ctx context.Context, model string, messages []core.Message) (*core.ChatResult, error) {
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, len(messages)),
	}
	for i, m := range messages {
		role := m.Role
		if role == "" {
			role = openai.ChatMessageRoleUser
		}
		req.Messages[i] = openai.ChatCompletionMessage{Role: role, Content: m.Content}
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, core.NewProviderError(p.name, err)
	}

	result := &core.ChatResult{
		Model:      resp.Model,
		Provider:   p.name,
		ProviderID: resp.ID,
		Usage: core.Usage{
			InputUnits:  resp.Usage.PromptTokens,
			OutputUnits: resp.Usage.CompletionTokens,
			TotalUnits:  resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) > 0 {
		result.Text = resp.Choices[0].Message.Content
	}
	if result.Model == "" {
		result.Model = model
	}
	if result.Usage.TotalUnits == 0 {
		result.Usage.TotalUnits = result.Usage.InputUnits + result.Usage.OutputUnits
	}
	return result, nil
}
