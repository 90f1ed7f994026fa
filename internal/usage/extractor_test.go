package usage

import (
	"encoding/json"
	"testing"

	"tokenmeter/internal/core"
)

func TestExtractUnits(t *testing.T) {
	tests := []struct {
		name   string
		result any
		want   Units
	}{
		{
			name: "chat result",
			result: &core.ChatResult{
				Text:  "hi there",
				Usage: core.Usage{InputUnits: 12, OutputUnits: 3, TotalUnits: 15},
			},
			want: Units{Input: 12, Output: 3, Total: 15, OutputText: "hi there"},
		},
		{
			name:   "nil chat result",
			result: (*core.ChatResult)(nil),
			want:   Units{},
		},
		{
			name:   "openai chat completion",
			result: []byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}],"usage":{"prompt_tokens":100,"completion_tokens":50,"total_tokens":150}}`),
			want:   Units{Input: 100, Output: 50, Total: 150, OutputText: "ok"},
		},
		{
			name:   "responses api",
			result: json.RawMessage(`{"output_text":"done","usage":{"input_tokens":7,"output_tokens":9}}`),
			want:   Units{Input: 7, Output: 9, OutputText: "done"},
		},
		{
			name:   "gemini native",
			result: []byte(`{"candidates":[{"content":{"parts":[{"text":"g"}]}}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2,"totalTokenCount":6}}`),
			want:   Units{Input: 4, Output: 2, Total: 6, OutputText: "g"},
		},
		{
			name:   "json without usage",
			result: []byte(`{"id":"x"}`),
			want:   Units{},
		},
		{
			name:   "invalid json",
			result: []byte(`{not json`),
			want:   Units{},
		},
		{
			name:   "unknown type",
			result: 42,
			want:   Units{},
		},
		{
			name:   "nil",
			result: nil,
			want:   Units{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractUnits(tt.result)
			if got != tt.want {
				t.Errorf("ExtractUnits() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
