package usage

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"tokenmeter/internal/core"
)

// Reporter is implemented by results that know their own unit counts,
// such as *core.ChatResult.
type Reporter interface {
	UsageUnits() core.Usage
	OutputText() string
}

// Units holds counts extracted from a work result. Total is 0 when the
// result did not report one.
type Units struct {
	Input      int
	Output     int
	Total      int
	OutputText string
}

// Response shapes of the providers we talk to, checked in order.
var (
	inputPaths = []string{
		"usage.prompt_tokens",
		"usage.input_tokens",
		"usageMetadata.promptTokenCount",
	}
	outputPaths = []string{
		"usage.completion_tokens",
		"usage.output_tokens",
		"usageMetadata.candidatesTokenCount",
	}
	totalPaths = []string{
		"usage.total_tokens",
		"usageMetadata.totalTokenCount",
	}
	textPaths = []string{
		"choices.0.message.content",
		"choices.0.text",
		"output_text",
		"content.0.text",
		"candidates.0.content.parts.0.text",
	}
)

// ExtractUnits pulls unit counts and output text from a work result.
// Results implementing Reporter are asked directly; raw JSON responses
// ([]byte or json.RawMessage) are searched with gjson. Anything else yields
// zero counts.
func ExtractUnits(result any) Units {
	switch v := result.(type) {
	case Reporter:
		u := v.UsageUnits()
		return Units{
			Input:      u.InputUnits,
			Output:     u.OutputUnits,
			Total:      u.TotalUnits,
			OutputText: v.OutputText(),
		}
	case json.RawMessage:
		return extractJSON(v)
	case []byte:
		return extractJSON(v)
	}
	return Units{}
}

func extractJSON(data []byte) Units {
	if len(data) == 0 || !gjson.ValidBytes(data) {
		return Units{}
	}
	return Units{
		Input:      int(firstPath(data, inputPaths).Int()),
		Output:     int(firstPath(data, outputPaths).Int()),
		Total:      int(firstPath(data, totalPaths).Int()),
		OutputText: firstPath(data, textPaths).String(),
	}
}

func firstPath(data []byte, paths []string) gjson.Result {
	for _, p := range paths {
		if r := gjson.GetBytes(data, p); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}
