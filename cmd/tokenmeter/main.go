// Tokenmeter meters LLM calls: it prices every attempt against a versioned
// catalog and appends one usage event per attempt to the configured sink.
//
// Usage:
//
//	# Run the metered HTTP gateway
//	tokenmeter serve --config config.yaml
//
//	# Write a synthetic workload to the sink
//	tokenmeter demo -n 50
//
//	# Load the JSONL event log into the analytics store
//	tokenmeter ingest --file usage_events.jsonl
//
//	# Resolve a price
//	tokenmeter price --provider openai --model gpt-4o-mini --region us
//
//	# Summarize spend per tenant
//	tokenmeter report --group-by tenant
package main

import (
	"context"
	"log/slog"
	"os"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
