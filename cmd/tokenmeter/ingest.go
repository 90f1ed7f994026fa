package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"tokenmeter/internal/app"
	"tokenmeter/internal/meter"
	"tokenmeter/internal/usage"
)

type ingestOptions struct {
	file    string
	batch   int
	strict  bool
	reprice bool
}

func newIngestCmd(root *rootOptions) *cobra.Command {
	opts := ingestOptions{}

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load a JSONL event log into the analytics store",
		Long: `Load a JSONL usage event log into the configured storage backend in batches.
Malformed lines are skipped and counted unless --strict is set.

Examples:
  tokenmeter ingest
  tokenmeter ingest --file /var/log/tokenmeter/usage_events.jsonl --reprice`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.setup()
			if err != nil {
				return err
			}
			if opts.file == "" {
				opts.file = cfg.Sink.JSONLPath
			}

			a, err := app.New(cmd.Context(), cfg, app.Options{})
			if err != nil {
				return err
			}
			defer a.Shutdown(context.Background())

			return ingest(cmd, a, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.file, "file", "f", "", "JSONL event log (default: sink.jsonl_path)")
	f.IntVar(&opts.batch, "batch", usage.DefaultIngestBatchSize, "events per write")
	f.BoolVar(&opts.strict, "strict", false, "abort on the first malformed line")
	f.BoolVar(&opts.reprice, "reprice", false, "price events that were recorded without a price")
	return cmd
}

func ingest(cmd *cobra.Command, a *app.App, opts ingestOptions) error {
	ctx := cmd.Context()

	store, err := usage.NewStore(ctx, a.Storage(), 0)
	if err != nil {
		return fmt.Errorf("failed to open usage store: %w", err)
	}
	defer store.Close()

	iopts := usage.IngestOptions{BatchSize: opts.batch, Strict: opts.strict}
	repriced := 0
	if opts.reprice {
		iopts.Transform = repriceUnpriced(a.Prices(), &repriced)
	}

	stats, err := usage.IngestFile(ctx, opts.file, store, iopts)
	if err != nil {
		return err
	}
	if err := store.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush usage store: %w", err)
	}

	slog.Info("ingest complete",
		"path", opts.file,
		"storage", a.Storage().Type(),
		"events", stats.Events,
		"skipped", stats.Skipped,
		"repriced", repriced,
	)
	return writeJSON(cmd.OutOrStdout(), struct {
		usage.IngestStats
		Repriced int `json:"repriced"`
	}{stats, repriced})
}

// repriceUnpriced prices events that carry no price_version. Events that still
// cannot be priced are kept as they are.
func repriceUnpriced(prices meter.PriceResolver, count *int) func(*usage.UsageEvent) (*usage.UsageEvent, error) {
	return func(e *usage.UsageEvent) (*usage.UsageEvent, error) {
		if e.PriceVersion != "" {
			return e, nil
		}
		priced, err := meter.Reprice(prices, e)
		if err != nil {
			slog.Warn("event left unpriced", "request_id", e.RequestID, "error", err)
			return e, nil
		}
		*count++
		return priced, nil
	}
}
