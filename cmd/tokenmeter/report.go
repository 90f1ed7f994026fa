package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"tokenmeter/internal/app"
	"tokenmeter/internal/usage"
)

type reportOptions struct {
	start    string
	end      string
	tenant   string
	feature  string
	provider string
	model    string
	groupBy  string
}

func newReportCmd(root *rootOptions) *cobra.Command {
	opts := reportOptions{}

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print a usage summary from the analytics store",
		Long: `Summarize recorded usage and, with --group-by, break it down by one dimension.

Examples:
  tokenmeter report
  tokenmeter report --start 2024-06-01T00:00:00Z --group-by tenant
  tokenmeter report --tenant acme --group-by feature`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			params, dim, err := opts.query()
			if err != nil {
				return err
			}

			cfg, err := root.setup()
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, app.Options{})
			if err != nil {
				return err
			}
			defer a.Shutdown(context.Background())

			return writeReport(cmd.Context(), cmd.OutOrStdout(), a.Reader(), params, dim)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.start, "start", "", "include events at or after this instant")
	f.StringVar(&opts.end, "end", "", "include events before this instant")
	f.StringVar(&opts.tenant, "tenant", "", "tenant id filter")
	f.StringVar(&opts.feature, "feature", "", "feature filter")
	f.StringVar(&opts.provider, "provider", "", "provider filter")
	f.StringVar(&opts.model, "model", "", "model filter")
	f.StringVar(&opts.groupBy, "group-by", "", "breakdown dimension: tenant, user, feature, endpoint, provider, model or price_version")
	return cmd
}

func (o reportOptions) query() (usage.QueryParams, usage.Dimension, error) {
	params := usage.QueryParams{
		TenantID: o.tenant,
		Feature:  o.feature,
		Provider: o.provider,
		Model:    o.model,
	}
	var err error
	if o.start != "" {
		if params.Start, err = usage.ParseTimestamp(o.start); err != nil {
			return params, "", fmt.Errorf("report: invalid --start: %w", err)
		}
	}
	if o.end != "" {
		if params.End, err = usage.ParseTimestamp(o.end); err != nil {
			return params, "", fmt.Errorf("report: invalid --end: %w", err)
		}
	}
	var dim usage.Dimension
	if o.groupBy != "" {
		if dim, err = usage.ParseDimension(o.groupBy); err != nil {
			return params, "", err
		}
	}
	return params, dim, nil
}

type report struct {
	Summary   *usage.Summary       `json:"summary"`
	GroupBy   usage.Dimension      `json:"group_by,omitempty"`
	Breakdown []usage.BreakdownRow `json:"breakdown,omitempty"`
}

func writeReport(ctx context.Context, w io.Writer, reader usage.Reader, params usage.QueryParams, dim usage.Dimension) error {
	summary, err := reader.GetSummary(ctx, params)
	if err != nil {
		return err
	}
	out := report{Summary: summary}
	if dim != "" {
		rows, err := reader.GetBreakdown(ctx, params, dim)
		if err != nil {
			return err
		}
		out.GroupBy = dim
		out.Breakdown = rows
	}
	return writeJSON(w, out)
}
