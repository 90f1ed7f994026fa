package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tokenmeter/internal/pricing"
	"tokenmeter/internal/usage"
)

type priceOptions struct {
	book     string
	provider string
	model    string
	region   string
	at       string
}

func newPriceCmd(root *rootOptions) *cobra.Command {
	opts := priceOptions{}

	cmd := &cobra.Command{
		Use:   "price",
		Short: "Resolve or list catalog prices",
		Long: `Without --provider and --model, list every catalog entry. With both, print the
entry in effect at --at (default: now) as JSON.

Examples:
  tokenmeter price
  tokenmeter price --provider openai --model gpt-4o-mini --region us --at 2024-03-01T00:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPrice(cmd.OutOrStdout(), root, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.book, "book", "", "price catalog (default: pricing.book_path)")
	f.StringVar(&opts.provider, "provider", "", "provider")
	f.StringVar(&opts.model, "model", "", "model")
	f.StringVar(&opts.region, "region", "", "region (default: metering.default_region)")
	f.StringVar(&opts.at, "at", "", "instant to resolve at (default: now)")
	return cmd
}

func runPrice(w io.Writer, root *rootOptions, opts priceOptions) error {
	if (opts.provider == "") != (opts.model == "") {
		return errors.New("price: --provider and --model are required together")
	}

	cfg, err := root.setup()
	if err != nil {
		return err
	}
	path := opts.book
	if path == "" {
		path = cfg.Pricing.BookPath
	}

	pb, err := pricing.LoadFile(path)
	if err != nil {
		return err
	}
	if opts.provider == "" {
		return printPriceTable(w, pb)
	}

	region := opts.region
	if region == "" {
		region = cfg.Metering.DefaultRegion
	}
	instant := time.Now().UTC()
	if opts.at != "" {
		instant, err = usage.ParseTimestamp(opts.at)
		if err != nil {
			return fmt.Errorf("price: invalid --at: %w", err)
		}
	}

	entry, err := pb.Resolve(opts.provider, opts.model, region, instant)
	if err != nil {
		return err
	}
	return writeJSON(w, entry)
}

func printPriceTable(w io.Writer, pb *pricing.PriceBook) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "version: %s\n\n", pb.Version())
	fmt.Fprintln(tw, "PROVIDER\tMODEL\tREGION\tEFFECTIVE FROM\tINPUT/1K\tOUTPUT/1K")
	for _, e := range pb.Entries() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%g\t%g\n",
			e.Provider, e.Model, e.Region,
			e.EffectiveFrom.Format(time.RFC3339),
			e.UnitPriceInput, e.UnitPriceOutput,
		)
	}
	return tw.Flush()
}
