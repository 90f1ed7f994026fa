package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tokenmeter/internal/app"
	"tokenmeter/internal/core"
	"tokenmeter/internal/meter"
)

// demoOptions shapes the synthetic workload.
type demoOptions struct {
	Calls    int
	Seed     uint64
	Provider string
	Model    string
	Region   string
}

func newDemoCmd(root *rootOptions) *cobra.Command {
	opts := demoOptions{}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Write a synthetic workload of metered calls to the sink",
		Long: `Record a synthetic workload against the configured catalog and sink. No
provider is called; unit counts are drawn from a seeded generator.

Examples:
  tokenmeter demo
  tokenmeter demo -n 200 --seed 7 --region us`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.setup()
			if err != nil {
				return err
			}

			a, err := app.New(cmd.Context(), cfg, app.Options{})
			if err != nil {
				return err
			}
			defer a.Shutdown(context.Background())

			if opts.Seed == 0 {
				opts.Seed = uint64(time.Now().UnixNano())
			}
			if err := demoWorkload(cmd.Context(), a.Instrumentor(), opts); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d events to the %s sink\n", opts.Calls, cfg.Sink.Type)
			return nil
		},
	}

	cmd.Flags().IntVarP(&opts.Calls, "calls", "n", 50, "number of calls to record")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 0, "random seed (0 picks one from the clock)")
	cmd.Flags().StringVar(&opts.Provider, "provider", "", "provider (default: metering.default_provider)")
	cmd.Flags().StringVar(&opts.Model, "model", "gpt-4o-mini", "model")
	cmd.Flags().StringVar(&opts.Region, "region", "", "region (default: metering.default_region)")
	return cmd
}

// demoWorkload records opts.Calls metered calls with supplied unit counts:
// the first 30 calls belong to tenant_a, the rest to tenant_b; features
// alternate; about 15% are cache hits and 10% are retries.
func demoWorkload(ctx context.Context, in *meter.Instrumentor, opts demoOptions) error {
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed>>1))

	for i := range opts.Calls {
		tenant := "tenant_a"
		if i >= 30 {
			tenant = "tenant_b"
		}
		feature := "search_rerank"
		if i%2 != 0 {
			feature = "chat_support"
		}
		retries := 0
		if rng.Float64() < 0.1 {
			retries = 1
		}

		req := meter.Request{
			TenantID:    tenant,
			UserID:      fmt.Sprintf("user_%d", i%5),
			Feature:     feature,
			Endpoint:    "/v1/chat",
			Prompt:      "You are a helpful assistant.\n" + strings.Repeat("context ", 50+rng.IntN(251)),
			Provider:    opts.Provider,
			Model:       opts.Model,
			Region:      opts.Region,
			InputUnits:  meter.Units(200 + rng.IntN(2301)),
			OutputUnits: meter.Units(50 + rng.IntN(551)),
			RetryCount:  retries,
			CacheHit:    rng.Float64() < 0.15,
		}

		_, err := meter.Call(ctx, in, req, func(context.Context) (*core.ChatResult, error) {
			return &core.ChatResult{Text: "ok", Model: opts.Model}, nil
		})
		if err != nil {
			return fmt.Errorf("demo call %d: %w", i, err)
		}
	}
	return nil
}
