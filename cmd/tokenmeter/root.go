package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"tokenmeter/config"
	"tokenmeter/internal/logging"
	"tokenmeter/internal/version"
)

// rootOptions holds the flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "tokenmeter",
		Short: "Usage metering and cost attribution for LLM calls",
		Long: `Tokenmeter wraps LLM calls, prices each attempt against a versioned price
catalog and appends one usage event per attempt to the configured sink.

Events carry tenant, user, feature and endpoint attribution so spend can be
reported per dimension.`,
		Version:       version.Info(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("{{.Version}}\n")

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config.yaml (default: ./config.yaml or ./config/config.yaml)")

	root.AddCommand(
		newServeCmd(opts),
		newDemoCmd(opts),
		newChatCmd(opts),
		newIngestCmd(opts),
		newPriceCmd(opts),
		newReportCmd(opts),
		newVersionCmd(),
	)
	return root
}

// run executes the command line in args, writing command output to stdout.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	return root.ExecuteContext(ctx)
}

// setup loads the configuration and installs the default logger.
func (o *rootOptions) setup() (*config.Config, error) {
	result, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg := result.Config

	logger, err := logging.New(os.Stderr, logging.Options{
		Format: cfg.Logging.Format,
		Level:  cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}
	slog.SetDefault(logger)

	if result.Path != "" {
		slog.Debug("config loaded", "path", result.Path)
	}
	return cfg, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
