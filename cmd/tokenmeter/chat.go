package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"tokenmeter/internal/app"
	"tokenmeter/internal/core"
)

func newChatCmd(root *rootOptions) *cobra.Command {
	var req core.ChatRequest

	cmd := &cobra.Command{
		Use:   "chat [flags] <prompt>",
		Short: "Send one metered chat call to a provider",
		Long: `Send a single user message through the gateway. The call is metered like
any gateway request and the normalized result is printed as JSON.

Examples:
  tokenmeter chat --model gpt-4o-mini "Say hi"
  tokenmeter chat --provider vllm --model gpt-oss-20b-local --region onprem --tenant acme "Summarize"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.setup()
			if err != nil {
				return err
			}
			if req.Provider == "" {
				req.Provider = cfg.Metering.DefaultProvider
			}
			req.Messages = []core.Message{{Role: "user", Content: strings.Join(args, " ")}}

			a, err := app.New(cmd.Context(), cfg, app.Options{})
			if err != nil {
				return err
			}
			defer a.Shutdown(context.Background())

			result, err := a.Gateway().Chat(cmd.Context(), &req)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.Provider, "provider", "", "provider: openai, vllm or gemini (default: metering.default_provider)")
	f.StringVar(&req.Model, "model", "", "model name")
	f.StringVar(&req.Region, "region", "", "region (default: metering.default_region)")
	f.StringVar(&req.TenantID, "tenant", "", "tenant id")
	f.StringVar(&req.UserID, "user", "", "user id")
	f.StringVar(&req.Feature, "feature", "", "feature name")
	f.StringVar(&req.Endpoint, "endpoint", "/v1/chat", "endpoint label")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}
