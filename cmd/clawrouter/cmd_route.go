package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/af-corp/clawrouter/internal/config"
	"github.com/af-corp/clawrouter/internal/router"
)

type routeFlags struct {
	system    string
	maxTokens int
	tools     bool
}

func newRouteCommand(opts *rootOptions) *cobra.Command {
	var flags routeFlags
	cmd := &cobra.Command{
		Use:   "route <prompt>",
		Short: "Show the routing decision for a prompt",
		Long: `Classify a prompt offline and print the routing decision and fallback
chain. No request is sent and nothing is paid.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, _, err := loadConfig(opts, io.Discard)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			return printRoute(cmd.OutOrStdout(), loader.Snapshot(), strings.Join(args, " "), flags)
		},
	}
	cmd.Flags().StringVar(&flags.system, "system", "", "system prompt")
	cmd.Flags().IntVar(&flags.maxTokens, "max-tokens", 4096, "max output tokens")
	cmd.Flags().BoolVar(&flags.tools, "tools", false, "treat the request as declaring tools")
	return cmd
}

func printRoute(w io.Writer, snap *config.Snapshot, prompt string, flags routeFlags) error {
	d := router.Route(router.RouteInput{
		Prompt:          prompt,
		SystemPrompt:    flags.system,
		MaxOutputTokens: flags.maxTokens,
		HasTools:        flags.tools,
	}, snap.Routing, snap.Pricing)
	chain := router.FallbackChainFiltered(d.Tier, snap.Routing.TiersFor(d.Agentic),
		d.EstimatedTokens+flags.maxTokens, snap.Catalog.ContextWindow)

	out := struct {
		router.RoutingDecision
		Chain []string `json:"chain"`
	}{d, chain}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

