package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/af-corp/clawrouter/internal/usage"
)

func newStatsCommand(opts *rootOptions) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize recorded spend and savings",
		Long: `Summarize usage records stored in Postgres and today's spend counter in
Redis. Both stores are optional; unconfigured stores report zero.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, logger, err := loadConfig(opts, io.Discard)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			cfg := loader.Config()
			ctx := cmd.Context()

			rdb := connectRedis(ctx, cfg.Redis, logger)
			if rdb != nil {
				defer rdb.Close()
			}
			pool := connectDatabase(ctx, cfg.Database, logger)
			if pool != nil {
				defer pool.Close()
			}

			sum, err := usage.NewPostgresSink(pool).SummarySince(ctx, days)
			if err != nil {
				return err
			}
			today := usage.NewSpendTracker(rdb).Today(ctx)
			printStats(cmd.OutOrStdout(), days, sum, today)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "number of days to summarize")
	return cmd
}

func printStats(w io.Writer, days int, sum usage.Summary, todayMicro int64) {
	fmt.Fprintf(w, "Last %d days\n", days)
	fmt.Fprintf(w, "  Requests:      %d\n", sum.Requests)
	fmt.Fprintf(w, "  Spent:         $%.4f\n", sum.CostUSD)
	fmt.Fprintf(w, "  Baseline:      $%.4f\n", sum.BaselineUSD)
	fmt.Fprintf(w, "  Avg savings:   %.1f%%\n", sum.AvgSavings*100)
	fmt.Fprintf(w, "  Avg latency:   %.0fms\n", sum.AvgLatencyMs)
	fmt.Fprintf(w, "Today:           $%.4f\n", float64(todayMicro)/1e6)
}
