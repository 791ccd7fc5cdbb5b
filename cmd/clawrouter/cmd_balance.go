package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/af-corp/clawrouter/internal/balance"
)

func newBalanceCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show the wallet's USDC balance on Base",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, _, err := loadConfig(opts, io.Discard)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			cfg := loader.Config()
			w, err := loadWallet(cfg)
			if err != nil {
				return err
			}
			monitor, err := newBalanceMonitor(cfg.Balance, w.Address())
			if err != nil {
				return err
			}
			info, err := monitor.CheckBalance(cmd.Context())
			if err != nil {
				return err
			}
			printBalance(cmd.OutOrStdout(), info)
			return nil
		},
	}
}

func printBalance(w io.Writer, info balance.Info) {
	status := "ok"
	switch {
	case info.IsEmpty:
		status = "empty, fund the wallet to use paid models"
	case info.IsLow:
		status = "low"
	}
	fmt.Fprintf(w, "Wallet:  %s\n", info.Wallet)
	fmt.Fprintf(w, "Balance: %s USDC\n", info.BalanceUSD)
	fmt.Fprintf(w, "Status:  %s\n", status)
}
