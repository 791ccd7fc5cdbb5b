package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/af-corp/clawrouter/internal/config"
	"github.com/af-corp/clawrouter/internal/gateway"
	"github.com/af-corp/clawrouter/internal/payment"
	"github.com/af-corp/clawrouter/internal/ratelimit"
	"github.com/af-corp/clawrouter/internal/session"
	"github.com/af-corp/clawrouter/internal/usage"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local proxy",
		Long: `Run the local OpenAI-compatible proxy.

Point clients at http://127.0.0.1:8402/v1 and use the model "blockrun/auto"
to let the router pick a model, or any catalog model id to pin one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	loader, logger, err := loadConfig(opts, os.Stdout)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	cfg := loader.Config()

	w, err := loadWallet(cfg)
	if err != nil {
		return err
	}

	if err := loader.Watch(ctx); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}
	loader.OnReload(func(s *config.Snapshot) {
		logger.Info("routing config reloaded", "routing_version", s.Routing.Version, "models", len(s.Catalog.Models))
	})

	rdb := connectRedis(ctx, cfg.Redis, logger)
	if rdb != nil {
		defer rdb.Close()
	}
	pool := connectDatabase(ctx, cfg.Database, logger)
	if pool != nil {
		defer pool.Close()
	}

	var cache payment.Cache = payment.NewMemoryCache(cfg.Payment.CacheTTL)
	if rdb != nil {
		cache = payment.LayeredCache{
			Local:  cache,
			Shared: payment.NewRedisCache(rdb, cfg.Payment.RedisPrefix, cfg.Payment.CacheTTL, logger),
		}
	}

	sinks := []usage.Sink{usage.LogSink{Logger: logger}}
	if pool != nil {
		sinks = append(sinks, usage.NewPostgresSink(pool))
	}
	if rdb != nil {
		sinks = append(sinks, usage.NewSpendTracker(rdb))
	}

	serverOpts := gateway.Options{
		Config:       cfg,
		Snapshot:     loader.Snapshot,
		Wallet:       w,
		PaymentCache: cache,
		Sessions: session.New(session.Config{
			Enabled:       cfg.Session.Enabled,
			Timeout:       cfg.Session.Timeout,
			HeaderName:    cfg.Session.HeaderName,
			SweepInterval: cfg.Session.SweepInterval,
		}),
		Usage:  usage.NewEmitter(logger, sinks...),
		Logger: logger,
		Callbacks: gateway.Callbacks{
			OnInsufficientFunds: func(info gateway.InsufficientFundsInfo) {
				fmt.Fprintf(os.Stderr, "Insufficient USDC: balance %s, required %s. Fund %s on Base.\n",
					info.BalanceUSD, info.RequiredUSD, info.Wallet)
			},
		},
	}
	if cfg.Server.RateLimitRPM > 0 {
		serverOpts.RateLimiter = ratelimit.NewLimiter(rdb, logger)
	}
	if cfg.Balance.Enabled {
		monitor, err := newBalanceMonitor(cfg.Balance, w.Address())
		if err != nil {
			return fmt.Errorf("balance monitor: %w", err)
		}
		serverOpts.Balance = monitor
	}

	h, err := gateway.Start(ctx, serverOpts)
	if err != nil {
		return err
	}
	logger.Info("clawrouter started", "base_url", h.BaseURL, "version", version)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case serveErr = <-h.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()
	if err := h.Close(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return err
	}
	logger.Info("clawrouter stopped")
	return serveErr
}
