package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/af-corp/clawrouter/internal/balance"
	"github.com/af-corp/clawrouter/internal/config"
	"github.com/af-corp/clawrouter/internal/wallet"
)

const connectTimeout = 5 * time.Second

var errNoWalletKey = errors.New("wallet.private_key is not set; export BLOCKRUN_WALLET_KEY or run keygen")

func loadWallet(cfg *config.Config) (*wallet.Wallet, error) {
	if cfg.Wallet.PrivateKey == "" {
		return nil, errNoWalletKey
	}
	w, err := wallet.FromHex(cfg.Wallet.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	return w, nil
}

// connectRedis returns nil when redis is not configured or not reachable;
// every redis-backed feature treats nil as disabled.
func connectRedis(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) *redis.Client {
	if !cfg.Enabled() {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addresses[0],
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable, shared cache and spend tracking disabled", "error", err)
		rdb.Close()
		return nil
	}
	logger.Info("redis connected", "addr", cfg.Addresses[0])
	return rdb
}

// connectDatabase returns nil when the database is not configured or not
// reachable; usage records then go to the log only.
func connectDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) *pgxpool.Pool {
	if !cfg.Enabled() {
		return nil
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		logger.Warn("invalid database config, usage persistence disabled", "error", err)
		return nil
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Warn("database connect failed, usage persistence disabled", "error", err)
		return nil
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Warn("database not reachable, usage persistence disabled", "error", err)
		pool.Close()
		return nil
	}
	logger.Info("database connected", "host", cfg.Host, "name", cfg.Name)
	return pool
}

func newBalanceMonitor(cfg config.BalanceConfig, address string) (*balance.Monitor, error) {
	return balance.NewMonitor(balance.Config{
		RPCURL:        cfg.RPCURL,
		TokenAddress:  cfg.TokenAddress,
		Timeout:       cfg.Timeout,
		LowThreshold:  cfg.LowThreshold,
		ZeroThreshold: cfg.ZeroThreshold,
	}, address, nil)
}
