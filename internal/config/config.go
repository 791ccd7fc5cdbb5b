package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream" toml:"upstream"`
	Routing   RoutingConfig   `yaml:"routing" toml:"routing"`
	Wallet    WalletConfig    `yaml:"wallet" toml:"wallet"`
	Payment   PaymentConfig   `yaml:"payment" toml:"payment"`
	Balance   BalanceConfig   `yaml:"balance" toml:"balance"`
	Session   SessionConfig   `yaml:"session" toml:"session"`
	Dedup     DedupConfig     `yaml:"dedup" toml:"dedup"`
	Redis     RedisConfig     `yaml:"redis" toml:"redis"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

type ServerConfig struct {
	Host             string        `yaml:"host" toml:"host"`
	Port             int           `yaml:"port" toml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown" toml:"graceful_shutdown"`
	// RateLimitRPM caps requests per client per minute; 0 disables it.
	RateLimitRPM int `yaml:"rate_limit_rpm" toml:"rate_limit_rpm"`
}

// Addr returns host:port. Port 0 asks the OS for a free port.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type UpstreamConfig struct {
	BaseURL       string        `yaml:"base_url" toml:"base_url"`
	Timeout       time.Duration `yaml:"timeout" toml:"timeout"`
	MaxIdleConns  int           `yaml:"max_idle_conns" toml:"max_idle_conns"`
	Retry         RetryConfig   `yaml:"retry" toml:"retry"`
	UserAgent     string        `yaml:"user_agent" toml:"user_agent"`
	HeaderTimeout time.Duration `yaml:"header_timeout" toml:"header_timeout"`
}

type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries" toml:"max_retries"`
	BaseDelay         time.Duration `yaml:"base_delay" toml:"base_delay"`
	RetryableStatuses []int         `yaml:"retryable_statuses" toml:"retryable_statuses"`
}

type RoutingConfig struct {
	// AutoModels are the logical model ids that trigger classification.
	AutoModels []string `yaml:"auto_models" toml:"auto_models"`
	// DefaultMaxTokens is used for cost estimates when a request omits max_tokens.
	DefaultMaxTokens int                  `yaml:"default_max_tokens" toml:"default_max_tokens"`
	CircuitBreaker   CircuitBreakerConfig `yaml:"circuit_breaker" toml:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	FailureThreshold      int           `yaml:"failure_threshold" toml:"failure_threshold"`
	RecoveryProbeInterval time.Duration `yaml:"recovery_probe_interval" toml:"recovery_probe_interval"`
}

type WalletConfig struct {
	// PrivateKey is a hex secp256k1 key, usually "${BLOCKRUN_WALLET_KEY}".
	PrivateKey string `yaml:"private_key" toml:"private_key"`
}

type PaymentConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl" toml:"cache_ttl"`
	// PreAuth signs an estimated amount up front when terms for a path are cached.
	PreAuth bool `yaml:"pre_auth" toml:"pre_auth"`
	// RedisPrefix namespaces shared cache entries when redis is configured.
	RedisPrefix string `yaml:"redis_prefix" toml:"redis_prefix"`
}

type BalanceConfig struct {
	Enabled       bool          `yaml:"enabled" toml:"enabled"`
	RPCURL        string        `yaml:"rpc_url" toml:"rpc_url"`
	TokenAddress  string        `yaml:"token_address" toml:"token_address"`
	Timeout       time.Duration `yaml:"timeout" toml:"timeout"`
	LowThreshold  int64         `yaml:"low_threshold" toml:"low_threshold"`
	ZeroThreshold int64         `yaml:"zero_threshold" toml:"zero_threshold"`
}

type SessionConfig struct {
	Enabled       bool          `yaml:"enabled" toml:"enabled"`
	Timeout       time.Duration `yaml:"timeout" toml:"timeout"`
	HeaderName    string        `yaml:"header_name" toml:"header_name"`
	SweepInterval time.Duration `yaml:"sweep_interval" toml:"sweep_interval"`
}

type DedupConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

// RedisConfig is optional. An empty address list disables redis-backed features.
type RedisConfig struct {
	Addresses []string `yaml:"addresses" toml:"addresses"`
	Password  string   `yaml:"password" toml:"password"`
	DB        int      `yaml:"db" toml:"db"`
	PoolSize  int      `yaml:"pool_size" toml:"pool_size"`
}

func (r RedisConfig) Enabled() bool {
	return len(r.Addresses) > 0 && r.Addresses[0] != ""
}

// DatabaseConfig is optional. An empty host disables usage persistence.
type DatabaseConfig struct {
	Host            string        `yaml:"host" toml:"host"`
	Port            int           `yaml:"port" toml:"port"`
	Name            string        `yaml:"name" toml:"name"`
	User            string        `yaml:"user" toml:"user"`
	Password        string        `yaml:"password" toml:"password"`
	SSLMode         string        `yaml:"sslmode" toml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns" toml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" toml:"conn_max_lifetime"`
}

func (d DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Name,
		RawQuery: "sslmode=" + url.QueryEscape(d.SSLMode),
	}
	return u.String()
}

type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level" toml:"log_level"`
	LogFormat   string `yaml:"log_format" toml:"log_format"`
	MetricsPort int    `yaml:"metrics_port" toml:"metrics_port"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "127.0.0.1",
			Port:             8402,
			ReadTimeout:      30 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Upstream: UpstreamConfig{
			BaseURL:       "https://api.blockrun.ai/api",
			Timeout:       180 * time.Second,
			MaxIdleConns:  64,
			HeaderTimeout: 60 * time.Second,
			UserAgent:     "clawrouter",
			Retry: RetryConfig{
				MaxRetries:        2,
				BaseDelay:         500 * time.Millisecond,
				RetryableStatuses: []int{429, 502, 503, 504},
			},
		},
		Routing: RoutingConfig{
			AutoModels:       []string{"auto", "blockrun/auto"},
			DefaultMaxTokens: 4096,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:      3,
				RecoveryProbeInterval: 60 * time.Second,
			},
		},
		Payment: PaymentConfig{
			CacheTTL:    time.Hour,
			PreAuth:     true,
			RedisPrefix: "clawrouter:x402:",
		},
		Balance: BalanceConfig{
			Enabled:       true,
			RPCURL:        "https://mainnet.base.org",
			TokenAddress:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			Timeout:       10 * time.Second,
			LowThreshold:  1_000_000,
			ZeroThreshold: 100,
		},
		Session: SessionConfig{
			Enabled:       false,
			Timeout:       30 * time.Minute,
			HeaderName:    "x-session-id",
			SweepInterval: 5 * time.Minute,
		},
		Dedup: DedupConfig{Enabled: true},
		Redis: RedisConfig{
			PoolSize: 10,
		},
		Database: DatabaseConfig{
			Port:            5432,
			Name:            "clawrouter",
			User:            "clawrouter",
			SSLMode:         "disable",
			MaxOpenConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Validate checks values the process cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.RateLimitRPM < 0 {
		errs = append(errs, errors.New("server.rate_limit_rpm must not be negative"))
	}
	if _, err := url.ParseRequestURI(c.Upstream.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("upstream.base_url: %w", err))
	}
	if c.Upstream.Timeout <= 0 {
		errs = append(errs, errors.New("upstream.timeout must be positive"))
	}
	if len(c.Routing.AutoModels) == 0 {
		errs = append(errs, errors.New("routing.auto_models must not be empty"))
	}
	if c.Balance.ZeroThreshold > c.Balance.LowThreshold {
		errs = append(errs, errors.New("balance.zero_threshold must not exceed balance.low_threshold"))
	}
	if c.Session.Enabled && c.Session.Timeout <= 0 {
		errs = append(errs, errors.New("session.timeout must be positive"))
	}
	if c.Session.HeaderName == "" {
		errs = append(errs, errors.New("session.header_name must be set"))
	}
	return errors.Join(errs...)
}
