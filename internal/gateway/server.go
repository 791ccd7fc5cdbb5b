// Package gateway is the local proxy: it classifies chat requests, picks the
// cheapest capable model, pays the upstream and streams the answer back.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/af-corp/clawrouter/internal/balance"
	"github.com/af-corp/clawrouter/internal/config"
	"github.com/af-corp/clawrouter/internal/dedup"
	"github.com/af-corp/clawrouter/internal/httputil"
	"github.com/af-corp/clawrouter/internal/payment"
	"github.com/af-corp/clawrouter/internal/ratelimit"
	"github.com/af-corp/clawrouter/internal/retry"
	"github.com/af-corp/clawrouter/internal/router"
	"github.com/af-corp/clawrouter/internal/session"
	"github.com/af-corp/clawrouter/internal/telemetry"
	"github.com/af-corp/clawrouter/internal/usage"
	"github.com/af-corp/clawrouter/internal/wallet"
)

// BalanceChecker is the part of balance.Monitor the proxy needs.
type BalanceChecker interface {
	Require(ctx context.Context, required *big.Int) (balance.Info, error)
}

// LowBalanceInfo is passed to Callbacks.OnLowBalance.
type LowBalanceInfo struct {
	BalanceUSD string
	Wallet     string
}

// InsufficientFundsInfo is passed to Callbacks.OnInsufficientFunds.
type InsufficientFundsInfo struct {
	BalanceUSD  string
	RequiredUSD string
	Wallet      string
}

// Callbacks let an embedding host observe the proxy. All are optional and
// may be called from request goroutines.
type Callbacks struct {
	OnReady             func(port int)
	OnError             func(err error)
	OnRouted            func(d router.RoutingDecision)
	OnPayment           func(e payment.PaymentEvent)
	OnLowBalance        func(info LowBalanceInfo)
	OnInsufficientFunds func(info InsufficientFundsInfo)
}

// Options are the proxy's dependencies. Config and Wallet are required;
// everything else has a working default.
type Options struct {
	Config *config.Config
	// Snapshot returns the current routing snapshot. Defaults to the
	// built-in routing config and catalog.
	Snapshot func() *config.Snapshot
	Wallet   *wallet.Wallet

	HTTPClient   *http.Client
	PaymentCache payment.Cache
	Balance      BalanceChecker
	Sessions     *session.Store
	Dedup        *dedup.Deduplicator
	RateLimiter  *ratelimit.Limiter
	Health       *router.ModelHealth
	Metrics      *telemetry.Metrics
	Usage        *usage.Emitter
	Logger       *slog.Logger
	Callbacks    Callbacks
}

// Server holds the proxy's request handlers.
type Server struct {
	cfg       *config.Config
	snapshot  func() *config.Snapshot
	wallet    *wallet.Wallet
	payments  *payment.Client
	balance   BalanceChecker
	sessions  *session.Store
	dedup     *dedup.Deduplicator
	limiter   *ratelimit.Limiter
	health    *router.ModelHealth
	metrics   *telemetry.Metrics
	usage     *usage.Emitter
	logger    *slog.Logger
	callbacks Callbacks
	upstream  string
}

func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("gateway: config is required")
	}
	if opts.Wallet == nil {
		return nil, errors.New("gateway: wallet is required")
	}
	cfg := opts.Config

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	snapshot := opts.Snapshot
	if snapshot == nil {
		static := config.StaticSnapshot(router.DefaultRoutingConfig(), config.DefaultCatalog())
		snapshot = func() *config.Snapshot { return static }
	}
	client := opts.HTTPClient
	if client == nil {
		client = NewUpstreamClient(cfg.Upstream)
	}
	cache := opts.PaymentCache
	if cache == nil {
		cache = payment.NewMemoryCache(cfg.Payment.CacheTTL)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics(nil)
	}
	health := opts.Health
	if health == nil {
		health = router.NewModelHealth(cfg.Routing.CircuitBreaker.FailureThreshold, cfg.Routing.CircuitBreaker.RecoveryProbeInterval)
	}

	s := &Server{
		cfg:       cfg,
		snapshot:  snapshot,
		wallet:    opts.Wallet,
		balance:   opts.Balance,
		sessions:  opts.Sessions,
		dedup:     opts.Dedup,
		limiter:   opts.RateLimiter,
		health:    health,
		metrics:   metrics,
		usage:     opts.Usage,
		logger:    logger,
		callbacks: opts.Callbacks,
		upstream:  strings.TrimRight(cfg.Upstream.BaseURL, "/"),
	}
	if s.dedup == nil && cfg.Dedup.Enabled {
		s.dedup = dedup.New()
	}
	if s.limiter == nil && cfg.Server.RateLimitRPM > 0 {
		s.limiter = ratelimit.NewLimiter(nil, logger)
	}

	s.payments = payment.NewClient(client, payment.NewSigner(opts.Wallet),
		payment.WithCache(cache),
		payment.WithLogger(logger),
		payment.WithRetry(retry.Config{
			MaxRetries:        cfg.Upstream.Retry.MaxRetries,
			BaseDelay:         cfg.Upstream.Retry.BaseDelay,
			RetryableStatuses: cfg.Upstream.Retry.RetryableStatuses,
			MaxRetryAfter:     retry.DefaultConfig().MaxRetryAfter,
		}),
		payment.WithOnPayment(s.onPayment),
	)
	return s, nil
}

// NewUpstreamClient builds the HTTP client used for upstream calls.
func NewUpstreamClient(cfg config.UpstreamConfig) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.MaxIdleConns > 0 {
		transport.MaxIdleConns = cfg.MaxIdleConns
		transport.MaxIdleConnsPerHost = cfg.MaxIdleConns
	}
	if cfg.HeaderTimeout > 0 {
		transport.ResponseHeaderTimeout = cfg.HeaderTimeout
	}
	return &http.Client{Transport: transport, Timeout: cfg.Timeout}
}

func (s *Server) onPayment(e payment.PaymentEvent) {
	var micro int64
	if n, ok := new(big.Int).SetString(e.Amount, 10); ok && n.IsInt64() {
		micro = n.Int64()
	}
	s.metrics.RecordPayment(e.Network, micro)
	s.logger.Debug("payment accepted", "model", e.Model, "amount", e.Amount, "network", e.Network)
	if s.callbacks.OnPayment != nil {
		s.callbacks.OnPayment(e)
	}
}

// PaymentCache exposes the requirement cache.
func (s *Server) PaymentCache() payment.Cache {
	return s.payments.Cache()
}

// Routes builds the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)

	r.Get("/health", s.Health)
	r.Get("/v1/models", s.ListModels)
	r.Group(func(r chi.Router) {
		r.Use(ratelimit.Middleware(s.limiter, s.cfg.Server.RateLimitRPM, s.metrics, func(r *http.Request) string {
			return RequestIDFrom(r.Context())
		}))
		r.Post("/v1/chat/completions", s.ChatCompletions)
		r.HandleFunc("/v1/*", s.Forward)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFoundError(w, RequestIDFrom(r.Context()), "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, RequestIDFrom(r.Context()), http.StatusMethodNotAllowed,
			"invalid_request_error", "method_not_allowed", "Method not allowed")
	})
	return r
}

// Handle is a running proxy.
type Handle struct {
	Port    int
	BaseURL string

	srv     *http.Server
	metrics *http.Server
	done    chan error
	cancel  context.CancelFunc
	cleanup []func(context.Context) error
}

// Done is closed with the serve error, nil on a clean Close.
func (h *Handle) Done() <-chan error {
	return h.done
}

// Close shuts the proxy down gracefully, waiting for in-flight requests
// until ctx expires. Requests still running after that are cancelled.
func (h *Handle) Close(ctx context.Context) error {
	defer h.cancel()
	var errs []error
	errs = append(errs, h.srv.Shutdown(ctx))
	if h.metrics != nil {
		errs = append(errs, h.metrics.Shutdown(ctx))
	}
	for _, fn := range h.cleanup {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

// Start binds the listener, starts serving and returns once the proxy
// accepts connections.
func Start(ctx context.Context, opts Options) (*Handle, error) {
	s, err := NewServer(opts)
	if err != nil {
		return nil, err
	}
	cfg := opts.Config

	ln, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Server.Addr(), err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		Port:    port,
		BaseURL: fmt.Sprintf("http://%s", net.JoinHostPort(cfg.Server.Host, fmt.Sprint(port))),
		done:    make(chan error, 1),
		cancel:  cancel,
		srv: &http.Server{
			Handler:     s.Routes(),
			ReadTimeout: cfg.Server.ReadTimeout,
			IdleTimeout: cfg.Server.IdleTimeout,
			BaseContext: func(net.Listener) context.Context { return runCtx },
		},
	}
	if s.usage != nil {
		h.cleanup = append(h.cleanup, s.usage.Close)
	}

	if s.sessions.Enabled() {
		go s.sessions.Run(runCtx)
	}
	if cfg.Telemetry.MetricsPort > 0 {
		h.metrics = startMetricsServer(cfg.Server.Host, cfg.Telemetry.MetricsPort, s.logger)
	}

	go func() {
		err := h.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			s.logger.Error("proxy server failed", "error", err)
			if s.callbacks.OnError != nil {
				s.callbacks.OnError(err)
			}
		}
		h.done <- err
		close(h.done)
	}()

	s.logger.Info("proxy listening", "addr", ln.Addr().String(), "wallet", opts.Wallet.Address(), "upstream", s.upstream)
	if s.callbacks.OnReady != nil {
		s.callbacks.OnReady(port)
	}
	return h, nil
}

// Launcher supervises a background Start.
type Launcher struct {
	ready  chan struct{}
	handle *Handle
	err    error
}

// Launch starts the proxy in the background. Ready is closed once it is
// serving or has failed to start.
func Launch(ctx context.Context, opts Options) *Launcher {
	l := &Launcher{ready: make(chan struct{})}
	go func() {
		defer close(l.ready)
		l.handle, l.err = Start(ctx, opts)
		if l.err != nil && opts.Callbacks.OnError != nil {
			opts.Callbacks.OnError(l.err)
		}
	}()
	return l
}

func (l *Launcher) Ready() <-chan struct{} {
	return l.ready
}

// Wait blocks until the proxy is serving or failed to start.
func (l *Launcher) Wait(ctx context.Context) (*Handle, error) {
	select {
	case <-l.ready:
		return l.handle, l.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
