package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	RequestTotal      *prometheus.CounterVec
	RequestDurationMs *prometheus.HistogramVec
	RoutingTotal      *prometheus.CounterVec
	AttemptTotal      *prometheus.CounterVec
	CostUSDTotal      *prometheus.CounterVec
	SavingsRatio      prometheus.Histogram
	PaymentTotal      *prometheus.CounterVec
	PaymentUSDTotal   *prometheus.CounterVec
	DedupSharedTotal  prometheus.Counter
	SessionTotal      *prometheus.CounterVec
	WalletBalanceUSD  prometheus.Gauge
	RateLimitHits     prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		RequestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clawrouter_request_total",
			Help: "Total number of requests proxied.",
		}, []string{"model", "tier", "method", "status"}),

		RequestDurationMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clawrouter_request_duration_ms",
			Help:    "Total request duration in milliseconds, including upstream latency.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"model"}),

		RoutingTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clawrouter_routing_decisions_total",
			Help: "Routing decisions by tier and classification method.",
		}, []string{"tier", "method", "agentic"}),

		AttemptTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clawrouter_upstream_attempts_total",
			Help: "Upstream attempts per model and outcome.",
		}, []string{"model", "outcome"}),

		CostUSDTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clawrouter_cost_usd_total",
			Help: "Estimated spend in USD.",
		}, []string{"model"}),

		SavingsRatio: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "clawrouter_savings_ratio",
			Help:    "Savings against the baseline model per routed request.",
			Buckets: []float64{0, 0.25, 0.5, 0.75, 0.9, 0.95, 0.99, 1},
		}),

		PaymentTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clawrouter_payments_total",
			Help: "Payments accepted by the upstream.",
		}, []string{"network"}),

		PaymentUSDTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clawrouter_payment_usd_total",
			Help: "Authorized payment amounts in USD.",
		}, []string{"network"}),

		DedupSharedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "clawrouter_dedup_shared_total",
			Help: "Requests answered from another in-flight identical request.",
		}),

		SessionTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clawrouter_session_lookups_total",
			Help: "Session lookups by result.",
		}, []string{"result"}),

		WalletBalanceUSD: f.NewGauge(prometheus.GaugeOpts{
			Name: "clawrouter_wallet_balance_usd",
			Help: "Last observed wallet USDC balance.",
		}),

		RateLimitHits: f.NewCounter(prometheus.CounterOpts{
			Name: "clawrouter_rate_limit_hits_total",
			Help: "Requests rejected by the per-client rate limit.",
		}),
	}
}

// RequestLabels holds the label values for recording a request.
type RequestLabels struct {
	Model      string
	Tier       string
	Method     string
	Status     string
	DurationMs float64
	CostUSD    float64
}

// RecordRequest records metrics for a completed request.
func (m *Metrics) RecordRequest(labels RequestLabels) {
	m.RequestTotal.WithLabelValues(labels.Model, labels.Tier, labels.Method, labels.Status).Inc()
	m.RequestDurationMs.WithLabelValues(labels.Model).Observe(labels.DurationMs)
	if labels.CostUSD > 0 {
		m.CostUSDTotal.WithLabelValues(labels.Model).Add(labels.CostUSD)
	}
}

// RecordRouting records one routing decision.
func (m *Metrics) RecordRouting(tier, method string, agentic bool, savings float64) {
	a := "false"
	if agentic {
		a = "true"
	}
	m.RoutingTotal.WithLabelValues(tier, method, a).Inc()
	m.SavingsRatio.Observe(savings)
}

// RecordAttempt records one upstream attempt. outcome is "success",
// "provider_error" or "skipped".
func (m *Metrics) RecordAttempt(model, outcome string) {
	m.AttemptTotal.WithLabelValues(model, outcome).Inc()
}

// RecordPayment records an accepted payment of microUSD base units.
func (m *Metrics) RecordPayment(network string, microUSD int64) {
	m.PaymentTotal.WithLabelValues(network).Inc()
	if microUSD > 0 {
		m.PaymentUSDTotal.WithLabelValues(network).Add(float64(microUSD) / 1e6)
	}
}

func (m *Metrics) RecordDedupShared() {
	m.DedupSharedTotal.Inc()
}

// RecordSession records a session lookup; result is "pinned", "miss" or "new".
func (m *Metrics) RecordSession(result string) {
	m.SessionTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetWalletBalance(usd float64) {
	m.WalletBalanceUSD.Set(usd)
}

func (m *Metrics) RecordRateLimitHit() {
	m.RateLimitHits.Inc()
}
