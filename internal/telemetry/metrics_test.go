package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return metric.GetCounter().GetValue()
}

func TestNewMetricsRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	if m.RequestTotal == nil || m.RoutingTotal == nil || m.PaymentTotal == nil {
		t.Fatal("metrics should not be nil")
	}

	m.RecordDedupShared()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "clawrouter_dedup_shared_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected clawrouter_dedup_shared_total to be registered")
	}
}

func TestNewMetricsTwiceOnSeparateRegistries(t *testing.T) {
	NewMetrics(prometheus.NewRegistry())
	NewMetrics(prometheus.NewRegistry())
}

func TestRecordRequest(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordRequest(RequestLabels{
		Model:      "openai/gpt-4o-mini",
		Tier:       "SIMPLE",
		Method:     "rules",
		Status:     "200",
		DurationMs: 150,
		CostUSD:    0.005,
	})

	counter, err := m.RequestTotal.GetMetricWithLabelValues("openai/gpt-4o-mini", "SIMPLE", "rules", "200")
	if err != nil {
		t.Fatalf("failed to get metric: %v", err)
	}
	if v := counterValue(t, counter); v != 1 {
		t.Errorf("expected request count 1, got %v", v)
	}

	cost, _ := m.CostUSDTotal.GetMetricWithLabelValues("openai/gpt-4o-mini")
	if v := counterValue(t, cost); v != 0.005 {
		t.Errorf("expected cost 0.005, got %v", v)
	}
}

func TestRecordPayment(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordPayment("eip155:8453", 2_500)
	m.RecordPayment("eip155:8453", 500)

	n, _ := m.PaymentTotal.GetMetricWithLabelValues("eip155:8453")
	if v := counterValue(t, n); v != 2 {
		t.Errorf("expected 2 payments, got %v", v)
	}
	usd, _ := m.PaymentUSDTotal.GetMetricWithLabelValues("eip155:8453")
	if v := counterValue(t, usd); v < 0.00299 || v > 0.00301 {
		t.Errorf("expected $0.003 paid, got %v", v)
	}
}

func TestRecordRoutingAndSession(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordRouting("COMPLEX", "rules", true, 0.8)
	m.RecordSession("pinned")
	m.RecordAttempt("xai/grok-4", "provider_error")
	m.SetWalletBalance(4.2)

	c, _ := m.RoutingTotal.GetMetricWithLabelValues("COMPLEX", "rules", "true")
	if v := counterValue(t, c); v != 1 {
		t.Errorf("expected 1 routing decision, got %v", v)
	}
	s, _ := m.SessionTotal.GetMetricWithLabelValues("pinned")
	if v := counterValue(t, s); v != 1 {
		t.Errorf("expected 1 pinned lookup, got %v", v)
	}

	var metric dto.Metric
	m.WalletBalanceUSD.Write(&metric)
	if metric.GetGauge().GetValue() != 4.2 {
		t.Errorf("expected balance 4.2, got %v", metric.GetGauge().GetValue())
	}
}

func TestRecordRateLimitHit(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordRateLimitHit()
	m.RecordRateLimitHit()
	if v := counterValue(t, m.RateLimitHits); v != 2 {
		t.Errorf("expected 2 rate limit hits, got %v", v)
	}
}
