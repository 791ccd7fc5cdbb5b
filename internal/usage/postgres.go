package usage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink inserts records into the usage_records table created by
// migrations/000001_create_usage_records.
type PostgresSink struct {
	db *pgxpool.Pool
}

// NewPostgresSink creates a sink. If db is nil every write is a no-op.
func NewPostgresSink(db *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Write(ctx context.Context, r Record) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO usage_records (
			created_at, request_id, model, tier, method,
			cost_usd, baseline_cost_usd, savings,
			latency_ms, status, stream, attempts, shared
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		r.Timestamp, r.RequestID, r.Model, r.Tier, r.Method,
		r.CostEstimate, r.BaselineCost, r.Savings,
		r.LatencyMs, r.Status, r.Stream, r.Attempts, r.Shared,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary aggregates spend over a period.
type Summary struct {
	Requests     int64
	CostUSD      float64
	BaselineUSD  float64
	AvgSavings   float64
	AvgLatencyMs float64
}

// SummarySince totals records created in the last days days.
func (s *PostgresSink) SummarySince(ctx context.Context, days int) (Summary, error) {
	var sum Summary
	if s.db == nil {
		return sum, nil
	}
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(cost_usd), 0),
		       COALESCE(SUM(baseline_cost_usd), 0),
		       COALESCE(AVG(savings), 0),
		       COALESCE(AVG(latency_ms), 0)
		FROM usage_records
		WHERE created_at > NOW() - make_interval(days => $1)
	`, days).Scan(&sum.Requests, &sum.CostUSD, &sum.BaselineUSD, &sum.AvgSavings, &sum.AvgLatencyMs)
	if err != nil {
		return sum, fmt.Errorf("query usage summary: %w", err)
	}
	return sum, nil
}
