package usage

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

const spendKeyPrefix = "clawrouter:spend:daily:"

// SpendTracker keeps a per-day spend counter in Redis, in micro-USD.
type SpendTracker struct {
	rdb *redis.Client
	now func() time.Time
}

// NewSpendTracker creates a tracker. If rdb is nil, nothing is recorded.
func NewSpendTracker(rdb *redis.Client) *SpendTracker {
	return &SpendTracker{rdb: rdb, now: time.Now}
}

func (s *SpendTracker) dailyKey() string {
	return spendKeyPrefix + s.now().UTC().Format("2006-01-02")
}

// Write adds the record's estimated cost to today's counter.
func (s *SpendTracker) Write(ctx context.Context, r Record) error {
	return s.RecordSpend(ctx, int64(math.Round(r.CostEstimate*1e6)))
}

// RecordSpend adds micro-USD to today's counter.
func (s *SpendTracker) RecordSpend(ctx context.Context, micro int64) error {
	if s.rdb == nil || micro <= 0 {
		return nil
	}

	key := s.dailyKey()
	pipe := s.rdb.Pipeline()
	pipe.IncrBy(ctx, key, micro)
	// Expire at end of day UTC plus one hour.
	now := s.now().UTC()
	endOfDay := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	pipe.Expire(ctx, key, endOfDay.Sub(now)+time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record spend: %w", err)
	}
	return nil
}

// Today returns today's spend in micro-USD. Redis errors read as zero.
func (s *SpendTracker) Today(ctx context.Context) int64 {
	if s.rdb == nil {
		return 0
	}
	spent, err := s.rdb.Get(ctx, s.dailyKey()).Int64()
	if err != nil {
		return 0
	}
	return spent
}
