// Package usage emits one record per completed proxied request to pluggable
// sinks.
package usage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Record describes one completed request.
type Record struct {
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id"`
	Model        string    `json:"model"`
	Tier         string    `json:"tier"`
	Method       string    `json:"method"`
	CostEstimate float64   `json:"cost"`
	BaselineCost float64   `json:"baseline_cost"`
	Savings      float64   `json:"savings"`
	LatencyMs    int64     `json:"latency_ms"`
	Status       int       `json:"status"`
	Stream       bool      `json:"stream"`
	Attempts     int       `json:"attempts"`
	Shared       bool      `json:"shared"`
}

// Sink persists records.
type Sink interface {
	Write(ctx context.Context, r Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r Record) error

func (f SinkFunc) Write(ctx context.Context, r Record) error { return f(ctx, r) }

const (
	defaultQueueSize = 1024
	sinkTimeout      = 5 * time.Second
)

var ErrClosed = errors.New("usage: emitter closed")

// Emitter delivers records to its sinks on a background goroutine so a slow
// sink never delays a response. Records are dropped when the queue is full.
type Emitter struct {
	sinks  []Sink
	logger *slog.Logger
	queue  chan Record

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewEmitter(logger *slog.Logger, sinks ...Sink) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		sinks:  sinks,
		logger: logger,
		queue:  make(chan Record, defaultQueueSize),
		done:   make(chan struct{}),
	}
	go e.loop()
	return e
}

// Emit queues r for delivery.
func (e *Emitter) Emit(r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	select {
	case e.queue <- r:
		return nil
	default:
		e.logger.Warn("usage queue full, dropping record", "request_id", r.RequestID)
		return nil
	}
}

func (e *Emitter) loop() {
	defer close(e.done)
	for r := range e.queue {
		for _, s := range e.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			if err := s.Write(ctx, r); err != nil {
				e.logger.Warn("usage sink failed", "request_id", r.RequestID, "error", err)
			}
			cancel()
		}
	}
}

// Close stops accepting records and waits for queued ones to be delivered.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSink writes each record as a structured log line.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Write(ctx context.Context, r Record) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "usage",
		slog.String("request_id", r.RequestID),
		slog.String("model", r.Model),
		slog.String("tier", r.Tier),
		slog.String("method", r.Method),
		slog.Float64("cost", r.CostEstimate),
		slog.Float64("baseline_cost", r.BaselineCost),
		slog.Float64("savings", r.Savings),
		slog.Int64("latency_ms", r.LatencyMs),
		slog.Int("status", r.Status),
		slog.Int("attempts", r.Attempts),
	)
	return nil
}
