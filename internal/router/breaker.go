package router

import (
	"sync"
	"time"
)

// BreakerState is the state of a model's circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // requests flow
	BreakerOpen                         // model skipped
	BreakerHalfOpen                     // one trial request allowed
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// breaker counts consecutive provider errors for one model.
type breaker struct {
	state    BreakerState
	failures int
	openedAt time.Time
	inTrial  bool
}

// ModelHealth tracks provider-error circuit breakers per model id. Auto
// requests consult it while walking a fallback chain so a model that keeps
// rejecting requests is skipped until its cool-down elapses.
type ModelHealth struct {
	mu       sync.Mutex
	breakers map[string]*breaker

	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// NewModelHealth creates a tracker that opens a breaker after threshold
// consecutive failures and admits a trial request after cooldown. A threshold of zero
// disables tracking.
func NewModelHealth(threshold int, cooldown time.Duration) *ModelHealth {
	return &ModelHealth{
		breakers:  make(map[string]*breaker),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (h *ModelHealth) get(model string) *breaker {
	b, ok := h.breakers[model]
	if !ok {
		b = &breaker{}
		h.breakers[model] = b
	}
	return b
}

// must hold h.mu
func (h *ModelHealth) stateOf(b *breaker) BreakerState {
	if b.state == BreakerOpen && h.now().Sub(b.openedAt) >= h.cooldown {
		b.state = BreakerHalfOpen
		b.inTrial = false
	}
	return b.state
}

// State returns the current breaker state for model.
func (h *ModelHealth) State(model string) BreakerState {
	if h == nil || h.threshold <= 0 {
		return BreakerClosed
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stateOf(h.get(model))
}

// Allow reports whether a request may be sent to model. In the half-open
// state only the first caller is let through until it reports back.
func (h *ModelHealth) Allow(model string) bool {
	if h == nil || h.threshold <= 0 {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.get(model)
	switch h.stateOf(b) {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.inTrial {
			return false
		}
		b.inTrial = true
		return true
	default:
		return false
	}
}

// RecordSuccess closes model's breaker.
func (h *ModelHealth) RecordSuccess(model string) {
	if h == nil || h.threshold <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.get(model)
	b.state = BreakerClosed
	b.failures = 0
	b.inTrial = false
}

// Release ends a half-open trial that produced no verdict on the model, such
// as a transport failure or a cancelled request, so the next caller may try.
func (h *ModelHealth) Release(model string) {
	if h == nil || h.threshold <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if b, ok := h.breakers[model]; ok && h.stateOf(b) == BreakerHalfOpen {
		b.inTrial = false
	}
}

// RecordFailure counts a provider error against model.
func (h *ModelHealth) RecordFailure(model string) {
	if h == nil || h.threshold <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.get(model)
	b.failures++
	switch h.stateOf(b) {
	case BreakerClosed:
		if b.failures >= h.threshold {
			b.state = BreakerOpen
			b.openedAt = h.now()
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = h.now()
		b.inTrial = false
	}
}

// Snapshot returns the state of every model seen so far.
func (h *ModelHealth) Snapshot() map[string]BreakerState {
	out := make(map[string]BreakerState)
	if h == nil {
		return out
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for model, b := range h.breakers {
		out[model] = h.stateOf(b)
	}
	return out
}
