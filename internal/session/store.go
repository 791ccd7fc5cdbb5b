// Package session pins a routed model to a client session so follow-up
// requests in a multi-step task are not re-classified mid-task.
package session

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/af-corp/clawrouter/internal/types"
)

const (
	DefaultTimeout       = 30 * time.Minute
	DefaultHeaderName    = "x-session-id"
	DefaultSweepInterval = 5 * time.Minute
)

// Entry is one pinned session. Values returned by the store are copies.
type Entry struct {
	Model        string     `json:"model"`
	Tier         types.Tier `json:"tier"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   time.Time  `json:"last_used_at"`
	RequestCount int        `json:"request_count"`
}

type Config struct {
	Enabled       bool
	Timeout       time.Duration
	HeaderName    string
	SweepInterval time.Duration
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Store is an in-memory session map with idle expiry. A disabled store
// accepts every call and remembers nothing.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Entry

	cfg Config
	now func() time.Time
}

func New(cfg Config) *Store {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HeaderName == "" {
		cfg.HeaderName = DefaultHeaderName
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		sessions: make(map[string]*Entry),
		cfg:      cfg,
		now:      now,
	}
}

// Enabled reports whether the store pins sessions.
func (s *Store) Enabled() bool {
	return s != nil && s.cfg.Enabled
}

// IDFromRequest reads the session id from the configured header.
func (s *Store) IDFromRequest(r *http.Request) string {
	if !s.Enabled() {
		return ""
	}
	return r.Header.Get(s.cfg.HeaderName)
}

// must hold s.mu
func (s *Store) expired(e *Entry, now time.Time) bool {
	return now.Sub(e.LastUsedAt) > s.cfg.Timeout
}

// Get returns the pinned entry for id. An entry idle past the timeout is
// removed and reported as missing.
func (s *Store) Get(id string) (Entry, bool) {
	if !s.Enabled() || id == "" {
		return Entry{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return Entry{}, false
	}
	if s.expired(e, s.now()) {
		delete(s.sessions, id)
		return Entry{}, false
	}
	return *e, true
}

// Set pins model and tier to id, creating the entry on first use.
func (s *Store) Set(id, model string, tier types.Tier) {
	if !s.Enabled() || id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.sessions[id]; ok && !s.expired(e, now) {
		e.LastUsedAt = now
		e.RequestCount++
		e.Model = model
		e.Tier = tier
		return
	}
	s.sessions[id] = &Entry{
		Model:        model,
		Tier:         tier,
		CreatedAt:    now,
		LastUsedAt:   now,
		RequestCount: 1,
	}
}

// Touch extends id's idle window and counts a request against it.
func (s *Store) Touch(id string) {
	if !s.Enabled() || id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.sessions[id]; ok {
		e.LastUsedAt = s.now()
		e.RequestCount++
	}
}

func (s *Store) Clear(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.sessions)
}

// Sweep evicts every idle entry and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, e := range s.sessions {
		if s.expired(e, now) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Run sweeps on the configured interval until ctx is done. It returns
// immediately for a disabled store.
func (s *Store) Run(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// SessionStat describes one session without exposing its full id.
type SessionStat struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	AgeSeconds int64  `json:"age_seconds"`
}

type Stats struct {
	Count    int           `json:"count"`
	Sessions []SessionStat `json:"sessions"`
}

// Stats lists live sessions with ids truncated to eight characters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := Stats{Count: len(s.sessions), Sessions: make([]SessionStat, 0, len(s.sessions))}
	for id, e := range s.sessions {
		short := id
		if len(short) > 8 {
			short = short[:8]
		}
		out.Sessions = append(out.Sessions, SessionStat{
			ID:         short + "...",
			Model:      e.Model,
			AgeSeconds: int64(now.Sub(e.CreatedAt).Round(time.Second) / time.Second),
		})
	}
	sort.Slice(out.Sessions, func(i, j int) bool { return out.Sessions[i].ID < out.Sessions[j].ID })
	return out
}
