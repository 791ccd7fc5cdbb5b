// Package dedup collapses concurrent identical requests into a single
// upstream call. The first caller streams to its own client while the result
// is recorded; later callers with the same fingerprint receive the recording.
package dedup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/af-corp/clawrouter/internal/types"
)

// Writer receives a response. The gateway implements it over an
// http.ResponseWriter with flushing.
type Writer interface {
	WriteHeader(status int, header http.Header)
	Write(p []byte) (int, error)
}

// Response is a completed response replayed to duplicate callers.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Replay writes r to w.
func (r *Response) Replay(w Writer) error {
	w.WriteHeader(r.Status, r.Header)
	if len(r.Body) == 0 {
		return nil
	}
	_, err := w.Write(r.Body)
	return err
}

// Producer performs the upstream work, writing its outcome to w.
type Producer func(ctx context.Context, w Writer) error

// Deduplicator tracks in-flight producers by fingerprint.
type Deduplicator struct {
	group    singleflight.Group
	inflight atomic.Int64
	shared   atomic.Int64
}

func New() *Deduplicator {
	return &Deduplicator{}
}

// Do runs fn for key unless a producer for key is already in flight, in which
// case it waits for that producer and replays its response to w. shared
// reports whether the response came from another caller's producer. An empty
// key disables collapsing. The entry is released as soon as the producer
// returns, whatever the outcome.
func (d *Deduplicator) Do(ctx context.Context, key string, w Writer, fn Producer) (shared bool, err error) {
	if d == nil || key == "" {
		return false, fn(ctx, w)
	}

	shared, err = d.do(ctx, key, w, fn)
	// A follower whose leader was cancelled gets one attempt of its own.
	if shared && errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return d.do(ctx, key, w, fn)
	}
	return shared, err
}

func (d *Deduplicator) do(ctx context.Context, key string, w Writer, fn Producer) (bool, error) {
	var ran atomic.Bool
	rec := &recorder{dst: w}

	ch := d.group.DoChan(key, func() (any, error) {
		ran.Store(true)
		d.inflight.Add(1)
		defer d.inflight.Add(-1)
		err := fn(ctx, rec)
		return rec.response(), err
	})

	select {
	case res := <-ch:
		if ran.Load() {
			return false, res.Err
		}
		d.shared.Add(1)
		if res.Err != nil {
			return true, res.Err
		}
		return true, res.Val.(*Response).Replay(w)
	case <-ctx.Done():
		// Stop writing to a client that has gone away. The producer keeps
		// the recording for anyone else waiting.
		rec.detach()
		return !ran.Load(), ctx.Err()
	}
}

// InFlight returns the number of producers currently running.
func (d *Deduplicator) InFlight() int {
	return int(d.inflight.Load())
}

// SharedCount returns how many callers were served another caller's result.
func (d *Deduplicator) SharedCount() int64 {
	return d.shared.Load()
}

// recorder forwards to the leader's writer and keeps a copy for followers.
type recorder struct {
	mu       sync.Mutex
	dst      Writer
	detached bool
	status   int
	header   http.Header
	body     bytes.Buffer
}

func (r *recorder) WriteHeader(status int, header http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.header = header.Clone()
	if !r.detached {
		r.dst.WriteHeader(status, header)
	}
}

func (r *recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.body.Write(p)
	if r.detached {
		return len(p), nil
	}
	n, err := r.dst.Write(p)
	if err != nil {
		// Client write failures must not cut off followers.
		r.detached = true
		return len(p), nil
	}
	return n, nil
}

func (r *recorder) detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detached = true
}

func (r *recorder) response() *Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	return &Response{
		Status: status,
		Header: r.header.Clone(),
		Body:   bytes.Clone(r.body.Bytes()),
	}
}

type fingerprintMessage struct {
	Role    string          `json:"role"`
	Name    string          `json:"name,omitempty"`
	Content json.RawMessage `json:"content"`
}

type fingerprintFields struct {
	Model          string               `json:"model"`
	Messages       []fingerprintMessage `json:"messages"`
	MaxTokens      *int                 `json:"max_tokens,omitempty"`
	Temperature    *float64             `json:"temperature,omitempty"`
	TopP           *float64             `json:"top_p,omitempty"`
	Stream         bool                 `json:"stream"`
	Stop           json.RawMessage      `json:"stop,omitempty"`
	Tools          json.RawMessage      `json:"tools,omitempty"`
	ToolChoice     json.RawMessage      `json:"tool_choice,omitempty"`
	ResponseFormat json.RawMessage      `json:"response_format,omitempty"`
}

// Fingerprint identifies a chat request for deduplication. Bodies that do not
// decode hash verbatim.
func Fingerprint(body []byte) string {
	var req types.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return hashBytes(body)
	}
	// Content is re-read raw so non-text parts such as images count.
	var raw struct {
		Messages []fingerprintMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return hashBytes(body)
	}

	f := fingerprintFields{
		Model:          req.Model,
		Messages:       make([]fingerprintMessage, 0, len(req.Messages)),
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		TopP:           req.TopP,
		Stream:         req.Stream,
		Stop:           compact(req.Stop),
		Tools:          compact(req.Tools),
		ToolChoice:     compact(req.ToolChoice),
		ResponseFormat: compact(req.ResponseFormat),
	}
	for _, m := range raw.Messages {
		m.Content = normalizeContent(m.Content)
		f.Messages = append(f.Messages, m)
	}
	canonical, err := json.Marshal(f)
	if err != nil {
		return hashBytes(body)
	}
	return hashBytes(canonical)
}

// normalizeContent trims string content and compacts structured content.
func normalizeContent(raw json.RawMessage) json.RawMessage {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		out, _ := json.Marshal(strings.TrimSpace(text))
		return out
	}
	if c := compact(raw); c != nil {
		return c
	}
	return json.RawMessage("null")
}

func compact(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
