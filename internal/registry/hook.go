// Package registry publishes call lifecycle metadata to an external call
// registry endpoint, fire-and-forget, with a bounded local retry queue for
// transient endpoint failures.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Retry parameters, matching the session package's reconnect constants: 3
// attempts, backoff starting at 1s and doubling up to 4s. With 3 attempts
// the waits between them are 1s and 2s.
const (
	defaultMaxRetries = 3
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 4 * time.Second
	defaultQueueSize  = 256
)

// CallStartEvent is published when a call begins.
type CallStartEvent struct {
	InteractionID string    `json:"interaction_id"`
	TenantID      string    `json:"tenant_id"`
	CallSID       string    `json:"call_sid,omitempty"`
	StreamSID     string    `json:"stream_sid,omitempty"`
	StartedAt     time.Time `json:"started_at"`
}

// CallEndEvent is published when a call ends.
type CallEndEvent struct {
	InteractionID string    `json:"interaction_id"`
	TenantID      string    `json:"tenant_id"`
	CallSID       string    `json:"call_sid,omitempty"`
	StreamSID     string    `json:"stream_sid,omitempty"`
	Reason        string    `json:"reason"`
	EndedAt       time.Time `json:"ended_at"`
}

type queuedEvent struct {
	event   string // "call_start" or "call_end"
	payload any
}

// Hook publishes call lifecycle events to a configured registry URL. A
// background goroutine drains a bounded queue so Publish* calls never
// block on network I/O; when the queue is full, the oldest queued event is
// dropped to make room (a best-effort metadata sink, never load-bearing).
//
// A nil *Hook is valid and every method on it no-ops — used when
// CALL_REGISTRY_URL is unset.
type Hook struct {
	url        string
	client     *http.Client
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration

	mu       sync.Mutex
	queue    chan queuedEvent
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a [Hook].
type Option func(*Hook)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Hook) { h.client = c }
}

// WithQueueSize overrides the default bounded-queue size (256).
func WithQueueSize(n int) Option {
	return func(h *Hook) {
		if n > 0 {
			h.queue = make(chan queuedEvent, n)
		}
	}
}

// New creates a [Hook] that posts events to url and starts its background
// drain goroutine. If url is empty, New returns nil: every method on a nil
// *Hook is a safe no-op, so callers can unconditionally call Publish* and
// Close without checking whether the registry is configured.
func New(url string, opts ...Option) *Hook {
	if url == "" {
		return nil
	}
	h := &Hook{
		url:        url,
		client:     &http.Client{Timeout: 5 * time.Second},
		maxRetries: defaultMaxRetries,
		backoff:    defaultBackoff,
		maxBackoff: defaultMaxBackoff,
		queue:      make(chan queuedEvent, defaultQueueSize),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.wg.Add(1)
	go h.drain()
	return h
}

// PublishCallStart enqueues a call-start event. Never blocks: if the queue
// is full, the oldest queued event is dropped.
func (h *Hook) PublishCallStart(ev CallStartEvent) {
	h.enqueue(queuedEvent{event: "call_start", payload: ev})
}

// PublishCallEnd enqueues a call-end event. Never blocks.
func (h *Hook) PublishCallEnd(ev CallEndEvent) {
	h.enqueue(queuedEvent{event: "call_end", payload: ev})
}

func (h *Hook) enqueue(qe queuedEvent) {
	if h == nil {
		return
	}
	select {
	case h.queue <- qe:
		return
	default:
	}
	// Queue full — drop the oldest entry to make room.
	select {
	case <-h.queue:
	default:
	}
	select {
	case h.queue <- qe:
	default:
		slog.Warn("call registry queue full, dropping event", "event", qe.event)
	}
}

// Close stops the background drain goroutine, waiting for any in-flight
// send to finish. Safe to call more than once, and safe to call on a nil
// *Hook.
func (h *Hook) Close() error {
	if h == nil {
		return nil
	}
	h.stopOnce.Do(func() {
		close(h.done)
	})
	h.wg.Wait()
	return nil
}

func (h *Hook) drain() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case qe := <-h.queue:
			h.sendWithRetry(qe)
		}
	}
}

func (h *Hook) sendWithRetry(qe queuedEvent) {
	body, err := json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}{Event: qe.event, Data: qe.payload})
	if err != nil {
		slog.Error("call registry: failed to marshal event", "event", qe.event, "err", err)
		return
	}

	currentBackoff := h.backoff
	for attempt := 1; attempt <= h.maxRetries; attempt++ {
		select {
		case <-h.done:
			return
		default:
		}

		if err := h.post(body); err == nil {
			return
		} else if attempt == h.maxRetries {
			slog.Warn("call registry: giving up after max retries",
				"event", qe.event, "attempts", attempt, "err", err)
			return
		} else {
			slog.Warn("call registry: post attempt failed, retrying",
				"event", qe.event, "attempt", attempt, "err", err)
		}

		select {
		case <-h.done:
			return
		case <-time.After(currentBackoff):
		}
		currentBackoff *= 2
		if currentBackoff > h.maxBackoff {
			currentBackoff = h.maxBackoff
		}
	}
}

func (h *Hook) post(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("registry: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("registry: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("registry: unexpected status %d", resp.StatusCode)
	}
	return nil
}
