// Package session implements the Provider Session Manager: the goroutine-
// per-call actor that owns a call's ASR provider session, reconnects it on
// transient failure, and tracks outstanding sends awaiting a transcript.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/telephony-asr/bridge/pkg/provider/asr"
)

// Reconnection parameters. These defaults are the exact numeric constants
// this system requires: 3 attempts, 1s/2s/4s exponential backoff — tighter
// than a general-purpose voice-platform reconnect loop, since a stalled
// call-audio pipeline degrades the caller experience far faster than a
// dropped voice channel would.
const (
	defaultMaxRetries = 3
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 4 * time.Second
)

// Reconnector monitors an ASR provider session and automatically reconnects
// it on disconnection, preserving the call's StreamConfig.
//
// Callers obtain the initial session via [Reconnector.Connect], then call
// [Reconnector.Monitor] to start a background goroutine that watches for
// disconnections. When a drop is detected (via [Reconnector.NotifyDisconnect]),
// the monitor attempts reconnection with exponential backoff and invokes the
// configured OnReconnect callback on success, or OnGiveUp once MaxRetries is
// exhausted.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	provider      asr.Provider
	interactionID string
	cfg           asr.StreamConfig
	maxRetries    int
	backoff       time.Duration
	maxBackoff    time.Duration
	onReconnect   func(asr.SessionHandle)
	onGiveUp      func()

	mu           sync.Mutex
	sess         asr.SessionHandle
	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{}
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Provider is the ASR provider used to establish sessions.
	Provider asr.Provider

	// InteractionID is the call this session belongs to, used for logging.
	InteractionID string

	// StreamConfig is passed to every StartStream call, including retries.
	StreamConfig asr.StreamConfig

	// MaxRetries is the maximum number of reconnection attempts before
	// giving up. Defaults to 3 if zero.
	MaxRetries int

	// Backoff is the initial backoff duration between retries. Doubles each
	// attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 4s if
	// zero.
	MaxBackoff time.Duration

	// OnReconnect is called after a successful reconnection with the new
	// session. May be nil.
	OnReconnect func(asr.SessionHandle)

	// OnGiveUp is called once MaxRetries is exhausted without success. May
	// be nil.
	OnGiveUp func()
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Reconnector{
		provider:      cfg.Provider,
		interactionID: cfg.InteractionID,
		cfg:           cfg.StreamConfig,
		maxRetries:    maxRetries,
		backoff:       backoff,
		maxBackoff:    maxBackoff,
		onReconnect:   cfg.OnReconnect,
		onGiveUp:      cfg.OnGiveUp,
		done:          make(chan struct{}),
		disconnected:  make(chan struct{}, 1),
	}
}

// Connect performs the initial StartStream call.
func (r *Reconnector) Connect(ctx context.Context) (asr.SessionHandle, error) {
	sess, err := r.provider.StartStream(ctx, r.cfg)
	if err != nil {
		return nil, fmt.Errorf("reconnector initial connect: %w", err)
	}

	r.mu.Lock()
	r.sess = sess
	r.mu.Unlock()

	return sess, nil
}

// Monitor starts monitoring the session in a background goroutine.
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// NotifyDisconnect signals the monitor that the session has been lost and
// reconnection should be attempted. Safe to call multiple times; only the
// first call per reconnection cycle has effect.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
	}
}

// Stop halts monitoring and closes the current session. Safe to call more
// than once.
func (r *Reconnector) Stop() error {
	r.stopOnce.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	sess := r.sess
	r.sess = nil
	r.mu.Unlock()

	if sess != nil {
		return sess.Close()
	}
	return nil
}

// Session returns the current active session. May return nil during
// reconnection.
func (r *Reconnector) Session() asr.SessionHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess
}

func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attemptReconnect(ctx)
		}
	}
}

// attemptReconnect tries to reconnect with exponential backoff, capped at
// maxRetries attempts.
func (r *Reconnector) attemptReconnect(ctx context.Context) {
	currentBackoff := r.backoff

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		slog.Info("attempting asr session reconnection",
			"interaction_id", r.interactionID,
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
		)

		sess, err := r.provider.StartStream(ctx, r.cfg)
		if err == nil {
			r.mu.Lock()
			oldSess := r.sess
			r.sess = sess
			r.mu.Unlock()

			if oldSess != nil {
				_ = oldSess.Close()
			}

			slog.Info("asr session reconnection successful",
				"interaction_id", r.interactionID,
				"attempt", attempt,
			)

			if r.onReconnect != nil {
				r.onReconnect(sess)
			}
			return
		}

		slog.Warn("asr session reconnection attempt failed",
			"interaction_id", r.interactionID,
			"attempt", attempt,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(currentBackoff):
		}

		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	slog.Error("asr session reconnection failed after max retries",
		"interaction_id", r.interactionID,
		"max_retries", r.maxRetries,
	)
	if r.onGiveUp != nil {
		r.onGiveUp()
	}
}
