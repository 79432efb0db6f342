// Package session implements the Provider Session Manager: the goroutine-
// per-call actor that owns a call's ASR provider session, reconnects it on
// transient failure, and tracks outstanding sends awaiting a transcript.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/telephony-asr/bridge/internal/audio"
	"github.com/telephony-asr/bridge/internal/observe"
	"github.com/telephony-asr/bridge/pkg/provider/asr"
	"github.com/telephony-asr/bridge/pkg/types"
)

// Manager timing defaults, per SPEC_FULL §4.G.
const (
	defaultSocketOpenTimeout    = 5 * time.Second
	defaultSessionReadyTimeout  = 10 * time.Second
	defaultSendReadyTimeout     = 5 * time.Second
	defaultSendReadyPollEvery   = 25 * time.Millisecond
	defaultTokenRefreshMargin   = 1 * time.Minute
	defaultKeepaliveInterval    = 3 * time.Second
	defaultHealthCheckInterval  = 30 * time.Second
	defaultPendingEvictInterval = 1 * time.Second
	defaultCommitInterval       = 25 * time.Second
	defaultWarmupChunks         = 10
	defaultMaxKeepaliveFailures = 10
)

// ManagerConfig configures a [Manager].
type ManagerConfig struct {
	// Provider is the ASR backend used to open new sessions.
	Provider asr.Provider

	// ProviderName labels metrics recorded for Provider (e.g. "deepgram").
	// Defaults to "unknown" when empty.
	ProviderName string

	// WarmupChunks is the number of leading chunks per call sent regardless
	// of the Audio Quality Gate's silence verdict. Defaults to 10; pass a
	// negative value to opt out entirely.
	WarmupChunks int

	// MaxReconnectAttempts bounds reconnection attempts per disconnection
	// event. Defaults to 3.
	MaxReconnectAttempts int

	// VADSensitivity tunes the Audio Quality Gate's silence thresholds; see
	// audio.ScaledThresholds. Zero or negative selects audio.DefaultThresholds.
	VADSensitivity float64

	// CommitInterval is how often a session's buffered audio is explicitly
	// committed, for providers whose commit strategy requires it (see
	// asr.Committer). Defaults to 25s; providers that don't implement
	// asr.Committer ignore this entirely.
	CommitInterval time.Duration

	// OnTranscript is invoked for every partial and final transcript a
	// managed session emits, after Pending-Work Tracker matching.
	OnTranscript func(types.Transcript)
}

// call is the per-interaction_id actor state. Exactly one goroutine (the
// owning Manager call's creation path plus the dispatch goroutines spawned
// from it) mutates a call's mutable fields; access from other goroutines
// goes through the mutex.
type call struct {
	interactionID string
	sampleRateHz  int

	mu              sync.Mutex
	reconnector     *Reconnector
	pending         *PendingTracker
	chunkIdx        int
	createdAt       time.Time
	tokenExpiresAt  time.Time
	keepaliveOK     int
	keepaliveFail   int
	reconnectCount  int
	lastHealthCheck time.Time

	closeOnce sync.Once
	doneCh    chan struct{}
}

// Manager owns one ASR provider session per interaction_id, handling
// creation (single-flight, with readiness waits), audio quality gating,
// pending-work tracking, keepalives, health checks, and reconnection.
//
// Grounded on internal/session/reconnect.go's "one actor/goroutine per call"
// idiom (design note §9), generalized from per-voice-channel reconnection to
// per-interaction_id session management, and on
// golang.org/x/sync/singleflight's textbook "map of in-flight creation
// promises keyed by an id" use for Creation with single-flight (§4.G).
//
// All methods are safe for concurrent use.
type Manager struct {
	provider             asr.Provider
	warmupChunks         int
	maxReconnectAttempts int
	vadSensitivity       float64
	commitInterval       time.Duration
	providerName         string
	onTranscript         func(types.Transcript)

	creationGroup singleflight.Group

	mu    sync.Mutex
	calls map[string]*call
}

// NewManager creates a Manager. Zero-valued config fields take the documented
// defaults.
func NewManager(cfg ManagerConfig) *Manager {
	warmup := cfg.WarmupChunks
	if warmup == 0 {
		warmup = defaultWarmupChunks
	}
	if warmup < 0 {
		warmup = 0
	}
	maxRetries := cfg.MaxReconnectAttempts
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	providerName := cfg.ProviderName
	if providerName == "" {
		providerName = "unknown"
	}
	commitInterval := cfg.CommitInterval
	if commitInterval <= 0 {
		commitInterval = defaultCommitInterval
	}
	return &Manager{
		provider:             cfg.Provider,
		warmupChunks:         warmup,
		maxReconnectAttempts: maxRetries,
		vadSensitivity:       cfg.VADSensitivity,
		commitInterval:       commitInterval,
		providerName:         providerName,
		onTranscript:         cfg.OnTranscript,
		calls:                make(map[string]*call),
	}
}

// SendFrame runs the full send pipeline for one audio frame: quality gate,
// readiness wait, transmission, pending-work registration, and — once the
// provider responds or the matching deadline elapses — delivers the
// resolved Transcript. It blocks until resolution.
func (m *Manager) SendFrame(ctx context.Context, frame types.AudioFrame) (types.Transcript, types.SendOutcome, error) {
	c, err := m.getOrCreateCall(ctx, frame.InteractionID, frame.SampleRateHz)
	if err != nil {
		return types.Transcript{}, types.SendOutcomeDropped, fmt.Errorf("session manager: %w", err)
	}

	c.mu.Lock()
	c.chunkIdx++
	idx := c.chunkIdx
	c.mu.Unlock()

	thresholds := audio.ScaledThresholds(frame.SampleRateHz, m.vadSensitivity)
	stats, suppress := audio.GateWithThresholds(frame.Payload, frame.SampleRateHz, idx, m.warmupChunks, thresholds)
	_ = stats
	if suppress {
		observe.DefaultMetrics().RecordFrameSuppressed(ctx, frame.TenantID)
		return types.Transcript{}, types.SendOutcomeSuppressed, nil
	}

	sess, err := m.waitReady(ctx, c)
	if err != nil {
		return types.Transcript{}, types.SendOutcomeDropped, err
	}

	resolveCh := c.pending.Enqueue(frame.Seq, len(frame.Payload), frame.DurationMs())

	if err := sess.SendAudio(frame.Payload); err != nil {
		return types.Transcript{}, types.SendOutcomeDropped, fmt.Errorf("session manager: send audio: %w", err)
	}

	select {
	case tr := <-resolveCh:
		if m.onTranscript != nil && tr.Text != "" {
			m.onTranscript(tr)
		}
		return tr, types.SendOutcomeSent, nil
	case <-ctx.Done():
		return types.Transcript{}, types.SendOutcomeTimeout, ctx.Err()
	}
}

// getOrCreateCall returns the call actor for interactionID, creating it
// (with single-flight deduplication of concurrent creators) if absent or no
// longer reusable.
func (m *Manager) getOrCreateCall(ctx context.Context, interactionID string, sampleRateHz int) (*call, error) {
	m.mu.Lock()
	c, ok := m.calls[interactionID]
	m.mu.Unlock()

	if ok && m.reusable(c, sampleRateHz) {
		return c, nil
	}

	v, err, _ := m.creationGroup.Do(interactionID, func() (any, error) {
		m.mu.Lock()
		existing, ok := m.calls[interactionID]
		m.mu.Unlock()
		if ok && m.reusable(existing, sampleRateHz) {
			return existing, nil
		}

		newCall, err := m.createCall(ctx, interactionID, sampleRateHz)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.calls[interactionID] = newCall
		m.mu.Unlock()
		return newCall, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*call), nil
}

// reusable implements the §4.G reuse rule: ready, matching sample rate, and
// not within the token refresh margin of expiry.
func (m *Manager) reusable(c *call, sampleRateHz int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sampleRateHz != sampleRateHz {
		return false
	}
	sess := c.reconnector.Session()
	if sess == nil || !sess.Ready() {
		return false
	}
	if !c.tokenExpiresAt.IsZero() && time.Now().After(c.tokenExpiresAt.Add(-defaultTokenRefreshMargin)) {
		return false
	}
	if m.isUnhealthy(c) {
		return false
	}
	return true
}

// isUnhealthy implements the §4.G circuit breaker interlock check. Must be
// called with c.mu held.
func (m *Manager) isUnhealthy(c *call) bool {
	if c.reconnectCount >= m.maxReconnectAttempts {
		return true
	}
	if c.keepaliveFail > defaultMaxKeepaliveFailures && c.keepaliveFail > c.keepaliveOK {
		return true
	}
	return false
}

// createCall opens a brand-new provider session for interactionID, waits for
// the two readiness milestones, and starts the per-call background
// goroutines (keepalive ticker, health check timer, reconnect monitor).
func (m *Manager) createCall(ctx context.Context, interactionID string, sampleRateHz int) (*call, error) {
	c := &call{
		interactionID: interactionID,
		sampleRateHz:  sampleRateHz,
		pending:       NewPendingTracker(),
		doneCh:        make(chan struct{}),
	}

	streamCfg := asr.StreamConfig{
		SampleRateHz:  sampleRateHz,
		Channels:      1,
		InteractionID: interactionID,
	}

	c.reconnector = NewReconnector(ReconnectorConfig{
		Provider:      m.provider,
		InteractionID: interactionID,
		StreamConfig:  streamCfg,
		MaxRetries:    m.maxReconnectAttempts,
		OnReconnect: func(sess asr.SessionHandle) {
			c.mu.Lock()
			c.reconnectCount++
			c.keepaliveOK = 0
			c.keepaliveFail = 0
			c.mu.Unlock()
			go m.dispatchTranscripts(c, sess)
		},
		OnGiveUp: func() {
			slog.Error("asr session permanently lost, giving up", "interaction_id", interactionID)
			c.pending.Drain()
		},
	})

	openCtx, cancel := context.WithTimeout(ctx, defaultSocketOpenTimeout+defaultSessionReadyTimeout)
	defer cancel()

	sess, err := c.reconnector.Connect(openCtx)
	if err != nil {
		return nil, fmt.Errorf("create call session: %w", err)
	}

	c.createdAt = time.Now()
	c.tokenExpiresAt = c.createdAt.Add(15 * time.Minute)

	c.reconnector.Monitor(context.Background())
	go m.dispatchTranscripts(c, sess)
	go m.keepaliveLoop(c)
	go m.healthCheckLoop(c)
	go m.pendingEvictLoop(c)
	go m.commitLoop(c)

	return c, nil
}

// dispatchTranscripts reads a session's partial/final/error channels and
// resolves matching Pending-Work Tracker entries, until the session's
// channels close (on Close) or the call is torn down.
func (m *Manager) dispatchTranscripts(c *call, sess asr.SessionHandle) {
	partials := sess.Partials()
	finals := sess.Finals()
	errs := sess.Errors()

	for {
		select {
		case <-c.doneCh:
			return

		case tr, ok := <-partials:
			if !ok {
				partials = nil
				if finals == nil && errs == nil {
					return
				}
				continue
			}
			c.pending.Resolve(tr)

		case tr, ok := <-finals:
			if !ok {
				finals = nil
				if partials == nil && errs == nil {
					return
				}
				continue
			}
			c.pending.Resolve(tr)

		case perr, ok := <-errs:
			if !ok {
				errs = nil
				if partials == nil && finals == nil {
					return
				}
				continue
			}
			m.handleProviderError(c, perr)
		}
	}
}

// handleProviderError applies the §4.G error-classification rules: permanent
// and auth errors close the session without reconnecting; transient errors
// trigger the Reconnector; unknown errors are logged and ignored.
func (m *Manager) handleProviderError(c *call, perr *asr.ProviderError) {
	ctx := context.Background()
	observe.DefaultMetrics().RecordProviderError(ctx, m.providerName, string(perr.Kind))

	switch perr.Kind {
	case asr.ErrorKindPermanent, asr.ErrorKindAuth:
		slog.Error("asr provider error, not reconnecting",
			"interaction_id", c.interactionID, "kind", perr.Kind, "error", perr)
		c.pending.Drain()
		_ = c.reconnector.Stop()

	case asr.ErrorKindTransient:
		slog.Warn("asr provider transient error, scheduling reconnect",
			"interaction_id", c.interactionID, "error", perr)
		observe.DefaultMetrics().RecordReconnect(ctx, "attempted")
		c.reconnector.NotifyDisconnect()

	default:
		slog.Info("asr provider reported an unclassified error",
			"interaction_id", c.interactionID, "error", perr)
	}
}

// waitReady polls for session readiness up to defaultSendReadyTimeout,
// per §4.G's "ensures readiness" step.
func (m *Manager) waitReady(ctx context.Context, c *call) (asr.SessionHandle, error) {
	deadline := time.Now().Add(defaultSendReadyTimeout)
	ticker := time.NewTicker(defaultSendReadyPollEvery)
	defer ticker.Stop()

	for {
		sess := c.reconnector.Session()
		if sess != nil && sess.Ready() {
			return sess, nil
		}
		if time.Now().After(deadline) {
			return nil, errors.New("session manager: timed out waiting for session readiness")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// keepaliveLoop sends the idle-prevention sentinel on the schedule in §4.G,
// stopping once the call is closed.
func (m *Manager) keepaliveLoop(c *call) {
	ticker := time.NewTicker(defaultKeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.doneCh:
			return
		case <-ticker.C:
			sess := c.reconnector.Session()
			if sess == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), defaultKeepaliveInterval)
			err := sess.SendKeepalive(ctx)
			cancel()

			c.mu.Lock()
			if err != nil {
				c.keepaliveFail++
			} else {
				c.keepaliveOK++
			}
			c.mu.Unlock()
		}
	}
}

// healthCheckLoop verifies the session is still usable on the §4.G 30s
// timer; an unhealthy session is left in place but the next send will force
// recreation via the reuse rule.
func (m *Manager) healthCheckLoop(c *call) {
	ticker := time.NewTicker(defaultHealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.doneCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.lastHealthCheck = time.Now()
			unhealthy := m.isUnhealthy(c)
			c.mu.Unlock()

			if unhealthy {
				slog.Warn("asr session unhealthy at periodic check, will recreate on next send",
					"interaction_id", c.interactionID)
			}
		}
	}
}

// pendingEvictLoop periodically evicts Pending-Work Tracker entries past
// their 5s/10s transcript-wait deadline, resolving [Manager.SendFrame]'s
// blocked caller with an empty Transcript instead of leaving it blocked for
// the life of the call when a provider stops emitting transcripts.
func (m *Manager) pendingEvictLoop(c *call) {
	ticker := time.NewTicker(defaultPendingEvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.doneCh:
			return
		case <-ticker.C:
			c.pending.EvictExpired(time.Now())
		}
	}
}

// commitLoop issues a periodic explicit commit for providers whose
// SessionHandle implements asr.Committer, per §4.G step 6. Providers that
// treat every chunk as committed automatically don't implement the
// interface, so this is a no-op for them.
func (m *Manager) commitLoop(c *call) {
	ticker := time.NewTicker(m.commitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.doneCh:
			return
		case <-ticker.C:
			sess := c.reconnector.Session()
			if sess == nil {
				continue
			}
			committer, ok := sess.(asr.Committer)
			if !ok {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), defaultKeepaliveInterval)
			if err := committer.Commit(ctx); err != nil {
				slog.Warn("asr session periodic commit failed",
					"interaction_id", c.interactionID, "err", err)
			}
			cancel()
		}
	}
}

// CloseCall tears down the session for interactionID: drains outstanding
// resolvers, closes the provider session, and removes it from the manager.
func (m *Manager) CloseCall(interactionID string) error {
	m.mu.Lock()
	c, ok := m.calls[interactionID]
	if ok {
		delete(m.calls, interactionID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	c.pending.Drain()
	c.closeOnce.Do(func() { close(c.doneCh) })
	return c.reconnector.Stop()
}

// Close tears down every active call. Intended for process shutdown.
func (m *Manager) Close() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.calls))
	for id := range m.calls {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.CloseCall(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
