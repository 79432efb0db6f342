package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/telephony-asr/bridge/internal/audio"
	"github.com/telephony-asr/bridge/internal/config"
	"github.com/telephony-asr/bridge/internal/pubsub"
	"github.com/telephony-asr/bridge/internal/resilience"
	"github.com/telephony-asr/bridge/internal/session"
	"github.com/telephony-asr/bridge/internal/transcript/phonetic"
	"github.com/telephony-asr/bridge/pkg/types"
)

// audioRecord mirrors the ingress package's audio-topic wire shape (§6). It
// is redefined here, rather than exported from internal/ingress, because
// the worker has no other dependency on that package and the two processes
// communicate only through this JSON contract on the wire.
type audioRecord struct {
	TenantID      string `json:"tenant_id"`
	InteractionID string `json:"interaction_id"`
	Seq           uint64 `json:"seq"`
	TimestampMs   int64  `json:"timestamp_ms"`
	SampleRate    int    `json:"sample_rate"`
	Encoding      string `json:"encoding"`
	Audio         string `json:"audio"`
}

type callEndRecord struct {
	InteractionID string `json:"interaction_id"`
	Reason        string `json:"reason"`
}

// WorkerApp owns the ASR worker process's lifetime: it subscribes to the
// audio and control topics, drives each call's [session.Manager], and
// applies tenant-vocabulary phonetic correction to emitted transcripts
// before logging them (transcripts' actual consumers are external to this
// system).
type WorkerApp struct {
	adapter   pubsub.Adapter
	manager   *session.Manager
	overrides *config.Watcher

	mu      sync.Mutex
	matcher *phonetic.Matcher
}

// NewWorkerApp builds the ASR provider (with optional fallback), the
// Provider Session Manager, and the pub/sub subscriptions that feed it.
func NewWorkerApp(ctx context.Context, cfg *config.Config) (*WorkerApp, error) {
	reg := config.NewRegistry()
	provider, err := reg.Create(cfg.ASR)
	if err != nil {
		return nil, fmt.Errorf("app: build ASR provider: %w", err)
	}

	// Every session-creation attempt goes through a circuit breaker, per
	// §4.G step 1 — not only when a fallback provider is configured.
	// ASRFallback with zero registered fallbacks is exactly that: the
	// primary wrapped in its own named breaker.
	fb := resilience.NewASRFallback(provider, cfg.ASR.Provider, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{Name: "asr-" + cfg.ASR.Provider},
	})
	if cfg.ASR.FallbackProvider != "" {
		fallbackCfg := cfg.ASR
		fallbackCfg.Provider = cfg.ASR.FallbackProvider
		fallbackCfg.APIKey = cfg.ASR.FallbackAPIKey
		fallbackProvider, ferr := reg.Create(fallbackCfg)
		if ferr != nil {
			return nil, fmt.Errorf("app: build fallback ASR provider: %w", ferr)
		}
		fb.AddFallback(cfg.ASR.FallbackProvider, fallbackProvider)
	}
	provider = fb

	adapter, err := buildPubSubAdapter(ctx, cfg.PubSub)
	if err != nil {
		return nil, fmt.Errorf("app: build pub/sub adapter: %w", err)
	}

	a := &WorkerApp{
		adapter: adapter,
		matcher: phonetic.New(),
	}

	a.manager = session.NewManager(session.ManagerConfig{
		Provider:             provider,
		ProviderName:         cfg.ASR.Provider,
		MaxReconnectAttempts: cfg.ASR.MaxReconnect,
		VADSensitivity:       cfg.ASR.VADSilenceThreshold,
		CommitInterval:       cfg.ASR.CommitInterval,
		OnTranscript:         a.handleTranscript,
	})

	if cfg.TenantOverridesPath != "" {
		w, werr := config.NewWatcher(cfg.TenantOverridesPath, a.handleOverridesChange)
		if werr != nil {
			slog.Warn("app: tenant overrides watcher not started", "err", werr)
		} else {
			a.overrides = w
		}
	}

	return a, nil
}

// Run subscribes to the audio and control topics and blocks until ctx is
// cancelled.
func (a *WorkerApp) Run(ctx context.Context) error {
	if err := a.adapter.Subscribe(ctx, pubsub.TopicAudio, "asr-worker", a.handleAudioMessage); err != nil {
		return fmt.Errorf("app: subscribe audio topic: %w", err)
	}
	if err := a.adapter.Subscribe(ctx, pubsub.TopicControl, "asr-worker", a.handleControlMessage); err != nil {
		return fmt.Errorf("app: subscribe control topic: %w", err)
	}
	<-ctx.Done()
	return nil
}

func (a *WorkerApp) handleAudioMessage(ctx context.Context, msg pubsub.Message) error {
	var rec audioRecord
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		return fmt.Errorf("app: malformed audio record: %w", err)
	}
	payload, err := audio.DecodeBase64PCM16(rec.Audio)
	if err != nil {
		return fmt.Errorf("app: malformed audio payload: %w", err)
	}

	frame := types.AudioFrame{
		TenantID:      rec.TenantID,
		InteractionID: rec.InteractionID,
		Seq:           rec.Seq,
		TimestampMs:   rec.TimestampMs,
		SampleRateHz:  rec.SampleRate,
		Payload:       payload,
	}

	_, _, err = a.manager.SendFrame(ctx, frame)
	return err
}

func (a *WorkerApp) handleControlMessage(ctx context.Context, msg pubsub.Message) error {
	var rec callEndRecord
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		return fmt.Errorf("app: malformed control record: %w", err)
	}
	if rec.InteractionID == "" {
		return nil
	}
	return a.manager.CloseCall(rec.InteractionID)
}

func (a *WorkerApp) handleTranscript(t types.Transcript) {
	text := t.Text
	if text != "" {
		a.mu.Lock()
		matcher := a.matcher
		vocabulary := a.vocabularyFor(t)
		a.mu.Unlock()
		if matcher != nil && len(vocabulary) > 0 {
			text = correctTranscriptText(text, vocabulary, matcher)
		}
	}

	slog.Info("transcript",
		"interaction_id", t.InteractionID,
		"seq", t.Seq,
		"type", t.Type,
		"is_final", t.IsFinal,
		"confidence", t.Confidence,
		"text", text,
	)
}

// vocabularyFor has no per-tenant routing information on [types.Transcript]
// today, so it returns the union of every configured tenant's vocabulary
// terms. Scoping this per-call would require threading tenant_id through
// session.Manager's transcript callback, which §4.G does not currently do.
func (a *WorkerApp) vocabularyFor(types.Transcript) []string {
	if a.overrides == nil {
		return nil
	}
	current := a.overrides.Current()
	if current == nil {
		return nil
	}
	var terms []string
	for _, t := range current.Tenants {
		terms = append(terms, t.VocabularyTerms...)
	}
	return terms
}

func (a *WorkerApp) handleOverridesChange(old, new *config.TenantOverrides) {
	slog.Info("tenant overrides reloaded")
}

// correctTranscriptText runs word-level phonetic correction against
// vocabulary, leaving unmatched words untouched.
func correctTranscriptText(text string, vocabulary []string, matcher *phonetic.Matcher) string {
	words := strings.Fields(text)
	for i, w := range words {
		if corrected, _, matched := matcher.Match(w, vocabulary); matched {
			words[i] = corrected
		}
	}
	return strings.Join(words, " ")
}

// Shutdown stops the Provider Session Manager and the tenant overrides
// watcher, and closes the pub/sub adapter.
func (a *WorkerApp) Shutdown(ctx context.Context) error {
	if a.overrides != nil {
		a.overrides.Stop()
	}
	if err := a.manager.Close(); err != nil {
		slog.Warn("app: session manager close failed", "err", err)
	}
	return a.adapter.Close()
}
