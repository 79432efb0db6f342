package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/telephony-asr/bridge/internal/config"
	"github.com/telephony-asr/bridge/internal/ingress"
	"github.com/telephony-asr/bridge/internal/pubsub"
	"github.com/telephony-asr/bridge/internal/registry"
)

// IngressApp owns the Ingress Server's lifetime: the pub/sub adapter, the
// call registry hook, and the WebSocket server itself. One IngressApp runs
// per ingress process; it has no ASR provider of its own — decoded frames
// reach a provider only via the pub/sub fabric, consumed by a separate
// [WorkerApp].
type IngressApp struct {
	server *ingress.Server

	mu       sync.Mutex
	stopOnce sync.Once
	closers  []func() error
}

// NewIngressApp assembles the pub/sub adapter, call registry hook, and
// Ingress Server from cfg. Returns an error for any hard-fail dependency
// (unreachable durable-log DSN, malformed JWT public key).
func NewIngressApp(ctx context.Context, cfg *config.Config) (*IngressApp, error) {
	a := &IngressApp{}

	adapter, err := buildPubSubAdapter(ctx, cfg.PubSub)
	if err != nil {
		return nil, fmt.Errorf("app: build pub/sub adapter: %w", err)
	}
	a.addCloser(adapter.Close)

	hook := registry.New(cfg.CallRegistryURL)
	if hook != nil {
		a.addCloser(hook.Close)
	}

	publisher := ingress.NewPublisher(adapter, hook, int64(cfg.Exotel.MaxBufferMs))

	var verifier *ingress.TokenVerifier
	if cfg.Server.JWTPublicKeyPath != "" {
		verifier, err = loadTokenVerifier(cfg.Server.JWTPublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("app: load JWT public key: %w", err)
		}
	} else {
		slog.Warn("JWT_PUBLIC_KEY_PATH not set; native protocol Bearer-token connections will be rejected")
	}

	pubsubCheck := func(ctx context.Context) error {
		return adapter.Publish(ctx, pubsub.Message{Topic: pubsub.TopicControl, Key: "healthcheck", Value: []byte(`{"event":"healthcheck"}`)})
	}

	a.server = ingress.NewServer(ingress.Config{
		Addr:                fmt.Sprintf(":%d", cfg.Server.Port),
		SSLKeyPath:          cfg.Server.SSLKeyPath,
		SSLCertPath:         cfg.Server.SSLCertPath,
		SupportExotel:       cfg.Exotel.SupportExotel,
		ExotelBridgeEnabled: cfg.Exotel.BridgeEnabled,
		AckInterval:         cfg.Server.AckInterval,
		BufferDurationMs:    int64(cfg.Server.BufferDurationMs),
		AmplificationFactor: cfg.ASR.AmplificationFactor,
		TokenVerifier:       verifier,
		Publisher:           publisher,
		PubSubCheck:         pubsubCheck,
	})

	return a, nil
}

// Run starts the Ingress Server and blocks until ctx is cancelled or the
// server stops for some other reason.
func (a *IngressApp) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- a.server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the Ingress Server and releases the pub/sub adapter and
// call registry hook, in reverse acquisition order. Safe to call more than
// once.
func (a *IngressApp) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		err = a.server.Shutdown(ctx)
		a.mu.Lock()
		closers := a.closers
		a.mu.Unlock()
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i](); cerr != nil {
				slog.Warn("app: closer failed during shutdown", "err", cerr)
			}
		}
	})
	return err
}

func (a *IngressApp) addCloser(fn func() error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, fn)
}
