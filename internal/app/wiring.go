package app

import (
	"context"
	"fmt"
	"os"

	"github.com/telephony-asr/bridge/internal/config"
	"github.com/telephony-asr/bridge/internal/ingress"
	"github.com/telephony-asr/bridge/internal/pubsub"
)

// buildPubSubAdapter constructs the configured [pubsub.Adapter]. Shared by
// [IngressApp] (publisher side) and [WorkerApp] (subscriber side) so both
// processes agree on how each adapter kind is built.
func buildPubSubAdapter(ctx context.Context, cfg config.PubSubConfig) (pubsub.Adapter, error) {
	switch cfg.Adapter {
	case config.PubSubDurableLog:
		return pubsub.NewDurableLog(ctx, cfg.DurableLogDSN)
	case config.PubSubBroker:
		return pubsub.NewBroker(ctx, cfg.BrokerURL)
	case config.PubSubInMemory, "":
		return pubsub.NewInMemory(), nil
	default:
		return nil, fmt.Errorf("app: unrecognised pub/sub adapter %q", cfg.Adapter)
	}
}

// loadTokenVerifier reads a PEM-encoded RSA public key from path and builds
// an [ingress.TokenVerifier] from it.
func loadTokenVerifier(path string) (*ingress.TokenVerifier, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ingress.NewTokenVerifier(pemBytes)
}
