// Package config provides the configuration schema and environment-variable
// loader for the ingress and ASR worker processes.
package config

import "time"

// LogLevel controls slog verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid reports whether l is one of the recognised log levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// PubSubAdapter selects which internal/pubsub backend is constructed.
type PubSubAdapter string

const (
	PubSubDurableLog PubSubAdapter = "durable-log"
	PubSubBroker     PubSubAdapter = "broker"
	PubSubInMemory   PubSubAdapter = "in-memory"
)

// IsValid reports whether a is one of the recognised adapter kinds.
func (a PubSubAdapter) IsValid() bool {
	switch a {
	case PubSubDurableLog, PubSubBroker, PubSubInMemory:
		return true
	}
	return false
}

// Config is the root configuration for both the ingress and ASR worker
// processes, assembled entirely from environment variables (see
// [Load]). Both processes load the same struct; each reads only the
// fields relevant to its role.
type Config struct {
	Server  ServerConfig
	PubSub  PubSubConfig
	Exotel  ExotelConfig
	ASR     ASRConfig
	Logging LoggingConfig

	// TenantOverridesPath, when non-empty, is a path to a YAML file of
	// per-tenant vocabulary and threshold overrides, hot-reloaded on a
	// poll interval.
	TenantOverridesPath string

	// CallRegistryURL, when non-empty, enables fire-and-forget call
	// start/end publication to an external registry endpoint.
	CallRegistryURL string
}

// ServerConfig holds the ingress server's network and protocol settings.
type ServerConfig struct {
	// Port is the TCP port the ingress WebSocket server listens on.
	Port int

	// BufferDurationMs bounds the per-connection replay ring
	// (ingress.ReplayRing) that retains each connection's recent frames.
	// No code path replays frames from the ring.
	BufferDurationMs int

	// AckInterval is the number of native-protocol frames between
	// {"event":"ack"} messages sent back to the client.
	AckInterval int

	// SSLKeyPath and SSLCertPath enable TLS when both are set. Setting
	// only one is a configuration error.
	SSLKeyPath  string
	SSLCertPath string

	// JWTPublicKeyPath is a PEM-encoded RSA public key file used to verify
	// native-protocol Bearer tokens (RS256). When empty, the native
	// protocol path is disabled and every Bearer-token upgrade is
	// rejected with 401.
	JWTPublicKeyPath string
}

// PubSubConfig selects and configures the pub/sub adapter used to publish
// ingested audio frames and call-end events.
type PubSubConfig struct {
	Adapter PubSubAdapter

	// BrokerURL is the websocket URL used when Adapter is [PubSubBroker].
	BrokerURL string

	// DurableLogDSN is the Postgres DSN used when Adapter is
	// [PubSubDurableLog].
	DurableLogDSN string
}

// ExotelConfig controls the telephony (Exotel-compatible) ingest path.
type ExotelConfig struct {
	// SupportExotel enables the telephony protocol handler alongside the
	// native protocol on the ingest WebSocket endpoint.
	SupportExotel bool

	// BridgeEnabled is reported on GET /health. Telephony publication does
	// not depend on it: SupportExotel alone enables the telephony path.
	BridgeEnabled bool

	// MaxBufferMs bounds the fallback buffer used to hold telephony audio
	// while the pub/sub adapter is unavailable.
	MaxBufferMs int
}

// ASRConfig selects and tunes the streaming ASR provider.
type ASRConfig struct {
	// Provider selects the ASR backend: "deepgram", "whisper", "gemini",
	// or "openai".
	Provider string

	// APIKey is the provider credential. Required (startup-fatal) for
	// every provider except "whisper", which runs a local model instead.
	APIKey string

	// ModelPath is the local whisper.cpp model file path, required when
	// Provider is "whisper".
	ModelPath string

	Model    string
	Language string

	VADSilenceThreshold float64
	VADThreshold        float64
	MinSpeechMs         int
	MinSilenceMs        int
	AmplificationFactor float64
	CommitInterval      time.Duration

	KeepaliveEnabled  bool
	KeepaliveInterval time.Duration
	MaxReconnect      int
	IncludeTimestamps bool

	// FallbackProvider, when non-empty, names a secondary provider
	// constructed the same way as Provider and wired behind
	// internal/resilience.ASRFallback.
	FallbackProvider string
	FallbackAPIKey   string
}

// LoggingConfig controls slog verbosity.
type LoggingConfig struct {
	Level LogLevel
}
