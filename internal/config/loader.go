package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// ValidASRProviders lists the recognised [ASRConfig.Provider] values.
// Used by [Validate] to warn about unrecognised provider names.
var ValidASRProviders = []string{"deepgram", "whisper", "gemini", "openai"}

// Load reads the recognised environment variables (see SPEC_FULL.md §6) and
// returns a validated [Config]. A non-nil error means a hard startup
// failure: invalid ranges, malformed values, or missing credentials for
// the selected ASR provider.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:             envInt("PORT", 8080),
			BufferDurationMs: envInt("BUFFER_DURATION_MS", 2000),
			AckInterval:      envInt("ACK_INTERVAL", 50),
			SSLKeyPath:       os.Getenv("SSL_KEY_PATH"),
			SSLCertPath:      os.Getenv("SSL_CERT_PATH"),
			JWTPublicKeyPath: os.Getenv("JWT_PUBLIC_KEY_PATH"),
		},
		PubSub: PubSubConfig{
			Adapter:       PubSubAdapter(envOr("PUBSUB_ADAPTER", string(PubSubInMemory))),
			BrokerURL:     os.Getenv("PUBSUB_BROKER_URL"),
			DurableLogDSN: os.Getenv("PUBSUB_DURABLE_LOG_DSN"),
		},
		Exotel: ExotelConfig{
			SupportExotel: envBool("SUPPORT_EXOTEL", false),
			BridgeEnabled: envBool("EXO_BRIDGE_ENABLED", false),
			MaxBufferMs:   envInt("EXO_MAX_BUFFER_MS", 2000),
		},
		ASR: ASRConfig{
			Provider:  os.Getenv("ASR_PROVIDER"),
			APIKey:    os.Getenv("ASR_API_KEY"),
			ModelPath: os.Getenv("ASR_MODEL_PATH"),
			Model:     os.Getenv("ASR_MODEL"),
			Language:  os.Getenv("ASR_LANGUAGE"),

			VADSilenceThreshold: envFloat("ASR_VAD_SILENCE_THRESHOLD", 0.5),
			VADThreshold:        envFloat("ASR_VAD_THRESHOLD", 0.5),
			MinSpeechMs:         envInt("ASR_MIN_SPEECH_MS", 100),
			MinSilenceMs:        envInt("ASR_MIN_SILENCE_MS", 300),
			AmplificationFactor: envFloat("ASR_AMPLIFICATION_FACTOR", 1.0),
			CommitInterval:      envDuration("ASR_COMMIT_INTERVAL_MS", 25*time.Second),

			KeepaliveEnabled:  envBool("ASR_KEEPALIVE_ENABLED", true),
			KeepaliveInterval: envDuration("ASR_KEEPALIVE_INTERVAL_MS", 3*time.Second),
			MaxReconnect:      envInt("ASR_MAX_RECONNECT", 3),
			IncludeTimestamps: envBool("ASR_INCLUDE_TIMESTAMPS", false),

			FallbackProvider: os.Getenv("ASR_FALLBACK_PROVIDER"),
			FallbackAPIKey:   os.Getenv("ASR_FALLBACK_API_KEY"),
		},
		Logging: LoggingConfig{
			Level: LogLevel(envOr("LOG_LEVEL", string(LogLevelInfo))),
		},
		TenantOverridesPath: os.Getenv("TENANT_OVERRIDES_PATH"),
		CallRegistryURL:     os.Getenv("CALL_REGISTRY_URL"),
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent, startable configuration.
// It returns a joined error listing every failure found; advisory-only
// issues are logged via slog.Warn instead of failing the process.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d is out of range [1, 65535]", cfg.Server.Port))
	}
	if cfg.Server.BufferDurationMs < 100 || cfg.Server.BufferDurationMs > 30000 {
		errs = append(errs, fmt.Errorf("BUFFER_DURATION_MS %d is out of range [100, 30000]", cfg.Server.BufferDurationMs))
	}
	if cfg.Server.AckInterval < 1 || cfg.Server.AckInterval > 1000 {
		errs = append(errs, fmt.Errorf("ACK_INTERVAL %d is out of range [1, 1000]", cfg.Server.AckInterval))
	}
	if (cfg.Server.SSLKeyPath == "") != (cfg.Server.SSLCertPath == "") {
		errs = append(errs, errors.New("SSL_KEY_PATH and SSL_CERT_PATH must both be set or both be empty"))
	}

	if !cfg.PubSub.Adapter.IsValid() {
		errs = append(errs, fmt.Errorf("PUBSUB_ADAPTER %q is invalid; valid values: durable-log, broker, in-memory", cfg.PubSub.Adapter))
	} else {
		switch cfg.PubSub.Adapter {
		case PubSubBroker:
			if cfg.PubSub.BrokerURL == "" {
				errs = append(errs, errors.New("PUBSUB_BROKER_URL is required when PUBSUB_ADAPTER=broker"))
			}
		case PubSubDurableLog:
			if cfg.PubSub.DurableLogDSN == "" {
				errs = append(errs, errors.New("PUBSUB_DURABLE_LOG_DSN is required when PUBSUB_ADAPTER=durable-log"))
			}
		}
	}

	if cfg.Exotel.SupportExotel {
		if cfg.Exotel.MaxBufferMs < 100 || cfg.Exotel.MaxBufferMs > 10000 {
			errs = append(errs, fmt.Errorf("EXO_MAX_BUFFER_MS %d is out of range [100, 10000]", cfg.Exotel.MaxBufferMs))
		}
	} else if cfg.Exotel.BridgeEnabled {
		slog.Warn("EXO_BRIDGE_ENABLED is set but SUPPORT_EXOTEL is false; the bridge will never activate")
	}

	validateASRProviderName(cfg.ASR.Provider)
	switch cfg.ASR.Provider {
	case "":
		errs = append(errs, errors.New("ASR_PROVIDER is required"))
	case "whisper":
		if cfg.ASR.ModelPath == "" {
			errs = append(errs, errors.New("ASR_MODEL_PATH is required when ASR_PROVIDER=whisper"))
		}
	default:
		if cfg.ASR.APIKey == "" {
			errs = append(errs, fmt.Errorf("ASR_API_KEY is required for ASR_PROVIDER=%s", cfg.ASR.Provider))
		}
	}
	if cfg.ASR.FallbackProvider != "" {
		validateASRProviderName(cfg.ASR.FallbackProvider)
		if cfg.ASR.FallbackProvider != "whisper" && cfg.ASR.FallbackAPIKey == "" {
			errs = append(errs, fmt.Errorf("ASR_FALLBACK_API_KEY is required for ASR_FALLBACK_PROVIDER=%s", cfg.ASR.FallbackProvider))
		}
	}

	if !cfg.Logging.Level.IsValid() {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is invalid; valid values: debug, info, warn, error", cfg.Logging.Level))
	}

	return errors.Join(errs...)
}

// validateASRProviderName logs a warning if name is non-empty and not
// found in [ValidASRProviders]. Unknown names are not a hard failure since
// an operator may be running a provider adapter added after this list.
func validateASRProviderName(name string) {
	if name == "" {
		return
	}
	for _, known := range ValidASRProviders {
		if known == name {
			return
		}
	}
	slog.Warn("unknown ASR provider name — may be a typo or third-party provider",
		"name", name,
		"known", ValidASRProviders,
	)
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("invalid float env var, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid boolean env var, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return b
}

func envDuration(key string, fallbackMs time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallbackMs
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid duration (ms) env var, using default", "key", key, "value", v, "default", fallbackMs)
		return fallbackMs
	}
	return time.Duration(ms) * time.Millisecond
}
