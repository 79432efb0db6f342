// Command asrworker consumes decoded audio frames from the pub/sub fabric
// and drives the ASR provider for each in-flight call.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/telephony-asr/bridge/internal/app"
	"github.com/telephony-asr/bridge/internal/config"
	"github.com/telephony-asr/bridge/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "asrworker: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	slog.Info("asrworker starting",
		"asr_provider", cfg.ASR.Provider,
		"asr_fallback_provider", cfg.ASR.FallbackProvider,
		"pubsub_adapter", cfg.PubSub.Adapter,
		"log_level", cfg.Logging.Level,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "asrworker"})
	if err != nil {
		slog.Error("failed to initialise OpenTelemetry providers", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("otel shutdown error", "err", err)
		}
	}()

	application, err := app.NewWorkerApp(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise ASR worker", "err", err)
		return 1
	}

	slog.Info("asrworker ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogLevelDebug:
		lvl = slog.LevelDebug
	case config.LogLevelWarn:
		lvl = slog.LevelWarn
	case config.LogLevelError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
