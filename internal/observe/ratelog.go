package observe

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RateLimitedLogger wraps an [slog.Logger] with a per-message-template token
// bucket for Debug and Info records. Warn and Error records always pass
// through unthrottled — only the high-volume per-frame/per-chunk verbose
// channel needs rate limiting.
//
// Each distinct msg string gets its own bucket, refilled at a fixed rate.
// Once a bucket is empty, further records sharing that msg are dropped (with
// a running drop count) until the next refill.
type RateLimitedLogger struct {
	logger *slog.Logger

	burst      int
	refillEach time.Duration

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

type tokenBucket struct {
	tokens     int
	lastRefill time.Time
	dropped    int
}

// NewRateLimitedLogger returns a RateLimitedLogger that allows burst records
// per distinct message template every refillEach interval.
func NewRateLimitedLogger(logger *slog.Logger, burst int, refillEach time.Duration) *RateLimitedLogger {
	if burst <= 0 {
		burst = 1
	}
	if refillEach <= 0 {
		refillEach = time.Second
	}
	return &RateLimitedLogger{
		logger:     logger,
		burst:      burst,
		refillEach: refillEach,
		buckets:    make(map[string]*tokenBucket),
	}
}

// Debug logs at debug level, subject to the rate limit for msg's bucket.
func (r *RateLimitedLogger) Debug(ctx context.Context, msg string, args ...any) {
	r.logThrottled(ctx, slog.LevelDebug, msg, args...)
}

// Info logs at info level, subject to the rate limit for msg's bucket.
func (r *RateLimitedLogger) Info(ctx context.Context, msg string, args ...any) {
	r.logThrottled(ctx, slog.LevelInfo, msg, args...)
}

// Warn always logs, unthrottled.
func (r *RateLimitedLogger) Warn(ctx context.Context, msg string, args ...any) {
	r.logger.WarnContext(ctx, msg, args...)
}

// Error always logs, unthrottled.
func (r *RateLimitedLogger) Error(ctx context.Context, msg string, args ...any) {
	r.logger.ErrorContext(ctx, msg, args...)
}

func (r *RateLimitedLogger) logThrottled(ctx context.Context, level slog.Level, msg string, args ...any) {
	allowed, dropped := r.allow(msg)
	if !allowed {
		return
	}
	if dropped > 0 {
		args = append(args, slog.Int("dropped_since_last", dropped))
	}
	r.logger.Log(ctx, level, msg, args...)
}

// allow reports whether a record for msg may proceed, and if so how many
// prior records for the same msg were dropped since the last one that was
// allowed through.
func (r *RateLimitedLogger) allow(msg string) (ok bool, droppedSinceLast int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	b, exists := r.buckets[msg]
	if !exists {
		b = &tokenBucket{tokens: r.burst, lastRefill: now}
		r.buckets[msg] = b
	} else if elapsed := now.Sub(b.lastRefill); elapsed >= r.refillEach {
		intervals := int(elapsed / r.refillEach)
		b.tokens = min(r.burst, b.tokens+intervals)
		b.lastRefill = now
	}

	if b.tokens <= 0 {
		b.dropped++
		return false, 0
	}
	b.tokens--
	dropped := b.dropped
	b.dropped = 0
	return true, dropped
}
