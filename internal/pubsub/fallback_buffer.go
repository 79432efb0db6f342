package pubsub

import (
	"sync"
	"time"

	"github.com/telephony-asr/bridge/pkg/types"
)

// bufferEntry pairs a frame with its enqueue time.
type bufferEntry struct {
	frame      types.AudioFrame
	enqueuedAt time.Time
}

// FallbackBuffer holds audio frames for one call that could not be
// published, bounded by the cumulative playback duration of its contents
// rather than by entry count or wall-clock age.
//
// Grounded on internal/agent/orchestrator.UtteranceBuffer's bounded, head-
// evicting ring — generalized here from entry-count+age bounding to a
// running audio-duration-sum bound, and extended with Drain/Requeue to
// support "on every successful publish, replay all buffered frames in
// order; on any failure, re-buffer the remainder", which the source
// buffer has no analogue for.
type FallbackBuffer struct {
	mu       sync.Mutex
	entries  []bufferEntry
	totalMs  int64
	maxMs    int64
}

// NewFallbackBuffer creates a buffer bounded by maxMs milliseconds of
// cumulative audio duration.
func NewFallbackBuffer(maxMs int64) *FallbackBuffer {
	return &FallbackBuffer{maxMs: maxMs}
}

// Add appends frame, evicting from the head while the cumulative duration
// exceeds maxMs.
func (b *FallbackBuffer) Add(frame types.AudioFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, bufferEntry{frame: frame, enqueuedAt: time.Now()})
	b.totalMs += frame.DurationMs()
	b.evict()
}

// evict removes entries from the head while the buffer exceeds its bound.
// Must be called with b.mu held. Surviving entries are copied to a fresh
// backing array so evicted frames can be garbage collected.
func (b *FallbackBuffer) evict() {
	start := 0
	for b.totalMs > b.maxMs && start < len(b.entries) {
		b.totalMs -= b.entries[start].frame.DurationMs()
		start++
	}
	if start == 0 {
		return
	}
	fresh := make([]bufferEntry, len(b.entries)-start)
	copy(fresh, b.entries[start:])
	b.entries = fresh
}

// Drain removes and returns all buffered frames in order, resetting the
// buffer to empty. Callers attempting a republish should call Drain, try to
// publish each frame in order, and Requeue any frame from the first failure
// onward.
func (b *FallbackBuffer) Drain() []types.AudioFrame {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]types.AudioFrame, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.frame
	}
	b.entries = nil
	b.totalMs = 0
	return out
}

// Requeue re-inserts frames (typically the undelivered remainder from a
// partially successful Drain-and-republish attempt) at the head of the
// buffer, preserving their original order and re-applying the duration
// bound.
func (b *FallbackBuffer) Requeue(frames []types.AudioFrame) {
	if len(frames) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	head := make([]bufferEntry, len(frames))
	now := time.Now()
	var headMs int64
	for i, f := range frames {
		head[i] = bufferEntry{frame: f, enqueuedAt: now}
		headMs += f.DurationMs()
	}
	b.entries = append(head, b.entries...)
	b.totalMs += headMs
	b.evict()
}

// Len returns the number of frames currently buffered.
func (b *FallbackBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// TotalMs returns the current cumulative buffered audio duration.
func (b *FallbackBuffer) TotalMs() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalMs
}
