package ingress

import (
	"sync"

	"github.com/telephony-asr/bridge/pkg/types"
)

// ReplayRing holds the most recent frames of one connection, bounded by
// cumulative playback duration rather than entry count, to support short
// replay on transient pub/sub loss (§4.C). Oldest entries are discarded
// first once the bound is exceeded.
//
// Grounded on the same bounded-duration-ring idiom as
// [pubsub.FallbackBuffer], applied here per-connection instead of per-call
// publish-failure buffering.
type ReplayRing struct {
	mu      sync.Mutex
	frames  []types.AudioFrame
	totalMs int64
	maxMs   int64
}

// NewReplayRing creates a ring bounded by maxMs of cumulative audio.
func NewReplayRing(maxMs int64) *ReplayRing {
	return &ReplayRing{maxMs: maxMs}
}

// Add appends frame, evicting from the head while over the duration bound.
func (r *ReplayRing) Add(frame types.AudioFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frames = append(r.frames, frame)
	r.totalMs += frame.DurationMs()

	start := 0
	for r.totalMs > r.maxMs && start < len(r.frames) {
		r.totalMs -= r.frames[start].DurationMs()
		start++
	}
	if start > 0 {
		fresh := make([]types.AudioFrame, len(r.frames)-start)
		copy(fresh, r.frames[start:])
		r.frames = fresh
	}
}

// Snapshot returns a copy of the currently retained frames, oldest first.
func (r *ReplayRing) Snapshot() []types.AudioFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.AudioFrame, len(r.frames))
	copy(out, r.frames)
	return out
}

// Len returns the number of frames currently retained.
func (r *ReplayRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}
