package session

import (
	"sync"
	"time"

	"github.com/telephony-asr/bridge/pkg/types"
)

// shortFrameDeadline and longFrameDeadline are the two resolver deadlines:
// frames of at least shortFrameMs get the shorter deadline since the
// provider has enough audio to produce a transcript quickly; smaller frames
// get the longer deadline to give the provider room to accumulate enough
// audio to respond at all.
const (
	shortFrameMs       = 200
	shortFrameDeadline = 5 * time.Second
	longFrameDeadline  = 10 * time.Second

	// maxPending bounds the queue; a call sending audio faster than the
	// provider ever responds should not grow this unbounded.
	maxPending = 100
)

// pendingSend is a single outstanding audio send awaiting a transcript.
type pendingSend struct {
	seq        uint64
	sendTime   time.Time
	bytes      int
	durationMs int64
	deadline   time.Time
	resolve    chan types.Transcript
}

// PendingTracker matches provider transcript events to the audio sends that
// triggered them, by seq when the provider echoes it and by FIFO order
// otherwise. It also evicts entries that have waited past their deadline.
//
// The closest adjacent pattern is the Deepgram provider's partials/finals
// channel split plus seq-carrying responses; no ordered resolver queue
// exists elsewhere in this codebase, so the queue is a plain slice with
// no third-party structure fitting it.
//
// All methods are safe for concurrent use.
type PendingTracker struct {
	mu    sync.Mutex
	queue []*pendingSend
}

// NewPendingTracker creates an empty tracker.
func NewPendingTracker() *PendingTracker {
	return &PendingTracker{}
}

// Enqueue records a new pending send and returns a channel that receives
// exactly one Transcript: either the matched provider result, or an empty
// Transcript if the deadline elapses first via [PendingTracker.EvictExpired].
// If the queue is at capacity, the oldest entry is dropped (resolved empty)
// to make room.
func (t *PendingTracker) Enqueue(seq uint64, bytes int, durationMs int64) <-chan types.Transcript {
	deadline := longFrameDeadline
	if durationMs >= shortFrameMs {
		deadline = shortFrameDeadline
	}

	now := time.Now()
	ps := &pendingSend{
		seq:        seq,
		sendTime:   now,
		bytes:      bytes,
		durationMs: durationMs,
		deadline:   now.Add(deadline),
		resolve:    make(chan types.Transcript, 1),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.queue) >= maxPending {
		oldest := t.queue[0]
		t.queue = t.queue[1:]
		oldest.resolve <- types.Transcript{}
		close(oldest.resolve)
	}
	t.queue = append(t.queue, ps)

	return ps.resolve
}

// Resolve matches a received transcript to a pending send and delivers it.
// If transcript.Seq is non-zero, the matching entry by seq is removed
// (falling back to FIFO if no seq matches); otherwise the oldest entry is
// resolved. Resolve reports the processing-time metric sample
// (now - pending_send.send_time), or zero if nothing was pending.
func (t *PendingTracker) Resolve(transcript types.Transcript) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.queue) == 0 {
		return 0
	}

	idx := 0
	if transcript.Seq != 0 {
		found := false
		for i, ps := range t.queue {
			if ps.seq == transcript.Seq {
				idx = i
				found = true
				break
			}
		}
		if !found {
			idx = 0
		}
	}

	ps := t.queue[idx]
	t.queue = append(t.queue[:idx], t.queue[idx+1:]...)

	elapsed := time.Since(ps.sendTime)
	ps.resolve <- transcript
	close(ps.resolve)
	return elapsed
}

// EvictExpired resolves every entry whose deadline has passed with an empty
// Transcript, removing them from the queue. Returns the number evicted.
func (t *PendingTracker) EvictExpired(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var kept []*pendingSend
	evicted := 0
	for _, ps := range t.queue {
		if now.After(ps.deadline) {
			ps.resolve <- types.Transcript{}
			close(ps.resolve)
			evicted++
			continue
		}
		kept = append(kept, ps)
	}
	t.queue = kept
	return evicted
}

// Len returns the number of outstanding pending sends.
func (t *PendingTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Drain resolves every outstanding entry with an empty Transcript and empties
// the queue. Used on session close.
func (t *PendingTracker) Drain() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ps := range t.queue {
		ps.resolve <- types.Transcript{}
		close(ps.resolve)
	}
	t.queue = nil
}
