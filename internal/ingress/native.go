package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/telephony-asr/bridge/internal/audio"
	"github.com/telephony-asr/bridge/pkg/types"
)

// ErrNativeNotStarted is returned when a binary frame arrives before the
// required `start` message.
var ErrNativeNotStarted = fmt.Errorf("ingress: native connection received audio before start")

// NativeHandler implements the native Bearer-token protocol (§6): a text
// `start` handshake followed by raw binary PCM16 frames, acknowledged every
// ACK_INTERVAL frames. One NativeHandler is created per authenticated
// WebSocket connection.
type NativeHandler struct {
	publisher   *Publisher
	ackInterval int
	ring        *ReplayRing

	mu             sync.Mutex
	started        bool
	interactionID  string
	tenantID       string
	sampleRateHz   int
	seq            uint64
	framesSinceAck int
}

// NewNativeHandler creates a handler bound to publisher. ackInterval must be
// positive; bufferDurationMs bounds the connection's replay ring.
func NewNativeHandler(publisher *Publisher, ackInterval int, bufferDurationMs int64) *NativeHandler {
	if ackInterval <= 0 {
		ackInterval = 1
	}
	return &NativeHandler{
		publisher:   publisher,
		ackInterval: ackInterval,
		ring:        NewReplayRing(bufferDurationMs),
	}
}

// HandleStart processes the initial text `start` message and returns the
// `started` reply to send back to the client.
func (h *NativeHandler) HandleStart(data []byte) (nativeStartedEvent, error) {
	var ev nativeStartEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nativeStartedEvent{}, fmt.Errorf("ingress: malformed native start event: %w", err)
	}
	if ev.Event != "start" {
		return nativeStartedEvent{}, fmt.Errorf("ingress: expected start event, got %q", ev.Event)
	}
	if ev.InteractionID == "" || ev.TenantID == "" || ev.SampleRate == 0 {
		return nativeStartedEvent{}, fmt.Errorf("ingress: native start event missing required fields")
	}
	if ev.Encoding != "pcm16" {
		return nativeStartedEvent{}, fmt.Errorf("ingress: unsupported native encoding %q, want pcm16", ev.Encoding)
	}

	h.mu.Lock()
	h.started = true
	h.interactionID = ev.InteractionID
	h.tenantID = ev.TenantID
	h.sampleRateHz = ev.SampleRate
	h.mu.Unlock()

	h.publisher.PublishCallStart(ev.TenantID, ev.InteractionID)

	return nativeStartedEvent{Event: "started", InteractionID: ev.InteractionID}, nil
}

// HandleBinary processes one raw PCM16 binary frame. It returns the ack
// event to send (with ok=true) every ACK_INTERVAL frames, and ok=false
// otherwise.
func (h *NativeHandler) HandleBinary(ctx context.Context, data []byte) (ack nativeAckEvent, ok bool, err error) {
	h.mu.Lock()
	started := h.started
	interactionID := h.interactionID
	tenantID := h.tenantID
	sampleRateHz := h.sampleRateHz
	h.mu.Unlock()

	if !started {
		return nativeAckEvent{}, false, ErrNativeNotStarted
	}

	if audio.LooksLikeJSON(data) {
		slog.Warn("ingress: native binary frame looks like control JSON, dropping",
			"interaction_id", interactionID)
		return nativeAckEvent{}, false, nil
	}
	if len(data)%2 != 0 {
		slog.Warn("ingress: odd-length native audio frame, dropping",
			"interaction_id", interactionID, "len", len(data))
		return nativeAckEvent{}, false, nil
	}

	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.framesSinceAck++
	shouldAck := h.framesSinceAck >= h.ackInterval
	if shouldAck {
		h.framesSinceAck = 0
	}
	h.mu.Unlock()

	frame := types.AudioFrame{
		TenantID:      tenantID,
		InteractionID: interactionID,
		Seq:           seq,
		TimestampMs:   time.Now().UnixMilli(),
		SampleRateHz:  sampleRateHz,
		Payload:       data,
	}
	h.ring.Add(frame)

	if err := h.publisher.PublishFrame(ctx, frame); err != nil {
		slog.Warn("ingress: publish native audio frame failed, buffered for retry",
			"interaction_id", interactionID, "seq", seq, "err", err)
	}

	if shouldAck {
		return nativeAckEvent{Event: "ack", Seq: seq}, true, nil
	}
	return nativeAckEvent{}, false, nil
}

// HandleClose publishes a call-end record with reason socket-close, unless
// the connection never completed its start handshake.
func (h *NativeHandler) HandleClose(ctx context.Context) {
	h.mu.Lock()
	started := h.started
	interactionID := h.interactionID
	tenantID := h.tenantID
	h.mu.Unlock()

	if !started {
		return
	}

	if err := h.publisher.PublishCallEnd(ctx, types.CallEnd{
		TenantID:      tenantID,
		InteractionID: interactionID,
		Reason:        types.ReasonSocketClose,
		TimestampMs:   time.Now().UnixMilli(),
	}); err != nil {
		slog.Warn("ingress: publish call-end on socket close failed", "interaction_id", interactionID, "err", err)
	}
}
