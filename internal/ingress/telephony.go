package ingress

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/telephony-asr/bridge/internal/audio"
	"github.com/telephony-asr/bridge/pkg/types"
)

// TelephonyState is the per-stream state in the §4.B state machine.
type TelephonyState int

const (
	TelephonyStateNew TelephonyState = iota
	TelephonyStateActive
	TelephonyStateTerminated
)

// allowed inbound sample rates per the §4.B sample-rate policy. 24000 is
// relabeled to 16000; anything else defaults to 8000 with a warning.
const (
	rate8k  = 8000
	rate16k = 16000
	rate24k = 24000
)

// TelephonyHandler implements the §4.B Telephony Session Handler: it owns
// one stream's state across `connected`/`start`/`media`/`stop`/`dtmf`/`mark`
// events and publishes decoded audio frames and call-end records through a
// [Publisher]. One TelephonyHandler instance is created per WebSocket
// connection by the Ingress Server.
type TelephonyHandler struct {
	publisher       *Publisher
	amplifyFactor   float64
	amplifyEnabled  bool

	mu            sync.Mutex
	state         TelephonyState
	streamSID     string
	interactionID string
	tenantID      string
	sampleRateHz  int
	seq           uint64
}

// NewTelephonyHandler creates a handler bound to publisher. amplifyFactor is
// applied to 8 kHz frames only, when non-zero and not equal to 1.
func NewTelephonyHandler(publisher *Publisher, amplifyFactor float64) *TelephonyHandler {
	return &TelephonyHandler{
		publisher:      publisher,
		amplifyFactor:  amplifyFactor,
		amplifyEnabled: amplifyFactor > 0 && amplifyFactor != 1,
		state:          TelephonyStateNew,
	}
}

// HandleMessage processes one inbound telephony event, routed by its
// `event` discriminator. Protocol errors are soft: the offending message is
// logged and dropped, never surfaced as a connection-ending error.
func (h *TelephonyHandler) HandleMessage(ctx context.Context, data []byte) {
	event, err := parseTelephonyEnvelope(data)
	if err != nil {
		slog.Warn("ingress: malformed telephony event, dropping", "err", err)
		return
	}

	switch event {
	case "connected":
		// Acknowledged implicitly — no state change, no reply required.
	case "start":
		h.handleStart(ctx, data)
	case "media":
		h.handleMedia(ctx, data)
	case "dtmf", "mark":
		slog.Debug("ingress: telephony event recorded, no action", "event", event)
	case "stop":
		h.handleStop(ctx, data)
	default:
		slog.Warn("ingress: unknown telephony event, dropping", "event", event)
	}
}

func (h *TelephonyHandler) handleStart(ctx context.Context, data []byte) {
	var ev telephonyStartEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Warn("ingress: malformed start event, dropping", "err", err)
		return
	}

	interactionID := ev.Start.CallSID
	if interactionID == "" {
		interactionID = ev.StreamSID
	}
	sampleRateHz := normalizeSampleRate(ev.Start.MediaFormat.SampleRate)

	h.mu.Lock()
	h.state = TelephonyStateActive
	h.streamSID = ev.StreamSID
	h.interactionID = interactionID
	h.tenantID = ev.Start.AccountSID
	h.sampleRateHz = sampleRateHz
	h.mu.Unlock()

	h.publisher.PublishCallStart(ev.Start.AccountSID, interactionID)
	slog.Info("ingress: telephony call started",
		"interaction_id", interactionID, "stream_sid", ev.StreamSID, "sample_rate_hz", sampleRateHz)
}

// normalizeSampleRate applies the §4.B sample-rate policy: 24000 relabels to
// 16000, unrecognized values default to 8000 with a warning.
func normalizeSampleRate(declared string) int {
	switch declared {
	case "8000":
		return rate8k
	case "16000":
		return rate16k
	case "24000":
		return rate16k
	default:
		slog.Warn("ingress: unrecognized telephony sample rate, defaulting to 8000", "declared", declared)
		return rate8k
	}
}

func (h *TelephonyHandler) handleMedia(ctx context.Context, data []byte) {
	h.mu.Lock()
	if h.state != TelephonyStateActive {
		h.mu.Unlock()
		slog.Warn("ingress: media event received outside active state, dropping")
		return
	}
	interactionID := h.interactionID
	tenantID := h.tenantID
	sampleRateHz := h.sampleRateHz
	h.mu.Unlock()

	var ev telephonyMediaEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Warn("ingress: malformed media event, dropping", "err", err)
		return
	}

	pcm, err := audio.DecodeBase64PCM16(ev.Media.Payload)
	if err != nil {
		slog.Warn("ingress: invalid media payload, dropping", "interaction_id", interactionID, "err", err)
		return
	}

	if sampleRateHz == rate8k && h.amplifyEnabled {
		pcm = audio.Amplify(pcm, h.amplifyFactor)
	}

	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.mu.Unlock()

	frame := types.AudioFrame{
		TenantID:      tenantID,
		InteractionID: interactionID,
		Seq:           seq,
		TimestampMs:   time.Now().UnixMilli(),
		SampleRateHz:  sampleRateHz,
		Payload:       pcm,
	}

	if err := h.publisher.PublishFrame(ctx, frame); err != nil {
		slog.Warn("ingress: publish audio frame failed, buffered for retry",
			"interaction_id", interactionID, "seq", seq, "err", err)
	}
}

func (h *TelephonyHandler) handleStop(ctx context.Context, data []byte) {
	var ev telephonyStopEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Warn("ingress: malformed stop event, dropping", "err", err)
		return
	}

	h.mu.Lock()
	h.state = TelephonyStateTerminated
	interactionID := h.interactionID
	tenantID := h.tenantID
	h.mu.Unlock()

	reason := ev.Stop.Reason
	if reason == "" {
		reason = string(types.ReasonCallEnded)
	}

	if err := h.publisher.PublishCallEnd(ctx, types.CallEnd{
		TenantID:      tenantID,
		InteractionID: interactionID,
		StreamSID:     ev.StreamSID,
		CallSID:       ev.Stop.CallSID,
		Reason:        types.CallEndReason(reason),
		TimestampMs:   time.Now().UnixMilli(),
	}); err != nil {
		slog.Warn("ingress: publish call-end failed", "interaction_id", interactionID, "err", err)
	}
}

// HandleClose is invoked by the Ingress Server when the underlying socket
// closes without a prior `stop` event. It publishes a call-end record with
// reason socket-close, unless the stream never reached the Active state.
func (h *TelephonyHandler) HandleClose(ctx context.Context) {
	h.mu.Lock()
	already := h.state == TelephonyStateTerminated
	state := h.state
	interactionID := h.interactionID
	tenantID := h.tenantID
	streamSID := h.streamSID
	h.state = TelephonyStateTerminated
	h.mu.Unlock()

	if already || state == TelephonyStateNew {
		return
	}

	if err := h.publisher.PublishCallEnd(ctx, types.CallEnd{
		TenantID:      tenantID,
		InteractionID: interactionID,
		StreamSID:     streamSID,
		Reason:        types.ReasonSocketClose,
		TimestampMs:   time.Now().UnixMilli(),
	}); err != nil {
		slog.Warn("ingress: publish call-end on socket close failed", "interaction_id", interactionID, "err", err)
	}
}
