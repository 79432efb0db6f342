// Package ingress implements the telephony and native WebSocket front ends
// (§4.B, §4.C): accepting connections, decoding/validating audio frames,
// and publishing them to the pub/sub fabric in call order.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/telephony-asr/bridge/internal/audio"
	"github.com/telephony-asr/bridge/internal/observe"
	"github.com/telephony-asr/bridge/internal/pubsub"
	"github.com/telephony-asr/bridge/internal/registry"
	"github.com/telephony-asr/bridge/pkg/types"
)

// audioRecord is the audio-topic wire record, per SPEC_FULL §6: audio bytes
// travel as base64 so the pub/sub payload stays serialization-agnostic.
type audioRecord struct {
	TenantID      string `json:"tenant_id"`
	InteractionID string `json:"interaction_id"`
	Seq           uint64 `json:"seq"`
	TimestampMs   int64  `json:"timestamp_ms"`
	SampleRate    int    `json:"sample_rate"`
	Encoding      string `json:"encoding"`
	Audio         string `json:"audio"`
}

// callEndRecord is the control-topic wire record for a terminated call.
type callEndRecord struct {
	InteractionID string `json:"interaction_id"`
	TenantID      string `json:"tenant_id"`
	CallSID       string `json:"call_sid"`
	StreamSID     string `json:"stream_sid"`
	Reason        string `json:"reason"`
	TimestampMs   int64  `json:"timestamp_ms"`
}

// Publisher publishes audio frames and call-end events on behalf of both the
// telephony and native protocol handlers, buffering frames per call when the
// underlying adapter rejects a publish (§4.E) and re-draining the buffer on
// the next successful publish for that call.
type Publisher struct {
	adapter pubsub.Adapter
	hook    *registry.Hook
	maxMs   int64

	mu       sync.Mutex
	fallback map[string]*pubsub.FallbackBuffer
}

// NewPublisher creates a Publisher. hook may be nil (Call Registry disabled).
func NewPublisher(adapter pubsub.Adapter, hook *registry.Hook, maxBufferMs int64) *Publisher {
	return &Publisher{
		adapter:  adapter,
		hook:     hook,
		maxMs:    maxBufferMs,
		fallback: make(map[string]*pubsub.FallbackBuffer),
	}
}

// PublishFrame encodes frame as an audio record and publishes it, ordered by
// frame.InteractionID. On publish failure the frame is appended to that
// call's bounded fallback buffer instead of being dropped; on success, any
// previously buffered frames for the call are drained and republished first,
// in order, ahead of frame.
func (p *Publisher) PublishFrame(ctx context.Context, frame types.AudioFrame) error {
	buf := p.bufferFor(frame.InteractionID)

	if buf.Len() > 0 {
		pending := buf.Drain()
		for i, f := range pending {
			if err := p.tryPublishFrame(ctx, f); err != nil {
				buf.Requeue(pending[i:])
				buf.Add(frame)
				return fmt.Errorf("ingress: republish buffered frame: %w", err)
			}
		}
	}

	if err := p.tryPublishFrame(ctx, frame); err != nil {
		buf.Add(frame)
		return err
	}
	return nil
}

func (p *Publisher) tryPublishFrame(ctx context.Context, frame types.AudioFrame) error {
	rec := audioRecord{
		TenantID:      frame.TenantID,
		InteractionID: frame.InteractionID,
		Seq:           frame.Seq,
		TimestampMs:   frame.TimestampMs,
		SampleRate:    frame.SampleRateHz,
		Encoding:      "pcm16",
		Audio:         audio.EncodeBase64PCM16(frame.Payload),
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ingress: marshal audio record: %w", err)
	}
	if err := p.adapter.Publish(ctx, pubsub.Message{
		Topic: pubsub.TopicAudio,
		Key:   frame.InteractionID,
		Value: value,
	}); err != nil {
		return err
	}
	observe.DefaultMetrics().RecordFramePublished(ctx, frame.TenantID)
	return nil
}

// PublishCallEnd publishes a call-end record to the control topic and
// notifies the Call Registry hook, then discards the call's fallback buffer.
func (p *Publisher) PublishCallEnd(ctx context.Context, end types.CallEnd) error {
	rec := callEndRecord{
		InteractionID: end.InteractionID,
		TenantID:      end.TenantID,
		CallSID:       end.CallSID,
		StreamSID:     end.StreamSID,
		Reason:        string(end.Reason),
		TimestampMs:   end.TimestampMs,
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ingress: marshal call-end record: %w", err)
	}

	err = p.adapter.Publish(ctx, pubsub.Message{
		Topic: pubsub.TopicControl,
		Key:   end.InteractionID,
		Value: value,
	})
	if err != nil {
		slog.Warn("ingress: failed to publish call-end", "interaction_id", end.InteractionID, "err", err)
	}

	p.hook.PublishCallEnd(registry.CallEndEvent{
		InteractionID: end.InteractionID,
		TenantID:      end.TenantID,
		Reason:        string(end.Reason),
		EndedAt:       time.Now(),
	})

	p.mu.Lock()
	delete(p.fallback, end.InteractionID)
	p.mu.Unlock()

	return err
}

// PublishCallStart notifies the Call Registry hook that a call began. It
// never fails the caller — the hook is fire-and-forget.
func (p *Publisher) PublishCallStart(tenantID, interactionID string) {
	p.hook.PublishCallStart(registry.CallStartEvent{
		InteractionID: interactionID,
		TenantID:      tenantID,
		StartedAt:     time.Now(),
	})
}

func (p *Publisher) bufferFor(interactionID string) *pubsub.FallbackBuffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf, ok := p.fallback[interactionID]
	if !ok {
		buf = pubsub.NewFallbackBuffer(p.maxMs)
		p.fallback[interactionID] = buf
	}
	return buf
}

// ForgetCall discards interactionID's fallback buffer without publishing a
// call-end record, for abrupt disconnects where no explicit stop/call-end
// event was received.
func (p *Publisher) ForgetCall(interactionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.fallback, interactionID)
}
