package ingress

import "encoding/json"

// telephonyEnvelope is decoded first to discover the event discriminator
// before unmarshalling into the full event-specific shape.
type telephonyEnvelope struct {
	Event string `json:"event"`
}

// telephonyStartEvent is the `start` event on the telephony protocol
// (§6): it carries the stream identifier and media format declared by the
// origin platform.
type telephonyStartEvent struct {
	Event          string                 `json:"event"`
	SequenceNumber string                 `json:"sequence_number"`
	StreamSID      string                 `json:"stream_sid"`
	Start          telephonyStartPayload  `json:"start"`
}

type telephonyStartPayload struct {
	CallSID          string            `json:"call_sid"`
	AccountSID       string            `json:"account_sid"`
	From             string            `json:"from"`
	To               string            `json:"to"`
	CustomParameters map[string]string `json:"custom_parameters,omitempty"`
	MediaFormat      telephonyMediaFormat `json:"media_format"`
}

type telephonyMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate string `json:"sample_rate"`
	BitRate    string `json:"bit_rate,omitempty"`
}

// telephonyMediaEvent is the `media` event carrying one base64 PCM16 chunk.
type telephonyMediaEvent struct {
	Event     string             `json:"event"`
	StreamSID string             `json:"stream_sid"`
	Media     telephonyMediaData `json:"media"`
}

type telephonyMediaData struct {
	Chunk     int    `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

// telephonyStopEvent is the `stop` event marking the end of a stream.
type telephonyStopEvent struct {
	Event     string             `json:"event"`
	StreamSID string             `json:"stream_sid"`
	Stop      telephonyStopData  `json:"stop"`
}

type telephonyStopData struct {
	CallSID    string `json:"call_sid"`
	AccountSID string `json:"account_sid"`
	Reason     string `json:"reason"`
}

// parseTelephonyEnvelope reports which event arrived, deferring full
// unmarshalling to the caller once it knows which shape to use.
func parseTelephonyEnvelope(data []byte) (string, error) {
	var env telephonyEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.Event, nil
}

// nativeStartEvent is the native Bearer-token protocol's `start` message.
type nativeStartEvent struct {
	Event         string `json:"event"`
	InteractionID string `json:"interaction_id"`
	TenantID      string `json:"tenant_id"`
	SampleRate    int    `json:"sample_rate"`
	Encoding      string `json:"encoding"`
}

// nativeStartedEvent is the server's reply to a valid native start message.
type nativeStartedEvent struct {
	Event         string `json:"event"`
	InteractionID string `json:"interaction_id"`
}

// nativeAckEvent is sent every ACK_INTERVAL received frames.
type nativeAckEvent struct {
	Event string `json:"event"`
	Seq   uint64 `json:"seq"`
}
