// Package asr defines the Provider interface for streaming speech-to-text
// backends used by the ASR worker.
//
// An ASR provider wraps a real-time transcription service (Deepgram, a
// local whisper.cpp model, Gemini's live API, or OpenAI's realtime
// transcription endpoint) and exposes a uniform streaming interface. The
// central abstraction is SessionHandle: once opened, a session accepts raw
// PCM16 audio frames and emits two streams of Transcript values — low-
// latency partials, and authoritative finals.
//
// Implementations must be safe for concurrent use.
package asr

import (
	"context"
	"errors"

	"github.com/telephony-asr/bridge/pkg/types"
)

// ErrNotSupported is returned by optional capabilities a provider does not
// implement (e.g. mid-session keyword updates).
var ErrNotSupported = errors.New("asr: capability not supported by this provider")

// StreamConfig describes the audio format and recognition hints for a new
// ASR session.
type StreamConfig struct {
	// SampleRateHz is the audio sample rate in Hz: 8000 or 16000.
	SampleRateHz int

	// Channels is always 1 (mono) on this system.
	Channels int

	// Language is the BCP-47 language tag. Empty lets the provider
	// auto-detect, if supported.
	Language string

	// Model optionally selects a provider-specific model name.
	Model string

	// InteractionID is the call this session belongs to, used by providers
	// that need it for logging or multiplexed protocols.
	InteractionID string
}

// SessionHandle represents an open ASR streaming session. It is an
// interface so test code can substitute a mock without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed. All
// methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM16 audio bytes to the provider.
	// Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel of low-latency interim
	// transcripts. Closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals returns a read-only channel of authoritative transcripts.
	// Closed when the session ends.
	Finals() <-chan types.Transcript

	// Errors returns a read-only channel of provider-reported errors,
	// classified by the provider adapter (see ProviderError). Closed when
	// the session ends.
	Errors() <-chan *ProviderError

	// SendKeepalive emits the provider's idle-prevention sentinel on the
	// underlying transport, if it has one. Providers without an idle
	// timeout may no-op.
	SendKeepalive(ctx context.Context) error

	// Ready reports whether the session has completed its handshake and can
	// accept audio immediately (vs. still connecting).
	Ready() bool

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. Safe to call more than once.
	Close() error
}

// Committer is an optional SessionHandle capability for providers whose
// commit strategy is explicit: audio already sent via SendAudio sits in a
// server-side buffer until Commit flushes it and requests a transcription.
// Providers that transcribe every chunk automatically (most streaming ASR
// backends) do not implement this interface; callers type-assert for it.
type Committer interface {
	Commit(ctx context.Context) error
}

// Provider is the abstraction over any ASR backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. Returns an
	// error if the provider cannot establish the session (authentication
	// failure, unsupported configuration, or ctx already cancelled).
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

// ErrorKind classifies a provider-reported error into the three categories
// the Provider Session Manager reacts to differently.
type ErrorKind int

const (
	// ErrorKindTransient indicates a network/timeout condition; the caller
	// should reconnect with backoff.
	ErrorKindTransient ErrorKind = iota
	// ErrorKindPermanent indicates invalid audio format or invalid
	// credentials; the caller should not reconnect.
	ErrorKindPermanent
	// ErrorKindAuth indicates an authentication failure; never triggers a
	// reconnect.
	ErrorKindAuth
	// ErrorKindUnknown is logged and otherwise ignored.
	ErrorKindUnknown
)

// ProviderError is the tagged-variant error event a provider adapter emits
// on its Errors channel, replacing ad hoc string-matched exceptions.
type ProviderError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error { return e.Cause }
