// Package mock provides test doubles for the asr package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript and ProviderError
// values and inspect which audio chunks were delivered.
//
// Grounded on pkg/provider/stt/mock: the same call-recording Provider/Session
// pair, extended with ErrsCh/ReadyVal/SendKeepaliveCalls for the asr
// package's additional SessionHandle surface.
package mock

import (
	"context"
	"sync"

	"github.com/telephony-asr/bridge/pkg/provider/asr"
	"github.com/telephony-asr/bridge/pkg/types"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg asr.StreamConfig
}

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil,
	// StartStream returns a new default Session with buffered channels.
	Session asr.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return &Session{
		PartialsCh: make(chan types.Transcript, 16),
		FinalsCh:   make(chan types.Transcript, 16),
		ErrsCh:     make(chan *asr.ProviderError, 4),
		ReadyVal:   true,
	}, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

var _ asr.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	Chunk []byte
}

// Session is a mock implementation of asr.SessionHandle. Callers should
// pre-populate PartialsCh, FinalsCh and ErrsCh with the values they want the
// consumer to receive, then close them when done.
type Session struct {
	mu sync.Mutex

	// PartialsCh is the channel returned by Partials(). Callers own it.
	PartialsCh chan types.Transcript

	// FinalsCh is the channel returned by Finals(). Callers own it.
	FinalsCh chan types.Transcript

	// ErrsCh is the channel returned by Errors(). Callers own it.
	ErrsCh chan *asr.ProviderError

	// ReadyVal is returned by Ready().
	ReadyVal bool

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendKeepaliveErr, if non-nil, is returned by every SendKeepalive call.
	SendKeepaliveErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	SendAudioCalls      []SendAudioCall
	SendKeepaliveCalls  int
	CloseCallCount      int
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	return s.SendAudioErr
}

// Partials returns PartialsCh.
func (s *Session) Partials() <-chan types.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PartialsCh
}

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan types.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FinalsCh
}

// Errors returns ErrsCh.
func (s *Session) Errors() <-chan *asr.ProviderError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrsCh
}

// Ready returns ReadyVal.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ReadyVal
}

// SendKeepalive records the call and returns SendKeepaliveErr.
func (s *Session) SendKeepalive(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendKeepaliveCalls++
	return s.SendKeepaliveErr
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.SendKeepaliveCalls = 0
	s.CloseCallCount = 0
}

var _ asr.SessionHandle = (*Session)(nil)
