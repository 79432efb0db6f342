// Package openai implements asr.Provider against OpenAI's Realtime API used
// in transcription-only mode.
//
// Grounded on pkg/provider/s2s/openai: the same session.update handshake and
// base64-PCM16-over-WebSocket event protocol, reduced to the input-
// transcription event family (input_audio_buffer.append in, conversation.item
// .input_audio_transcription.{delta,completed} out) since this system never
// asks OpenAI to generate a spoken response.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/telephony-asr/bridge/pkg/provider/asr"
	"github.com/telephony-asr/bridge/pkg/types"
)

const (
	defaultModel   = "gpt-4o-transcribe"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI transcription model used for sessions.
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option { return func(p *Provider) { p.baseURL = url } }

// Provider implements asr.Provider for OpenAI's Realtime transcription API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider authenticated with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: defaultModel, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(p)
	}
	return p
}

var _ asr.Provider = (*Provider)(nil)

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	InputAudioFormat        string                  `json:"input_audio_format"`
	InputAudioTranscription inputAudioTranscription `json:"input_audio_transcription"`
}

type inputAudioTranscription struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// StartStream dials the Realtime endpoint and configures input transcription.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}

	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, model)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:     conn,
		ctx:      sessCtx,
		cancel:   cancel,
		partials: make(chan types.Transcript, 32),
		finals:   make(chan types.Transcript, 32),
		errs:     make(chan *asr.ProviderError, 8),
		done:     make(chan struct{}),
	}

	if err := s.writeJSON(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			InputAudioFormat:        "pcm16",
			InputAudioTranscription: inputAudioTranscription{Model: model},
		},
	}); err != nil {
		cancel()
		_ = conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}
	s.setReady(true)

	go s.receiveLoop()

	return s, nil
}

type session struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	partials chan types.Transcript
	finals   chan types.Transcript
	errs     chan *asr.ProviderError

	done  chan struct{}
	once  sync.Once
	mu    sync.Mutex
	ready bool
}

var _ asr.SessionHandle = (*session)(nil)

func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// SendAudio appends a base64-encoded PCM16 chunk to OpenAI's input buffer.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("openai: session is closed")
	default:
	}
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

func (s *session) Partials() <-chan types.Transcript { return s.partials }
func (s *session) Finals() <-chan types.Transcript   { return s.finals }
func (s *session) Errors() <-chan *asr.ProviderError { return s.errs }

func (s *session) setReady(v bool) {
	s.mu.Lock()
	s.ready = v
	s.mu.Unlock()
}

func (s *session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// SendKeepalive sends an empty input_audio_buffer.append-equivalent no-op;
// OpenAI's Realtime socket has no dedicated keepalive sentinel, so this
// commits nothing and simply exercises the wire connection with a
// zero-length audio append, which the API ignores.
func (s *session) SendKeepalive(ctx context.Context) error {
	data, _ := json.Marshal(appendAudioMessage{Type: "input_audio_buffer.append", Audio: ""})
	return s.conn.Write(ctx, websocket.MessageText, data)
}

var _ asr.Committer = (*session)(nil)

type commitBufferMessage struct {
	Type string `json:"type"`
}

// Commit sends input_audio_buffer.commit, which flushes the server-side
// input buffer and requests a transcription of the audio received since the
// last commit. StartStream configures no server-side turn detection, so the
// Provider Session Manager calls this on a periodic timer.
func (s *session) Commit(ctx context.Context) error {
	data, err := json.Marshal(commitBufferMessage{Type: "input_audio_buffer.commit"})
	if err != nil {
		return fmt.Errorf("openai: marshal commit: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *session) receiveLoop() {
	defer s.closeChannels()
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.emitError(asr.ErrorKindTransient, "read failed", err)
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "conversation.item.input_audio_transcription.delta":
		if evt.Delta == "" {
			return
		}
		t := types.Transcript{Type: types.TranscriptPartial, Text: evt.Delta, ReceivedAt: time.Now()}
		select {
		case s.partials <- t:
		default:
		}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		t := types.Transcript{Type: types.TranscriptFinal, Text: evt.Transcript, IsFinal: true, ReceivedAt: time.Now()}
		select {
		case s.finals <- t:
		default:
		}

	case "error":
		kind := asr.ErrorKindUnknown
		msg := "unknown error"
		if evt.Error != nil {
			msg = evt.Error.Message
			switch evt.Error.Code {
			case "invalid_api_key", "unauthorized":
				kind = asr.ErrorKindAuth
			case "invalid_request_error":
				kind = asr.ErrorKindPermanent
			default:
				kind = asr.ErrorKindTransient
			}
		}
		s.emitError(kind, msg, nil)
	}
}

func (s *session) emitError(kind asr.ErrorKind, msg string, cause error) {
	select {
	case s.errs <- &asr.ProviderError{Kind: kind, Message: msg, Cause: cause}:
	default:
	}
}

func (s *session) closeChannels() {
	close(s.partials)
	close(s.finals)
	close(s.errs)
}

func (s *session) Close() error {
	var err error
	s.once.Do(func() {
		s.setReady(false)
		close(s.done)
		s.cancel()
		err = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return err
}
