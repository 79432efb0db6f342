// Package gemini implements asr.Provider against a Gemini-style live API
// reachable over a raw JSON-over-WebSocket protocol.
//
// Grounded on pkg/provider/s2s/gemini: the same setup-message handshake,
// realtime-input audio framing, and tagged server-message dispatch, reduced
// here to the transcription-only surface this system needs (no tool calls,
// no generated audio/text turns).
package gemini

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
	defaultModel      = "gemini-2.0-flash-live-001"
	defaultBaseURL    = "wss://generativelanguage.googleapis.com/ws"
	keepaliveInterval = 20 * time.Second
)

// Provider dials a Gemini-style live endpoint per call.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// Option configures a Provider.
type Option func(*Provider)

// WithModel overrides the default model name.
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithBaseURL overrides the default WebSocket endpoint.
func WithBaseURL(url string) Option { return func(p *Provider) { p.baseURL = url } }

// New creates a Gemini-style Provider authenticated with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: defaultModel, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(p)
	}
	return p
}

var _ asr.Provider = (*Provider)(nil)

// setupMessage is the handshake sent immediately after connecting.
type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string            `json:"model"`
	GenerationConfig  generationConfig  `json:"generationConfig"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type serverMessage struct {
	ServerContent *serverContent `json:"serverContent,omitempty"`
	Error         *geminiError   `json:"error,omitempty"`
}

type serverContent struct {
	InputTranscription *transcription `json:"inputTranscription,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// StartStream dials the live endpoint and sends the setup handshake.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, p.baseURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:     conn,
		ctx:      sessCtx,
		cancel:   cancel,
		partials: make(chan types.Transcript, 16),
		finals:   make(chan types.Transcript, 16),
		errs:     make(chan *asr.ProviderError, 8),
		done:     make(chan struct{}),
	}

	if err := s.writeJSON(setupMessage{Setup: setupConfig{
		Model:            model,
		GenerationConfig: generationConfig{ResponseModalities: []string{"TEXT"}},
	}}); err != nil {
		cancel()
		_ = conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: send setup: %w", err)
	}
	s.ready = true

	go s.receiveLoop()
	go s.keepaliveLoop()

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
		return err
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// SendAudio base64-encodes chunk and wraps it in a realtimeInput message,
// per the protocol's required shape.
func (s *session) SendAudio(chunk []byte) error {
	encoded := base64.StdEncoding.EncodeToString(chunk)
	return s.writeJSON(realtimeInputMessage{RealtimeInput: realtimeInput{
		MediaChunks: []mediaChunk{{MIMEType: "audio/pcm;rate=16000", Data: encoded}},
	}})
}

func (s *session) Partials() <-chan types.Transcript { return s.partials }
func (s *session) Finals() <-chan types.Transcript   { return s.finals }
func (s *session) Errors() <-chan *asr.ProviderError { return s.errs }

func (s *session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// SendKeepalive sends a text JSON keepalive sentinel, a message separate
// from the realtimeInput audio messages — the keepalive contract is text-sentinel
// based across all providers, so this never falls back to a protocol-level
// Ping frame.
func (s *session) SendKeepalive(ctx context.Context) error {
	return s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"KeepAlive"}`))
}

func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			_ = s.SendKeepalive(pingCtx)
			cancel()
		}
	}
}

func (s *session) receiveLoop() {
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

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		s.handleServerMessage(&msg)
	}
}

func (s *session) handleServerMessage(msg *serverMessage) {
	if msg.Error != nil {
		kind := asr.ErrorKindUnknown
		switch msg.Error.Code {
		case 401, 403:
			kind = asr.ErrorKindAuth
		case 400, 422:
			kind = asr.ErrorKindPermanent
		default:
			kind = asr.ErrorKindTransient
		}
		s.emitError(kind, msg.Error.Message, nil)
		return
	}
	if msg.ServerContent == nil || msg.ServerContent.InputTranscription == nil {
		return
	}
	text := msg.ServerContent.InputTranscription.Text
	t := types.Transcript{
		Type:       types.TranscriptPartial,
		Text:       text,
		IsFinal:    msg.ServerContent.TurnComplete,
		ReceivedAt: time.Now(),
	}
	if msg.ServerContent.TurnComplete {
		t.Type = types.TranscriptFinal
		select {
		case s.finals <- t:
		default:
		}
		return
	}
	select {
	case s.partials <- t:
	default:
	}
}

func (s *session) emitError(kind asr.ErrorKind, msgText string, cause error) {
	select {
	case s.errs <- &asr.ProviderError{Kind: kind, Message: msgText, Cause: cause}:
	default:
	}
}

func (s *session) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.ready = false
		s.mu.Unlock()
		close(s.done)
		s.cancel()
		err = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		close(s.partials)
		close(s.finals)
		close(s.errs)
	})
	return err
}
