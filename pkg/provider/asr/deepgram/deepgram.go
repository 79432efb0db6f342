// Package deepgram implements asr.Provider against Deepgram's real-time
// streaming transcription WebSocket API.
//
// Grounded on pkg/provider/stt/deepgram's session lifecycle: a read/write
// goroutine pair per session, binary audio frames out, JSON transcript
// frames in, and a text "CloseStream" sentinel on graceful shutdown.
package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/telephony-asr/bridge/pkg/provider/asr"
	"github.com/telephony-asr/bridge/pkg/types"
)

const (
	deepgramEndpoint    = "wss://api.deepgram.com/v1/listen"
	defaultModel        = "nova-3"
	defaultLanguage     = "en"
)

// Provider dials Deepgram's streaming endpoint per call.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

// Option configures a Provider.
type Option func(*Provider)

// WithModel overrides the default Deepgram model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage overrides the default recognition language.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithEndpoint overrides the default Deepgram WebSocket endpoint. Intended
// for tests; production callers should leave this unset.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// New creates a Deepgram Provider authenticated with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: defaultModel, language: defaultLanguage, endpoint: deepgramEndpoint}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Compile-time assertion.
var _ asr.Provider = (*Provider)(nil)

func (p *Provider) buildURL(cfg asr.StreamConfig) string {
	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}
	lang := p.language
	if cfg.Language != "" {
		lang = cfg.Language
	}
	sampleRate := cfg.SampleRateHz
	if sampleRate == 0 {
		sampleRate = 16000
	}

	q := url.Values{}
	q.Set("model", model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", "1")

	return p.endpoint + "?" + q.Encode()
}

// StartStream dials Deepgram and starts the read/write goroutines.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	header := http.Header{}
	header.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, p.buildURL(cfg), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:     conn,
		ctx:      sessCtx,
		cancel:   cancel,
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
		errs:     make(chan *asr.ProviderError, 8),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
		ready:    true,
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()

	return s, nil
}

type session struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	partials chan types.Transcript
	finals   chan types.Transcript
	errs     chan *asr.ProviderError
	audio    chan []byte

	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
	ready bool
}

var _ asr.SessionHandle = (*session)(nil)

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("deepgram: session is closed")
	default:
	}
	select {
	case <-s.done:
		return fmt.Errorf("deepgram: session is closed")
	case s.audio <- chunk:
		return nil
	}
}

func (s *session) Partials() <-chan types.Transcript   { return s.partials }
func (s *session) Finals() <-chan types.Transcript     { return s.finals }
func (s *session) Errors() <-chan *asr.ProviderError   { return s.errs }
func (s *session) Ready() bool                         { return s.ready }

// SendKeepalive sends Deepgram's documented text keepalive sentinel.
func (s *session) SendKeepalive(ctx context.Context) error {
	return s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"KeepAlive"}`))
}

func (s *session) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.cancel()
		err = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		close(s.partials)
		close(s.finals)
		close(s.errs)
	})
	return err
}

func (s *session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
				s.emitError(asr.ErrorKindTransient, "write failed", err)
				return
			}
		case <-s.done:
			// Drain any remaining buffered audio before exiting, so a
			// graceful close doesn't silently drop queued frames.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(s.ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

func (s *session) readLoop() {
	defer s.wg.Done()
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

		transcript, isFinal, ok := parseResponse(data)
		if !ok {
			continue
		}
		if isFinal {
			select {
			case s.finals <- transcript:
			default:
			}
		} else {
			select {
			case s.partials <- transcript:
			default:
			}
		}
	}
}

func (s *session) emitError(kind asr.ErrorKind, msg string, cause error) {
	select {
	case s.errs <- &asr.ProviderError{Kind: kind, Message: msg, Cause: cause}:
	default:
	}
}

type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func parseResponse(data []byte) (types.Transcript, bool, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return types.Transcript{}, false, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return types.Transcript{}, false, false
	}
	alt := resp.Channel.Alternatives[0]
	tType := types.TranscriptPartial
	if resp.IsFinal {
		tType = types.TranscriptFinal
	}
	return types.Transcript{
		Type:       tType,
		Text:       alt.Transcript,
		Confidence: alt.Confidence,
		IsFinal:    resp.IsFinal,
		ReceivedAt: time.Now(),
	}, resp.IsFinal, true
}
