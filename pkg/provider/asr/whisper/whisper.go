// Package whisper implements asr.Provider against a local whisper.cpp model
// via CGO bindings, for on-premise transcription with no outbound network
// call per utterance.
//
// Shares the model/per-session-context design of pkg/provider/stt/whisper/
// native.go (NewContext per utterance, the model itself is safe to share
// across goroutines), the same silence-triggered buffer-and-flush
// processLoop, and the same pcmToFloat32Mono conversion. Silence detection
// is delegated to internal/audio.Gate instead of a local computeRMS/
// chunkDurationMs pair, so the whisper provider uses the same quality
// thresholds as the ingestion path.
package whisper

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/telephony-asr/bridge/internal/audio"
	"github.com/telephony-asr/bridge/pkg/provider/asr"
	"github.com/telephony-asr/bridge/pkg/types"
)

const (
	defaultLanguage            = "en"
	defaultSampleRate          = 16000
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000
)

// Provider implements asr.Provider using a whisper.cpp model loaded once and
// shared across all sessions.
type Provider struct {
	model    whisperlib.Model
	language string

	sampleRate          int
	silenceThresholdMs  int
	maxBufferDurationMs int
}

// Option configures a Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 language code for transcription. Defaults to
// "en".
func WithLanguage(lang string) Option { return func(p *Provider) { p.language = lang } }

// WithSampleRate sets the audio sample rate in Hz that SendAudio chunks are
// assumed to carry. Defaults to 16000.
func WithSampleRate(rate int) Option { return func(p *Provider) { p.sampleRate = rate } }

// WithSilenceThresholdMs sets the consecutive-silence duration that triggers
// a flush of the buffered utterance. Defaults to 500ms.
func WithSilenceThresholdMs(ms int) Option {
	return func(p *Provider) { p.silenceThresholdMs = ms }
}

// WithMaxBufferDurationMs sets the maximum buffered audio duration before a
// forced flush, regardless of silence. Defaults to 10000ms.
func WithMaxBufferDurationMs(ms int) Option {
	return func(p *Provider) { p.maxBufferDurationMs = ms }
}

// New loads the whisper.cpp model at modelPath and returns a Provider backed
// by it. The model is shared across all sessions started from this Provider;
// call Close when the provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &Provider{
		model:               model,
		language:            defaultLanguage,
		sampleRate:          defaultSampleRate,
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

var _ asr.Provider = (*Provider)(nil)

// Close releases the whisper model.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// StartStream opens a new transcription session backed by a fresh
// whisper.cpp context derived from the shared model.
func (p *Provider) StartStream(ctx context.Context, cfg asr.StreamConfig) (asr.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRateHz
	if sr <= 0 {
		sr = p.sampleRate
	}

	s := &session{
		model:               p.model,
		language:            lang,
		sampleRate:          sr,
		silenceThresholdMs:  p.silenceThresholdMs,
		maxBufferDurationMs: p.maxBufferDurationMs,

		audio:    make(chan []byte, 256),
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
		errs:     make(chan *asr.ProviderError, 8),
		done:     make(chan struct{}),
		ready:    true,
	}

	s.wg.Add(1)
	go s.processLoop(ctx)

	return s, nil
}

type session struct {
	model              whisperlib.Model
	language           string
	sampleRate         int
	silenceThresholdMs int
	maxBufferDurationMs int

	audio    chan []byte
	partials chan types.Transcript
	finals   chan types.Transcript
	errs     chan *asr.ProviderError

	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
	ready bool
}

var _ asr.SessionHandle = (*session)(nil)

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("whisper: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("whisper: session is closed")
	}
}

func (s *session) Partials() <-chan types.Transcript { return s.partials }
func (s *session) Finals() <-chan types.Transcript   { return s.finals }
func (s *session) Errors() <-chan *asr.ProviderError { return s.errs }
func (s *session) Ready() bool                       { return s.ready }

// SendKeepalive no-ops: a local CGO model has no idle connection to keep
// alive.
func (s *session) SendKeepalive(ctx context.Context) error { return nil }

func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// processLoop is the single goroutine owning silence detection, audio
// buffering, and inference dispatch for this session.
func (s *session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)
	defer close(s.errs)

	var (
		buffer    []byte
		hadSpeech bool
		silenceMs int
		chunkIdx  int
	)

	thresholds := audio.DefaultThresholds(s.sampleRate)
	bytesPerMs := s.sampleRate * 2 / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32
	}
	maxBufferBytes := s.maxBufferDurationMs * bytesPerMs

	flush := func() {
		if len(buffer) == 0 || !hadSpeech {
			buffer = nil
			hadSpeech = false
			silenceMs = 0
			return
		}

		pcm := buffer
		buffer = nil
		hadSpeech = false
		silenceMs = 0

		text, err := s.infer(pcm)
		if err != nil {
			select {
			case s.errs <- &asr.ProviderError{Kind: asr.ErrorKindTransient, Message: "inference failed", Cause: err}:
			default:
			}
			slog.Error("whisper inference failed", "error", err)
			return
		}
		if text == "" {
			return
		}

		select {
		case s.partials <- types.Transcript{Type: types.TranscriptPartial, Text: text, ReceivedAt: time.Now()}:
		default:
		}
		select {
		case s.finals <- types.Transcript{Type: types.TranscriptFinal, Text: text, IsFinal: true, ReceivedAt: time.Now()}:
		default:
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case <-s.done:
			flush()
			return

		case chunk, ok := <-s.audio:
			if !ok {
				flush()
				return
			}

			chunkIdx++
			stats, suppress := audio.Gate(chunk, s.sampleRate, chunkIdx, 10)
			chunkMs := int(audio.DurationMs(chunk, s.sampleRate))

			if suppress || stats.IsSilent(thresholds) {
				if hadSpeech {
					silenceMs += chunkMs
					buffer = append(buffer, chunk...)
					if silenceMs >= s.silenceThresholdMs {
						flush()
					}
				}
			} else {
				hadSpeech = true
				silenceMs = 0
				buffer = append(buffer, chunk...)
				if maxBufferBytes > 0 && len(buffer) >= maxBufferBytes {
					flush()
				}
			}
		}
	}
}

// infer converts buffered PCM to float32 mono and runs whisper.cpp inference
// on a fresh context. The model itself is safe to share across concurrent
// sessions; contexts are not.
func (s *session) infer(pcm []byte) (string, error) {
	samples := pcmToFloat32(pcm)

	wctx, err := s.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(s.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", s.language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}

// pcmToFloat32 converts 16-bit signed little-endian mono PCM to float32
// samples normalised to [-1.0, 1.0].
func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}
