package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/telephony-asr/bridge/pkg/provider/asr"
	"github.com/telephony-asr/bridge/pkg/provider/asr/openai"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func newProvider(srv *httptest.Server, opts ...openai.Option) *openai.Provider {
	all := append([]openai.Option{openai.WithBaseURL(wsURL(srv))}, opts...)
	return openai.New("test-key", all...)
}

func TestStartStream_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	received := make(chan string, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Type    string `json:"type"`
			Session struct {
				InputAudioFormat        string `json:"input_audio_format"`
				InputAudioTranscription struct {
					Model string `json:"model"`
				} `json:"input_audio_transcription"`
			} `json:"session"`
		}
		readJSON(t, conn, &msg)
		received <- msg.Session.InputAudioFormat
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle, err := p.StartStream(context.Background(), asr.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer handle.Close()

	select {
	case format := <-received:
		if format != "pcm16" {
			t.Errorf("input_audio_format = %q, want pcm16", format)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}
}

func TestSendAudio_AppendsBase64Audio(t *testing.T) {
	t.Parallel()

	audioCh := make(chan string, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		var msg struct {
			Audio string `json:"audio"`
		}
		readJSON(t, conn, &msg)
		audioCh <- msg.Audio
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle, err := p.StartStream(context.Background(), asr.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer handle.Close()

	want := []byte{0x11, 0x22, 0x33}
	if err := handle.SendAudio(want); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case encoded := <-audioCh:
		got, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if string(got) != string(want) {
			t.Errorf("decoded = %v, want %v", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio append")
	}
}

func TestReceive_DeltaThenCompletedTranscription(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"type":  "conversation.item.input_audio_transcription.delta",
			"delta": "hel",
		})
		writeJSON(t, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "hello",
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle, err := p.StartStream(context.Background(), asr.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer handle.Close()

	select {
	case tr := <-handle.Partials():
		if tr.Text != "hel" {
			t.Errorf("partial text = %q", tr.Text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for partial")
	}

	select {
	case tr := <-handle.Finals():
		if tr.Text != "hello" || !tr.IsFinal {
			t.Errorf("final = %+v", tr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for final")
	}
}

func TestReceive_ErrorEventClassifiedAsAuth(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    "invalid_request_error",
				"code":    "invalid_api_key",
				"message": "bad key",
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle, err := p.StartStream(context.Background(), asr.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer handle.Close()

	select {
	case providerErr := <-handle.Errors():
		if providerErr.Kind != asr.ErrorKindAuth {
			t.Errorf("Kind = %v, want ErrorKindAuth", providerErr.Kind)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for error event")
	}
}

func TestClose_ClosesChannels(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle, err := p.StartStream(context.Background(), asr.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	_ = handle.Close()

	select {
	case _, open := <-handle.Finals():
		if open {
			t.Error("Finals channel should be closed after Close()")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Finals channel to close")
	}
}
