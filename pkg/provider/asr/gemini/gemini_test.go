package gemini_test

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
	"github.com/telephony-asr/bridge/pkg/provider/asr/gemini"
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

func newProvider(srv *httptest.Server, opts ...gemini.Option) *gemini.Provider {
	all := append([]gemini.Option{gemini.WithBaseURL(wsURL(srv))}, opts...)
	return gemini.New("test-key", all...)
}

func TestStartStream_SendsSetupWithModel(t *testing.T) {
	t.Parallel()

	modelCh := make(chan string, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup struct {
				Model string `json:"model"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		modelCh <- msg.Setup.Model
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv, gemini.WithModel("custom-live-model"))
	handle, err := p.StartStream(context.Background(), asr.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer handle.Close()

	select {
	case model := <-modelCh:
		if model != "custom-live-model" {
			t.Errorf("model = %q, want custom-live-model", model)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestSendAudio_EncodesAsRealtimeInput(t *testing.T) {
	t.Parallel()

	audioMsg := make(chan string, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		var msg struct {
			RealtimeInput struct {
				MediaChunks []struct {
					Data string `json:"data"`
				} `json:"mediaChunks"`
			} `json:"realtimeInput"`
		}
		readJSON(t, conn, &msg)
		audioMsg <- msg.RealtimeInput.MediaChunks[0].Data
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle, err := p.StartStream(context.Background(), asr.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer handle.Close()

	want := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if err := handle.SendAudio(want); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case encoded := <-audioMsg:
		got, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if string(got) != string(want) {
			t.Errorf("decoded = %v, want %v", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio message")
	}
}

func TestReceive_PartialThenFinalTranscript(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": "hel"},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": "hello"},
				"turnComplete":       true,
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

func TestReceive_ErrorMessageClassified(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"error": map[string]any{"code": 401, "message": "invalid api key"},
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

func TestClose_Idempotent(t *testing.T) {
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

	if err := handle.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
