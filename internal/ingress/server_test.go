package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/telephony-asr/bridge/internal/health"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.PubSubCheck == nil {
		cfg.PubSubCheck = func(ctx context.Context) error { return nil }
	}
	s := NewServer(cfg)
	hs := httptest.NewServer(s.http.Handler)
	t.Cleanup(hs.Close)
	return s, hs
}

func TestServer_HealthEndpoint(t *testing.T) {
	_, hs := newTestServer(t, Config{})

	resp, err := http.Get(hs.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body health.Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != health.StatusOK {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestServer_RejectsUnauthenticatedWhenExotelDisabled(t *testing.T) {
	_, hs := newTestServer(t, Config{SupportExotel: false})

	resp, err := http.Get(hs.URL + IngestPath)
	if err != nil {
		t.Fatalf("GET %s: %v", IngestPath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestServer_TelephonyUpgradeWithoutAuthWhenEnabled(t *testing.T) {
	adapter := &recordingAdapter{}
	_, hs := newTestServer(t, Config{
		SupportExotel: true,
		Publisher:     NewPublisher(adapter, nil, 5000),
	})

	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http") + IngestPath
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	start := `{"event":"start","stream_sid":"MZ1","start":{"call_sid":"CA1","account_sid":"AC1","media_format":{"sample_rate":"8000"}}}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(start)); err != nil {
		t.Fatalf("Write(start) error = %v", err)
	}

	stop := `{"event":"stop","stream_sid":"MZ1","stop":{"call_sid":"CA1","account_sid":"AC1","reason":"callended"}}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(stop)); err != nil {
		t.Fatalf("Write(stop) error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(adapter.snapshot()) >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(adapter.snapshot()) == 0 {
		t.Error("no messages published after telephony start/stop sequence")
	}
}

func TestServer_NativeUpgradeRequiresValidBearerToken(t *testing.T) {
	_, pubPEM := generateTestKeyPair(t)
	verifier, err := NewTokenVerifier(pubPEM)
	if err != nil {
		t.Fatalf("NewTokenVerifier() error = %v", err)
	}

	_, hs := newTestServer(t, Config{TokenVerifier: verifier})

	req, _ := http.NewRequest(http.MethodGet, hs.URL+IngestPath, nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", IngestPath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for invalid bearer token", resp.StatusCode)
	}
}

func TestServer_NativeUpgradeWithValidTokenHandshakes(t *testing.T) {
	priv, pubPEM := generateTestKeyPair(t)
	verifier, err := NewTokenVerifier(pubPEM)
	if err != nil {
		t.Fatalf("NewTokenVerifier() error = %v", err)
	}

	adapter := &recordingAdapter{}
	_, hs := newTestServer(t, Config{
		TokenVerifier: verifier,
		AckInterval:   1,
		Publisher:     NewPublisher(adapter, nil, 5000),
	})

	token := signToken(t, priv, Claims{Subject: "svc", ExpiresAt: time.Now().Add(time.Hour).Unix()})

	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http") + IngestPath
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	start := `{"event":"start","interaction_id":"i1","tenant_id":"t1","sample_rate":16000,"encoding":"pcm16"}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(start)); err != nil {
		t.Fatalf("Write(start) error = %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read(started) error = %v", err)
	}
	var started nativeStartedEvent
	if err := json.Unmarshal(data, &started); err != nil {
		t.Fatalf("unmarshal started reply: %v", err)
	}
	if started.Event != "started" || started.InteractionID != "i1" {
		t.Fatalf("started = %+v, want Event=started InteractionID=i1", started)
	}

	if err := conn.Write(ctx, websocket.MessageBinary, []byte{0, 0, 0, 0}); err != nil {
		t.Fatalf("Write(binary) error = %v", err)
	}

	_, ackData, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read(ack) error = %v", err)
	}
	var ack nativeAckEvent
	if err := json.Unmarshal(ackData, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.Event != "ack" || ack.Seq != 1 {
		t.Fatalf("ack = %+v, want Event=ack Seq=1", ack)
	}
}
