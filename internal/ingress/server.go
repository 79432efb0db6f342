package ingress

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/telephony-asr/bridge/internal/audio"
	"github.com/telephony-asr/bridge/internal/health"
)

// IngestPath is the single WebSocket path the Ingress Server exposes for
// both the native and telephony protocols (§4.C, §6).
const IngestPath = "/v1/ingest"

// Config configures a [Server].
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// SSLKeyPath and SSLCertPath enable TLS when both are set.
	SSLKeyPath  string
	SSLCertPath string

	// SupportExotel enables the telephony protocol path.
	SupportExotel bool

	// ExotelBridgeEnabled is surfaced verbatim on GET /health; it does not
	// gate telephony publication.
	ExotelBridgeEnabled bool

	// AckInterval is the number of native-protocol frames between acks.
	AckInterval int

	// BufferDurationMs bounds each connection's replay ring.
	BufferDurationMs int64

	// AmplificationFactor is applied to 8 kHz telephony frames.
	AmplificationFactor float64

	// TokenVerifier authenticates native-protocol Bearer tokens. A nil
	// verifier means the native path always rejects with 401.
	TokenVerifier *TokenVerifier

	// Publisher delivers decoded frames and call-end records to the pub/sub
	// fabric.
	Publisher *Publisher

	// PubSubCheck reports pub/sub backend reachability for /health.
	PubSubCheck func(ctx context.Context) error

	// MetricsSnapshot supplies the point-in-time counters embedded in
	// /health. May be nil.
	MetricsSnapshot func() health.MetricsSnapshot
}

// Server is the §4.C Ingress Server: a single WebSocket upgrade path plus a
// merged health endpoint, dispatching each accepted connection to either the
// native or telephony protocol handler based on the Authorization header.
type Server struct {
	cfg    Config
	http   *http.Server
	health *health.Handler
}

// NewServer builds a Server from cfg. It does not start listening — call
// [Server.ListenAndServe].
func NewServer(cfg Config) *Server {
	s := &Server{cfg: cfg}

	s.health = health.New(cfg.PubSubCheck, nil, cfg.ExotelBridgeEnabled, cfg.MetricsSnapshot)

	mux := http.NewServeMux()
	s.health.Register(mux)
	mux.HandleFunc("GET "+IngestPath, s.handleUpgrade)

	s.http = &http.Server{Addr: cfg.Addr, Handler: mux}
	return s
}

// ListenAndServe starts serving, blocking until the server stops. It uses
// TLS when both SSLKeyPath and SSLCertPath are configured.
func (s *Server) ListenAndServe() error {
	if s.cfg.SSLCertPath != "" && s.cfg.SSLKeyPath != "" {
		return s.http.ListenAndServeTLS(s.cfg.SSLCertPath, s.cfg.SSLKeyPath)
	}
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server, respecting ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleUpgrade implements the §4.C upgrade policy: a Bearer token routes to
// the native protocol after RS256 verification; Basic auth or no
// Authorization header routes to the telephony protocol when enabled;
// anything else is rejected with 401.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	authz := r.Header.Get("Authorization")

	switch {
	case strings.HasPrefix(authz, "Bearer "):
		token := strings.TrimPrefix(authz, "Bearer ")
		if s.cfg.TokenVerifier == nil {
			http.Error(w, "unauthorized: native protocol not configured", http.StatusUnauthorized)
			return
		}
		claims, err := s.cfg.TokenVerifier.Verify(token)
		if err != nil {
			slog.Warn("ingress: bearer token rejected", "err", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		s.serveNative(w, r, claims)

	case s.cfg.SupportExotel && (authz == "" || strings.HasPrefix(authz, "Basic ")):
		s.serveTelephony(w, r)

	default:
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

func (s *Server) serveNative(w http.ResponseWriter, r *http.Request, _ Claims) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("ingress: native websocket accept failed", "err", err)
		return
	}
	ctx := r.Context()
	handler := NewNativeHandler(s.cfg.Publisher, s.cfg.AckInterval, s.cfg.BufferDurationMs)
	defer func() {
		handler.HandleClose(context.WithoutCancel(ctx))
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	started, err := handler.HandleStart(data)
	if err != nil {
		slog.Warn("ingress: native start handshake failed", "err", err)
		conn.Close(websocket.StatusInternalError, err.Error())
		return
	}
	reply, err := json.Marshal(started)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "encode started reply")
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, reply); err != nil {
		return
	}

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageBinary {
			slog.Warn("ingress: unexpected non-binary frame on native audio channel, dropping")
			continue
		}

		ack, ok, err := handler.HandleBinary(ctx, data)
		if err != nil {
			slog.Warn("ingress: native frame handling failed", "err", err)
			conn.Close(websocket.StatusInternalError, err.Error())
			return
		}
		if !ok {
			continue
		}
		b, err := json.Marshal(ack)
		if err != nil {
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			return
		}
	}
}

func (s *Server) serveTelephony(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("ingress: telephony websocket accept failed", "err", err)
		return
	}
	ctx := r.Context()
	handler := NewTelephonyHandler(s.cfg.Publisher, s.cfg.AmplificationFactor)
	defer func() {
		handler.HandleClose(context.WithoutCancel(ctx))
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if !audio.LooksLikeJSON(data) {
			slog.Warn("ingress: telephony frame is neither control JSON nor recognizable audio, dropping")
			continue
		}
		handler.HandleMessage(ctx, data)
	}
}
