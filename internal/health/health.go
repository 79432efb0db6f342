// Package health provides the ingress server's single HTTP health endpoint.
//
// GET /health returns a JSON document describing overall service health: an
// "ok"/"degraded"/"unhealthy" status, whether the pub/sub backend is
// reachable, whether the telephony bridge path is enabled, and a small
// metrics snapshot. The endpoint returns 200 for "ok" and "degraded" (the
// process is still serving traffic) and 503 for "unhealthy".
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds how long the pub/sub and fatal checks may take before
// the request context is cancelled.
const checkTimeout = 5 * time.Second

// Status is the top-level health verdict.
type Status string

const (
	StatusOK        Status = "ok"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// MetricsSnapshot holds a handful of point-in-time counters surfaced on the
// health endpoint for quick operational visibility without scraping
// Prometheus.
type MetricsSnapshot struct {
	ActiveSessions    int64 `json:"active_sessions"`
	ActiveConnections int64 `json:"active_connections"`
}

// Response is the JSON body served by GET /health.
type Response struct {
	Status       Status          `json:"status"`
	PubSubOK     bool            `json:"pubsub_ok"`
	ExotelBridge bool            `json:"exotel_bridge"`
	Metrics      MetricsSnapshot `json:"metrics"`
}

// Handler serves GET /health.
type Handler struct {
	pubsubCheck  func(ctx context.Context) error
	fatalCheck   func(ctx context.Context) error
	exotelBridge bool
	metricsFn    func() MetricsSnapshot
}

// New creates a [Handler].
//
//   - pubsubCheck reports whether the pub/sub backend is reachable; a
//     non-nil error flips status to "degraded" but keeps the response at 200.
//   - fatalCheck, when non-nil and returning an error, flips status to
//     "unhealthy" and the response to 503 — reserved for conditions that mean
//     the process cannot usefully serve any call (e.g. no ASR provider could
//     be constructed at startup). Pass nil when there is no such condition.
//   - exotelBridge reports whether the telephony bridge path is enabled.
//   - metricsFn supplies the point-in-time snapshot embedded in the response.
func New(pubsubCheck func(ctx context.Context) error, fatalCheck func(ctx context.Context) error, exotelBridge bool, metricsFn func() MetricsSnapshot) *Handler {
	return &Handler{
		pubsubCheck:  pubsubCheck,
		fatalCheck:   fatalCheck,
		exotelBridge: exotelBridge,
		metricsFn:    metricsFn,
	}
}

// Health serves GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	if h.fatalCheck != nil {
		if err := h.fatalCheck(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, Response{
				Status:       StatusUnhealthy,
				ExotelBridge: h.exotelBridge,
				Metrics:      h.snapshot(),
			})
			return
		}
	}

	pubsubErr := h.pubsubCheck(ctx)
	resp := Response{
		PubSubOK:     pubsubErr == nil,
		ExotelBridge: h.exotelBridge,
		Metrics:      h.snapshot(),
	}
	if pubsubErr == nil {
		resp.Status = StatusOK
	} else {
		resp.Status = StatusDegraded
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) snapshot() MetricsSnapshot {
	if h.metricsFn == nil {
		return MetricsSnapshot{}
	}
	return h.metricsFn()
}

// Register adds the /health route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
