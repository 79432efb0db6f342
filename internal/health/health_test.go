package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealth_AllOK(t *testing.T) {
	h := New(
		func(context.Context) error { return nil },
		nil,
		true,
		func() MetricsSnapshot { return MetricsSnapshot{ActiveSessions: 3, ActiveConnections: 5} },
	)

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body Response
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != StatusOK {
		t.Errorf("status = %q, want %q", body.Status, StatusOK)
	}
	if !body.PubSubOK {
		t.Error("pubsub_ok = false, want true")
	}
	if !body.ExotelBridge {
		t.Error("exotel_bridge = false, want true")
	}
	if body.Metrics.ActiveSessions != 3 || body.Metrics.ActiveConnections != 5 {
		t.Errorf("metrics = %+v, want {3 5}", body.Metrics)
	}
}

func TestHealth_ContentType(t *testing.T) {
	h := New(func(context.Context) error { return nil }, nil, false, nil)
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestHealth_PubSubFailureIsDegradedNot503(t *testing.T) {
	h := New(
		func(context.Context) error { return errors.New("connection refused") },
		nil,
		true,
		nil,
	)

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (degraded still serves 200)", rec.Code, http.StatusOK)
	}
	var body Response
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != StatusDegraded {
		t.Errorf("status = %q, want %q", body.Status, StatusDegraded)
	}
	if body.PubSubOK {
		t.Error("pubsub_ok = true, want false")
	}
}

func TestHealth_FatalCheckReturns503(t *testing.T) {
	h := New(
		func(context.Context) error { return nil },
		func(context.Context) error { return errors.New("no asr provider configured") },
		false,
		nil,
	)

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	var body Response
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != StatusUnhealthy {
		t.Errorf("status = %q, want %q", body.Status, StatusUnhealthy)
	}
}

func TestHealth_NilMetricsFnYieldsZeroSnapshot(t *testing.T) {
	h := New(func(context.Context) error { return nil }, nil, false, nil)
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)

	var body Response
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Metrics != (MetricsSnapshot{}) {
		t.Errorf("metrics = %+v, want zero value", body.Metrics)
	}
}

func TestRegister_RouteWorks(t *testing.T) {
	h := New(func(context.Context) error { return nil }, nil, false, nil)

	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestHealth_RespectsContextCancellation(t *testing.T) {
	h := New(
		func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		nil,
		false,
		nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest("GET", "/health", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Health(rec, req)

	// A cancelled pubsub check is a degraded condition, not fatal — the
	// handler must still respond 200.
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}
