package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/telephony-asr/bridge/pkg/provider/asr"
	asrmock "github.com/telephony-asr/bridge/pkg/provider/asr/mock"
)

func TestReconnector_Connect(t *testing.T) {
	t.Run("successful initial connection", func(t *testing.T) {
		sess := &asrmock.Session{ReadyVal: true}
		provider := &asrmock.Provider{Session: sess}

		r := NewReconnector(ReconnectorConfig{
			Provider:      provider,
			InteractionID: "call-1",
		})

		got, err := r.Connect(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != sess {
			t.Error("expected returned session to match mock")
		}
		if r.Session() != sess {
			t.Error("expected stored session to match mock")
		}
		if len(provider.StartStreamCalls) != 1 {
			t.Errorf("expected 1 StartStream call, got %d", len(provider.StartStreamCalls))
		}
	})

	t.Run("connection failure", func(t *testing.T) {
		provider := &asrmock.Provider{StartStreamErr: errors.New("auth failed")}

		r := NewReconnector(ReconnectorConfig{Provider: provider, InteractionID: "call-1"})

		_, err := r.Connect(context.Background())
		if err == nil {
			t.Fatal("expected error, got nil")
		}
		if r.Session() != nil {
			t.Error("expected nil session after failure")
		}
	})
}

func TestReconnector_Defaults(t *testing.T) {
	r := NewReconnector(ReconnectorConfig{Provider: &asrmock.Provider{}, InteractionID: "call-1"})

	if r.maxRetries != 3 {
		t.Errorf("expected default maxRetries=3, got %d", r.maxRetries)
	}
	if r.backoff != 1*time.Second {
		t.Errorf("expected default backoff=1s, got %v", r.backoff)
	}
	if r.maxBackoff != 4*time.Second {
		t.Errorf("expected default maxBackoff=4s, got %v", r.maxBackoff)
	}
}

func TestReconnector_ReconnectOnDisconnect(t *testing.T) {
	sess1 := &asrmock.Session{}
	sess2 := &asrmock.Session{}

	var reconnected atomic.Pointer[asr.SessionHandle]
	provider := &cyclingProvider{sessions: []asr.SessionHandle{sess1, sess2}}

	r := NewReconnector(ReconnectorConfig{
		Provider:      provider,
		InteractionID: "call-1",
		MaxRetries:    3,
		Backoff:       1 * time.Millisecond,
		MaxBackoff:    10 * time.Millisecond,
		OnReconnect: func(s asr.SessionHandle) {
			reconnected.Store(&s)
		},
	})

	if _, err := r.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := context.Background()
	r.Monitor(ctx)
	r.NotifyDisconnect()

	time.Sleep(50 * time.Millisecond)

	gotPtr := reconnected.Load()
	if gotPtr == nil {
		t.Fatal("expected OnReconnect to be called")
	}
	if *gotPtr != sess2 {
		t.Error("expected OnReconnect to be called with sess2")
	}

	_ = r.Stop()
}

func TestReconnector_ExponentialBackoff(t *testing.T) {
	var failCount atomic.Int32
	provider := &failNTimesProvider{failTimes: 3, sess: &asrmock.Session{}, count: &failCount}

	var reconnected atomic.Bool
	r := NewReconnector(ReconnectorConfig{
		Provider:      provider,
		InteractionID: "call-1",
		MaxRetries:    5,
		Backoff:       1 * time.Millisecond,
		MaxBackoff:    10 * time.Millisecond,
		OnReconnect:   func(asr.SessionHandle) { reconnected.Store(true) },
	})

	r.mu.Lock()
	r.sess = &asrmock.Session{}
	r.mu.Unlock()

	ctx := context.Background()
	r.Monitor(ctx)
	r.NotifyDisconnect()

	time.Sleep(200 * time.Millisecond)

	if !reconnected.Load() {
		t.Error("expected successful reconnection after failures")
	}
	if attempts := failCount.Load(); attempts < 4 {
		t.Errorf("expected at least 4 connection attempts, got %d", attempts)
	}

	_ = r.Stop()
}

func TestReconnector_MaxRetriesExhausted(t *testing.T) {
	var attempts atomic.Int32
	provider := &countingFailProvider{err: errors.New("permanently down"), count: &attempts}

	var reconnected, gaveUp atomic.Bool
	r := NewReconnector(ReconnectorConfig{
		Provider:      provider,
		InteractionID: "call-1",
		MaxRetries:    2,
		Backoff:       1 * time.Millisecond,
		MaxBackoff:    5 * time.Millisecond,
		OnReconnect:   func(asr.SessionHandle) { reconnected.Store(true) },
		OnGiveUp:      func() { gaveUp.Store(true) },
	})

	r.mu.Lock()
	r.sess = &asrmock.Session{}
	r.mu.Unlock()

	ctx := context.Background()
	r.Monitor(ctx)
	r.NotifyDisconnect()

	time.Sleep(100 * time.Millisecond)

	if reconnected.Load() {
		t.Error("expected OnReconnect NOT to be called when all retries fail")
	}
	if !gaveUp.Load() {
		t.Error("expected OnGiveUp to be called once retries are exhausted")
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("expected 2 connect attempts, got %d", got)
	}

	_ = r.Stop()
}

func TestReconnector_Stop(t *testing.T) {
	sess := &asrmock.Session{}
	provider := &asrmock.Provider{Session: sess}

	r := NewReconnector(ReconnectorConfig{Provider: provider, InteractionID: "call-1"})
	_, _ = r.Connect(context.Background())

	if err := r.Stop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Session() != nil {
		t.Error("expected nil session after Stop")
	}
	if sess.CloseCallCount != 1 {
		t.Errorf("expected 1 Close call, got %d", sess.CloseCallCount)
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("unexpected error on double Stop: %v", err)
	}
}

func TestReconnector_NotifyDisconnectNonBlocking(t *testing.T) {
	r := NewReconnector(ReconnectorConfig{Provider: &asrmock.Provider{}, InteractionID: "call-1"})

	r.NotifyDisconnect()
	r.NotifyDisconnect()
	r.NotifyDisconnect()
}

// cyclingProvider returns sessions from a list in order, then repeats the
// last one.
type cyclingProvider struct {
	sessions  []asr.SessionHandle
	callCount int
}

func (p *cyclingProvider) StartStream(_ context.Context, _ asr.StreamConfig) (asr.SessionHandle, error) {
	idx := p.callCount
	p.callCount++
	if idx < len(p.sessions) {
		return p.sessions[idx], nil
	}
	return p.sessions[len(p.sessions)-1], nil
}

// failNTimesProvider fails the first N StartStream calls, then succeeds.
type failNTimesProvider struct {
	failTimes int
	sess      asr.SessionHandle
	count     *atomic.Int32
}

func (p *failNTimesProvider) StartStream(_ context.Context, _ asr.StreamConfig) (asr.SessionHandle, error) {
	n := p.count.Add(1)
	if int(n) <= p.failTimes {
		return nil, errors.New("connection failed")
	}
	return p.sess, nil
}

// countingFailProvider always fails but counts attempts atomically.
type countingFailProvider struct {
	err   error
	count *atomic.Int32
}

func (p *countingFailProvider) StartStream(_ context.Context, _ asr.StreamConfig) (asr.SessionHandle, error) {
	p.count.Add(1)
	return nil, p.err
}
