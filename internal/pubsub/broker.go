package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Broker is an Adapter that publishes and subscribes through a single
// outbound WebSocket connection to an external message broker endpoint,
// framing every operation as a JSON envelope.
//
// Grounded on the raw-websocket dial/read/write idiom of the Gemini
// streaming provider (pkg/provider/s2s/gemini), reused here for an outward
// connection to a broker rather than an ASR vendor.
type Broker struct {
	conn *websocket.Conn

	mu   sync.Mutex
	subs map[string][]*keyedDispatcher // topic -> per-handler keyed dispatchers

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Compile-time assertion.
var _ Adapter = (*Broker)(nil)

type brokerEnvelope struct {
	Op    string          `json:"op"` // "publish" | "message"
	Topic string          `json:"topic"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// NewBroker dials wsURL and returns a ready Broker. The dial timeout and
// headers are the caller's responsibility via ctx.
func NewBroker(ctx context.Context, wsURL string) (*Broker, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("pubsub: broker: dial: %w", err)
	}

	brokerCtx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		conn:   conn,
		subs:   make(map[string][]*keyedDispatcher),
		ctx:    brokerCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.readLoop()
	return b, nil
}

// Publish writes a "publish" envelope on the broker connection.
func (b *Broker) Publish(ctx context.Context, msg Message) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	env := brokerEnvelope{Op: "publish", Topic: msg.Topic, Key: msg.Key, Value: msg.Value}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("pubsub: broker: marshal: %w", err)
	}
	if err := b.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("pubsub: broker: write: %w", err)
	}
	return nil
}

// Subscribe registers handler for topic. consumerGroup is accepted for
// interface parity with other backends; this adapter delivers to every
// registered handler for a topic regardless of group, since a single
// outbound connection per process already scopes delivery. Each handler
// gets its own keyed dispatcher so per-key (per-call) ordering is preserved
// without serializing delivery across keys.
func (b *Broker) Subscribe(ctx context.Context, topic, consumerGroup string, handler Handler) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], newKeyedDispatcher(topic, consumerGroup, handler))
	b.mu.Unlock()

	env := brokerEnvelope{Op: "subscribe", Topic: topic}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("pubsub: broker: marshal subscribe: %w", err)
	}
	return b.conn.Write(ctx, websocket.MessageText, data)
}

// readLoop dispatches incoming "message" envelopes to registered handlers.
func (b *Broker) readLoop() {
	defer close(b.done)
	for {
		_, data, err := b.conn.Read(b.ctx)
		if err != nil {
			select {
			case <-b.ctx.Done():
			default:
				slog.Warn("pubsub: broker: read loop exiting", "err", err)
			}
			return
		}

		var env brokerEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("pubsub: broker: malformed envelope, dropping", "err", err)
			continue
		}
		if env.Op != "message" {
			continue
		}

		b.mu.Lock()
		dispatchers := append([]*keyedDispatcher(nil), b.subs[env.Topic]...)
		b.mu.Unlock()

		msg := Message{Topic: env.Topic, Key: env.Key, Value: env.Value}
		for _, d := range dispatchers {
			d.dispatch(b.ctx, msg)
		}
	}
}

// Close tears down the broker connection. Safe to call more than once.
func (b *Broker) Close() error {
	var err error
	b.once.Do(func() {
		b.cancel()
		err = b.conn.Close(websocket.StatusNormalClosure, "adapter closed")
	})
	return err
}
