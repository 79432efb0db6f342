package pubsub

import (
	"context"
	"log/slog"
	"sync"
)

// InMemory is a single-process Adapter backed by per-topic fan-out channels.
// It is intended for tests and single-process deployments; it has no
// durability and does not preserve order across process restarts.
type InMemory struct {
	mu     sync.RWMutex
	groups map[string]map[string]chan Message // topic -> consumerGroup -> chan
	closed bool
}

// Compile-time assertion.
var _ Adapter = (*InMemory)(nil)

// NewInMemory creates an empty in-memory adapter.
func NewInMemory() *InMemory {
	return &InMemory{groups: make(map[string]map[string]chan Message)}
}

// Publish delivers msg to every registered consumer group for msg.Topic.
// Delivery is non-blocking per group: a full subscriber channel drops the
// message, with a warning, rather than stalling the publisher. A dropped
// message is not redelivered.
func (a *InMemory) Publish(ctx context.Context, msg Message) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	for group, ch := range a.groups[msg.Topic] {
		select {
		case ch <- msg:
		default:
			slog.Warn("pubsub: in-memory subscriber channel full, dropping message",
				"topic", msg.Topic, "group", group, "key", msg.Key)
		}
	}
	return nil
}

// Subscribe registers handler under consumerGroup for topic and starts a
// goroutine that dispatches delivered messages to it until ctx is done or
// the adapter is closed.
func (a *InMemory) Subscribe(ctx context.Context, topic, consumerGroup string, handler Handler) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	groups, ok := a.groups[topic]
	if !ok {
		groups = make(map[string]chan Message)
		a.groups[topic] = groups
	}
	ch, ok := groups[consumerGroup]
	if !ok {
		ch = make(chan Message, 256)
		groups[consumerGroup] = ch
	}
	a.mu.Unlock()

	dispatcher := newKeyedDispatcher(topic, consumerGroup, handler)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				dispatcher.dispatch(ctx, msg)
			}
		}
	}()
	return nil
}

// Close marks the adapter closed and closes all subscriber channels.
func (a *InMemory) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	for _, groups := range a.groups {
		for _, ch := range groups {
			close(ch)
		}
	}
	return nil
}
