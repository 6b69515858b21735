// Package fabric distributes risk events (evaluations, enforcement
// actions, appeal decisions) to in-process subscribers and, when Redis
// is configured, to other pods. Publish is fire-and-forget: the event
// fabric is an observability surface, never part of an evaluation's
// correctness.
package fabric

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType classifies risk event categories.
type EventType string

const (
	EventIntentEvaluated EventType = "intent.evaluated"
	EventIntentRejected  EventType = "intent.rejected"
	EventEnforcement     EventType = "enforcement.applied"
	EventAppealDecided   EventType = "appeal.decided"
	EventResurrection    EventType = "agent.resurrected"
	EventChainTamper     EventType = "audit.tamper"
)

// Event is one risk event on the fabric.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	AgentID   string                 `json:"agent_id"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventHandler processes events of a subscribed type.
type EventHandler func(ctx context.Context, event *Event) error

// EventBus provides publish/subscribe for risk events. A single-pod
// deployment uses LocalEventBus; multi-pod deployments wrap it with
// RedisEventBus for cross-process delivery.
type EventBus interface {
	// Publish sends an event to all subscribers of the event type.
	Publish(ctx context.Context, event *Event) error

	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) (unsubscribe func())

	// Close shuts down the event bus.
	Close() error
}

// LocalEventBus is the in-memory pub/sub implementation. Handlers run
// asynchronously; a failing handler is logged and never blocks the
// publisher.
type LocalEventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]subscriberEntry
	nextID      int
	closed      bool
}

type subscriberEntry struct {
	id      int
	handler EventHandler
}

// NewLocalEventBus creates a new in-memory event bus.
func NewLocalEventBus() *LocalEventBus {
	return &LocalEventBus{
		subscribers: make(map[EventType][]subscriberEntry),
	}
}

// Publish fans the event out to all matching subscribers asynchronously.
func (b *LocalEventBus) Publish(ctx context.Context, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}

	for _, entry := range b.subscribers[event.Type] {
		h := entry.handler
		go func() {
			if err := h(ctx, event); err != nil {
				slog.Warn("[EventBus] handler error", "type", event.Type, "error", err)
			}
		}()
	}
	return nil
}

// Subscribe registers a handler for a specific event type.
func (b *LocalEventBus) Subscribe(eventType EventType, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriberEntry{
		id:      id,
		handler: handler,
	})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, entry := range subs {
			if entry.id == id {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Close shuts down the bus; subsequent publishes are dropped silently.
func (b *LocalEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscribers = make(map[EventType][]subscriberEntry)
	return nil
}
