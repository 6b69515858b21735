package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tirs/engine/internal/circuitbreaker"
)

// RedisPubSubClient is the minimal pub/sub surface the mirror needs.
// Kept narrow so tests can fake it without a Redis server.
type RedisPubSubClient interface {
	// Publish sends a message to a Redis channel.
	Publish(ctx context.Context, channel string, message []byte) error

	// Subscribe registers a callback for messages on a channel.
	// Returns an unsubscribe function.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// RedisEventBus mirrors events across pods over Redis Pub/Sub while
// still fanning out to in-process subscribers for zero-latency local
// delivery. A Redis publish failure degrades to local-only delivery;
// the caller never sees the error.
type RedisEventBus struct {
	mu         sync.RWMutex
	pubsub     RedisPubSubClient
	breaker    *circuitbreaker.Breaker
	prefix     string // channel prefix, e.g. "tirs:events:"
	localSubs  map[EventType][]subscriberEntry
	nextID     int
	unsubFuncs []func()
	closed     bool
}

// NewRedisEventBus creates a Redis-backed event bus.
func NewRedisEventBus(client RedisPubSubClient, channelPrefix string) *RedisEventBus {
	if channelPrefix == "" {
		channelPrefix = "tirs:events:"
	}
	return &RedisEventBus{
		pubsub:    client,
		breaker:   circuitbreaker.New(circuitbreaker.DefaultConfig("redis-fabric")),
		prefix:    channelPrefix,
		localSubs: make(map[EventType][]subscriberEntry),
	}
}

// Publish sends the event to Redis so every pod receives it. Delivery
// is asynchronous; a Redis failure falls back to local-only fan-out.
func (b *RedisEventBus) Publish(ctx context.Context, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	b.mu.RUnlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// The breaker keeps a flapping Redis from adding publish latency
	// on every event; while open, events stay in-process.
	channel := b.prefix + string(event.Type)
	err = b.breaker.Execute(func() error {
		return b.pubsub.Publish(ctx, channel, data)
	})
	if err != nil {
		slog.Warn("[RedisEventBus] publish failed, falling back to local",
			"type", event.Type, "error", err)
		b.deliverLocal(ctx, event)
	}
	return nil
}

// Subscribe registers a handler that receives events from every pod
// (via Redis) and from local publishers.
func (b *RedisEventBus) Subscribe(eventType EventType, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.localSubs[eventType] = append(b.localSubs[eventType], subscriberEntry{
		id:      id,
		handler: handler,
	})

	channel := b.prefix + string(eventType)
	unsub, err := b.pubsub.Subscribe(context.Background(), channel, func(data []byte) {
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			slog.Warn("[RedisEventBus] bad event payload", "error", err)
			return
		}
		b.deliverLocal(context.Background(), &event)
	})
	if err != nil {
		slog.Warn("[RedisEventBus] redis subscribe failed, local-only mode",
			"type", eventType, "error", err)
	} else {
		b.unsubFuncs = append(b.unsubFuncs, unsub)
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.localSubs[eventType]
		for i, entry := range subs {
			if entry.id == id {
				b.localSubs[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Close shuts down the bus and all Redis subscriptions.
func (b *RedisEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true

	for _, unsub := range b.unsubFuncs {
		unsub()
	}
	b.unsubFuncs = nil
	b.localSubs = make(map[EventType][]subscriberEntry)
	return nil
}

func (b *RedisEventBus) deliverLocal(ctx context.Context, event *Event) {
	b.mu.RLock()
	handlers := b.localSubs[event.Type]
	b.mu.RUnlock()

	for _, entry := range handlers {
		h := entry.handler
		go func() {
			if err := h(ctx, event); err != nil {
				slog.Warn("[RedisEventBus] handler error", "type", event.Type, "error", err)
			}
		}()
	}
}
