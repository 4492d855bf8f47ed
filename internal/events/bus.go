// Package events provides the process-wide typed pub/sub bus that broadcasts
// session roster, task and repository updates to every attached surface.
package events

import (
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
)

// Well-known topics. Arbitrary string topics are also accepted.
const (
	TopicSessions = "sessions:update"
	TopicTasks    = "tasks:update"
	TopicRepos    = "repos:update"
	TopicLogs     = "logs:update"
)

// Listener receives every payload emitted on a topic.
type Listener func(payload any)

// Bus is a typed emitter with per-topic listener lists. Listeners are invoked
// synchronously in registration order; a panic in one listener is recovered
// and logged so the remaining listeners still observe the emit.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	topics map[string][]subscription
}

type subscription struct {
	id int
	fn Listener
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{topics: make(map[string][]subscription)}
}

// Subscribe registers a listener for topic and returns an unsubscribe
// function. Unsubscribing twice is a no-op.
func (b *Bus) Subscribe(topic string, fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.topics[topic]
		for i, sub := range subs {
			if sub.id == id {
				b.topics[topic] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
	}
}

// Emit delivers payload to every listener registered for topic, in
// registration order. Delivery is guarded: a panicking listener never
// prevents delivery to the listeners after it.
func (b *Bus) Emit(topic string, payload any) {
	b.mu.RLock()
	subs := make([]subscription, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	b.mu.RUnlock()

	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("[events] listener panicked",
						"topic", topic,
						"panic", r,
						"stack", string(debug.Stack()))
				}
			}()
			sub.fn(payload)
		}()
	}
}

// ListenerCount reports the number of listeners on topic.
func (b *Bus) ListenerCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Topics returns the sorted list of topics with at least one listener.
func (b *Bus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.topics))
	for topic := range b.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}
