// Package bus is a topic-based publish/subscribe registry. Publishers and
// subscribers only share topic names; neither knows about the other.
//
// Handlers for one Publish call run synchronously on the publishing
// goroutine, most recently registered first. A panicking handler is logged
// and skipped; its siblings still run.
package bus

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"

	"storyline/internal/logattr"
)

// Topic names a class of event. Topics are opaque strings.
type Topic string

// SubscriptionID identifies one registration and is used to remove it.
type SubscriptionID string

// Handler receives the published topic followed by the publish arguments.
// Use a method value to bind the receiver a handler should run against.
type Handler func(topic Topic, args ...any)

type subscription struct {
	id      SubscriptionID
	handler Handler
}

// Bus is safe for concurrent use. The zero value is not usable; call New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]subscription
	logger *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report handler panics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[Topic][]subscription),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for future publishes of topic. An empty topic
// or nil handler is ignored and yields an empty SubscriptionID.
func (b *Bus) Subscribe(topic Topic, handler Handler) SubscriptionID {
	if topic == "" || handler == nil {
		return ""
	}
	id := SubscriptionID(uuid.NewString())

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: handler})
	return id
}

// Unsubscribe removes the registration id from topic. It reports whether a
// registration was removed.
func (b *Bus) Unsubscribe(topic Topic, id SubscriptionID) bool {
	if topic == "" || id == "" {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.subs[topic]
	if !ok {
		return false
	}
	idx := slices.IndexFunc(subs, func(s subscription) bool { return s.id == id })
	if idx < 0 {
		return false
	}
	// Publish works on its own snapshot, so build a fresh slice instead of
	// shifting the shared backing array.
	remaining := make([]subscription, 0, len(subs)-1)
	remaining = append(remaining, subs[:idx]...)
	remaining = append(remaining, subs[idx+1:]...)
	if len(remaining) == 0 {
		delete(b.subs, topic)
	} else {
		b.subs[topic] = remaining
	}
	return true
}

// Publish invokes every handler registered for topic, newest first, with
// topic followed by args. It returns after all handlers have run.
func (b *Bus) Publish(topic Topic, args ...any) {
	if topic == "" {
		return
	}
	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	for i := len(subs) - 1; i >= 0; i-- {
		b.call(topic, subs[i], args)
	}
}

func (b *Bus) call(topic Topic, sub subscription, args []any) {
	var pc panics.Catcher
	pc.Try(func() { sub.handler(topic, args...) })
	if r := pc.Recovered(); r != nil {
		b.logger.Error("Event handler panicked",
			logattr.Topic(topic),
			slog.String("subscription_id", string(sub.id)),
			slog.Any("panic", r.Value),
			slog.String("stack", string(r.Stack)))
	}
}

// Count returns the number of handlers registered for topic.
func (b *Bus) Count(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Clear removes every registration.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[Topic][]subscription)
}
