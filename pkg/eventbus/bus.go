package eventbus

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// Event is delivered to handlers on every publish.
type Event struct {
	Topic   string
	Payload any
}

// Handler is a callback invoked when an event is published on its topic.
type Handler func(Event)

// Subscription identifies a registered handler.
type Subscription struct {
	id     uint64
	topic  string
	once   bool
	active atomic.Bool
	fired  atomic.Bool
	fn     Handler
}

// Topic returns the topic the subscription listens on.
func (s *Subscription) Topic() string {
	if s == nil {
		return ""
	}
	return s.topic
}

// Active reports whether the handler is still registered.
func (s *Subscription) Active() bool {
	return s != nil && s.active.Load()
}

// Bus is a topic-based publish/subscribe dispatcher.
// It is safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]*Subscription
	nextID uint64
	logger *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report recovered handler panics.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		topics: make(map[string][]*Subscription),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers fn for topic and returns its handle.
func (b *Bus) Subscribe(topic string, fn Handler) *Subscription {
	return b.add(topic, fn, false)
}

// Once registers fn for topic; it is removed after its first invocation.
func (b *Bus) Once(topic string, fn Handler) *Subscription {
	return b.add(topic, fn, true)
}

func (b *Bus) add(topic string, fn Handler, once bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:    b.nextID,
		topic: topic,
		once:  once,
		fn:    fn,
	}
	sub.active.Store(true)
	b.topics[topic] = append(b.topics[topic], sub)
	return sub
}

// Unsubscribe removes the handler. It returns false if the subscription
// was nil or already removed.
func (b *Bus) Unsubscribe(sub *Subscription) bool {
	if sub == nil || !sub.active.CompareAndSwap(true, false) {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(sub)
	return true
}

func (b *Bus) remove(sub *Subscription) {
	subs := b.topics[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			// Copy so that in-flight snapshots stay intact.
			next := make([]*Subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.topics, sub.topic)
			} else {
				b.topics[sub.topic] = next
			}
			return
		}
	}
}

// Publish invokes every handler subscribed to topic, in subscription order,
// before returning. Handlers removed while the publish is in progress are
// skipped. Panics are recovered per handler.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	subs := b.topics[topic]
	b.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	event := Event{Topic: topic, Payload: payload}
	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		if sub.once {
			if !sub.fired.CompareAndSwap(false, true) {
				continue
			}
			b.Unsubscribe(sub)
		}
		b.invoke(sub, event)
	}
}

func (b *Bus) invoke(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Warn("event handler panicked",
				slog.String("topic", event.Topic),
				slog.Uint64("subscription", sub.id),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	sub.fn(event)
}

// Len returns the number of handlers subscribed to topic.
func (b *Bus) Len(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Topics returns the topics that currently have subscribers, sorted.
func (b *Bus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics := make([]string, 0, len(b.topics))
	for t := range b.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}
