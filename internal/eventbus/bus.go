package eventbus

import (
	"fmt"
	"log/slog"
	"sync"
)

// Event is a transient named notification.
type Event struct {
	Name    string
	Payload any
}

// Handler receives published events. A returned error is logged and otherwise ignored.
type Handler func(evt Event) error

// Bus is a synchronous publish/subscribe channel. Publish delivers to every
// handler registered at call time before returning; handlers may publish or
// unsubscribe from inside a delivery.
type Bus struct {
	log *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	topics map[string][]subscription
	taps   []subscription
}

type subscription struct {
	id uint64
	fn Handler
}

func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log:    log.With(slog.String("component", "eventbus")),
		topics: make(map[string][]subscription),
	}
}

// Subscribe registers fn for events named name and returns a function that removes it.
func (b *Bus) Subscribe(name string, fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.topics[name] = append(b.topics[name], subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.topics[name] = remove(b.topics[name], id)
			if len(b.topics[name]) == 0 {
				delete(b.topics, name)
			}
		})
	}
}

// SubscribeAll registers fn for every event, after topic handlers have run.
func (b *Bus) SubscribeAll(fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.taps = append(b.taps, subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.taps = remove(b.taps, id)
		})
	}
}

// Publish delivers payload to the handlers of name. Events without subscribers are dropped.
func (b *Bus) Publish(name string, payload any) {
	b.mu.RLock()
	handlers := make([]subscription, 0, len(b.topics[name])+len(b.taps))
	handlers = append(handlers, b.topics[name]...)
	handlers = append(handlers, b.taps...)
	b.mu.RUnlock()

	evt := Event{Name: name, Payload: payload}
	for _, sub := range handlers {
		b.deliver(sub, evt)
	}
}

// HandlerCount reports the number of topic handlers registered for name.
func (b *Bus) HandlerCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[name])
}

func (b *Bus) deliver(sub subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("event handler panicked", slog.String("event", evt.Name), slog.String("error", fmt.Sprint(r)))
		}
	}()
	if err := sub.fn(evt); err != nil {
		b.log.Warn("event handler failed", slog.String("event", evt.Name), slog.String("error", err.Error()))
	}
}

func remove(subs []subscription, id uint64) []subscription {
	out := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
