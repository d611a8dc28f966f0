package events

import (
	"log/slog"
	"sync"
)

// Handler receives published events. Handlers run on the publisher's goroutine
// and must not block.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is an in-process publish/subscribe fan-out with explicit unsubscribe handles.
// The zero value is not usable; construct with NewBus.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	byType map[Type][]subscription
	all    []subscription
	log    *slog.Logger
}

func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{byType: make(map[Type][]subscription), log: log}
}

// Subscribe registers h for events of type t. The returned func removes the
// subscription; calling it more than once is a no-op.
func (b *Bus) Subscribe(t Type, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.byType[t] = append(b.byType[t], subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.byType[t] = remove(b.byType[t], id)
			if len(b.byType[t]) == 0 {
				delete(b.byType, t)
			}
		})
	}
}

// SubscribeAll registers h for every event type.
func (b *Bus) SubscribeAll(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.all = remove(b.all, id)
		})
	}
}

// Publish delivers e to matching subscribers in subscription order.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	targets := make([]Handler, 0, len(b.byType[e.Type])+len(b.all))
	for _, s := range b.byType[e.Type] {
		targets = append(targets, s.handler)
	}
	for _, s := range b.all {
		targets = append(targets, s.handler)
	}
	b.mu.RUnlock()

	for _, h := range targets {
		b.deliver(h, e)
	}
}

func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if p := recover(); p != nil {
			b.log.Error("event handler panicked", "type", e.Type, "source", e.Source, "panic", p)
		}
	}()
	h(e)
}

func remove(subs []subscription, id uint64) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
