// Package eventbus is an in-process publish/subscribe bus. Delivery is
// synchronous: Publish returns after every handler registered at the time
// of the call has run, in registration order.
package eventbus

import (
	"sync"
	"sync/atomic"
)

// Handler receives one published event. A handler must not publish on the
// bus that is delivering to it.
type Handler[E any] func(E)

// Subscription is the handle returned by Subscribe.
type Subscription interface {
	Unsubscribe()
}

type subscriber[E any] struct {
	id      uint64
	handler Handler[E]
	active  atomic.Bool
	bus     *Bus[E]
}

func (s *subscriber[E]) Unsubscribe() {
	if s.active.Swap(false) {
		s.bus.remove(s.id)
	}
}

// Bus fans each published event out to every subscriber. Events published
// by concurrent callers are serialized, so all subscribers observe the same
// order and a handler never sees event N+1 before event N was delivered to
// every handler.
type Bus[E any] struct {
	mu     sync.RWMutex
	subs   []*subscriber[E]
	nextID uint64

	publishMu sync.Mutex
}

// New creates an empty bus.
func New[E any]() *Bus[E] {
	return &Bus[E]{}
}

// Subscribe registers h. A subscriber added while a Publish is in flight
// starts with the next event.
func (b *Bus[E]) Subscribe(h Handler[E]) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &subscriber[E]{id: b.nextID, handler: h, bus: b}
	s.active.Store(true)
	// Copy on write so in-flight snapshots stay valid.
	subs := make([]*subscriber[E], len(b.subs), len(b.subs)+1)
	copy(subs, b.subs)
	b.subs = append(subs, s)
	return s
}

func (b *Bus[E]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := make([]*subscriber[E], 0, len(b.subs))
	for _, s := range b.subs {
		if s.id != id {
			subs = append(subs, s)
		}
	}
	b.subs = subs
}

// Publish delivers ev to every active subscriber before returning.
func (b *Bus[E]) Publish(ev E) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.RLock()
	snapshot := b.subs
	b.mu.RUnlock()

	for _, s := range snapshot {
		if s.active.Load() {
			s.handler(ev)
		}
	}
}

// Len returns the number of active subscribers.
func (b *Bus[E]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
