package eventbus

import "sync"

// ChannelSubscriber buffers events for a consumer that reads at its own
// pace. When the buffer is full new events are dropped so publishers never
// block on a slow reader.
type ChannelSubscriber[E any] struct {
	ch      chan E
	sub     Subscription
	mu      sync.Mutex
	closed  bool
	dropped int
}

// Channel subscribes a buffered channel of the given size to bus.
func Channel[E any](bus *Bus[E], size int) *ChannelSubscriber[E] {
	if size <= 0 {
		size = 256
	}
	c := &ChannelSubscriber[E]{ch: make(chan E, size)}
	c.sub = bus.Subscribe(c.deliver)
	return c
}

func (c *ChannelSubscriber[E]) deliver(ev E) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- ev:
	default:
		c.dropped++
	}
}

// Events returns the receive side of the buffer.
func (c *ChannelSubscriber[E]) Events() <-chan E {
	return c.ch
}

// Dropped reports how many events were discarded because the buffer was
// full.
func (c *ChannelSubscriber[E]) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Close unsubscribes and closes the channel. Safe to call multiple times.
func (c *ChannelSubscriber[E]) Close() {
	c.sub.Unsubscribe()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}
