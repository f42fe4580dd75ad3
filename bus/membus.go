package bus

import (
	"sync"

	"github.com/trace-labs/didtrace/packet"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the per-subscriber buffer capacity
	// (default: 256). A subscriber that falls further behind than this
	// window loses its oldest events.
	SubscriberBufferSize int
}

// MemBus is an in-memory broadcast event bus. Publish fans each event
// out to every live subscriber without ever blocking the publisher.
type MemBus struct {
	mu      sync.RWMutex
	subs    []*memSub
	bufSize int
	closed  bool
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{bufSize: bufSize}
}

// Publish sends an event to all current subscribers. If the bus is
// closed, the event is silently dropped.
func (b *MemBus) Publish(event packet.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		sub.send(event)
	}
}

// Subscribe registers a subscriber that receives every event published
// from now on. Returns a Subscription that must be closed when done.
func (b *MemBus) Subscribe() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b, b.bufSize)
	if !b.closed {
		b.subs = append(b.subs, sub)
	} else {
		sub.close()
	}
	return sub
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, sub := range b.subs {
		sub.close()
	}
	b.subs = nil
	return nil
}

// remove detaches a subscription after its Close so the publish loop
// stops visiting it.
func (b *MemBus) remove(target *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// memSub is an in-memory subscription with a bounded, drop-oldest buffer.
type memSub struct {
	bus    *MemBus
	ch     chan packet.Event
	mu     sync.Mutex
	lagged uint64
	closed bool
}

func newMemSub(b *MemBus, bufSize int) *memSub {
	return &memSub{
		bus: b,
		ch:  make(chan packet.Event, bufSize),
	}
}

// Events returns the channel of events for this subscription.
func (s *memSub) Events() <-chan packet.Event {
	return s.ch
}

// Lagged reports how many events were dropped due to buffer overflow.
func (s *memSub) Lagged() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagged
}

// Close unsubscribes and releases resources.
func (s *memSub) Close() error {
	s.bus.remove(s)
	s.close()
	return nil
}

// close performs the actual channel close, guarded against double-close.
func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers an event to the subscription's channel. When the buffer
// is full the oldest buffered event is discarded and counted as lag;
// the publisher is never blocked either way.
func (s *memSub) send(event packet.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	for {
		select {
		case s.ch <- event:
			return
		default:
		}
		// Buffer full: shed the oldest event. The consumer may race us
		// and free a slot, in which case nothing is dropped.
		select {
		case <-s.ch:
			s.lagged++
		default:
		}
	}
}

// Compile-time interface checks.
var _ EventBus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
