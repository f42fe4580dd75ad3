// Package bus provides the packet event distribution channel between
// flow orchestrators and their observers. Flows publish one event per
// protocol step; subscribers such as the SSE stream receive every event
// published after they attach, with bounded buffering per subscriber.
package bus

import "github.com/trace-labs/didtrace/packet"

// EventBus distributes packet events to subscribers.
type EventBus interface {
	// Publish sends an event to all current subscribers. It never
	// blocks: a subscriber whose buffer is full loses its oldest
	// buffered event instead.
	Publish(event packet.Event)

	// Subscribe registers a new subscriber. It receives only events
	// published after this call; there is no replay.
	// Returns a Subscription that must be closed when done.
	Subscribe() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns the channel of events for this subscription. The
	// channel is closed when the subscription or the bus is closed.
	Events() <-chan packet.Event

	// Lagged reports how many events were dropped because this
	// subscriber's buffer overflowed.
	Lagged() uint64

	// Close unsubscribes and releases resources.
	Close() error
}
