// Package flow implements the annotated message flows of the demo.
// Each flow drives a fixed sequence of calls against the messaging
// collaborator, publishing one packet event per protocol step and
// returning the ordered step list to the caller.
package flow

import (
	"log/slog"
	"time"

	"github.com/trace-labs/didtrace/bus"
	"github.com/trace-labs/didtrace/identity"
	"github.com/trace-labs/didtrace/messaging"
	"github.com/trace-labs/didtrace/packet"
)

// DefaultPickupTimeout bounds the wait for a live-channel delivery,
// such as a trust-ping pong.
const DefaultPickupTimeout = 10 * time.Second

// messageTTL is the expiry window stamped on outbound messages.
const messageTTL = 5 * time.Minute

// Config configures an Orchestrator.
type Config struct {
	Bus        bus.EventBus
	Client     messaging.Client
	Identities *identity.Registry

	// PickupTimeout bounds live-channel waits (default 10s).
	PickupTimeout time.Duration

	Logger *slog.Logger
}

// Orchestrator runs the demo flows. It is constructed once at startup
// and shared by all concurrently executing triggers; the bus and the
// messaging client are safe for concurrent use, and each flow keeps
// its accumulated event list local to its own invocation.
type Orchestrator struct {
	bus           bus.EventBus
	client        messaging.Client
	ids           *identity.Registry
	pickupTimeout time.Duration
	logger        *slog.Logger
}

// New creates an Orchestrator with the given configuration.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.PickupTimeout
	if timeout <= 0 {
		timeout = DefaultPickupTimeout
	}
	return &Orchestrator{
		bus:           cfg.Bus,
		client:        cfg.Client,
		ids:           cfg.Identities,
		pickupTimeout: timeout,
		logger:        logger,
	}
}

// emit publishes an event and appends it to the flow's local record.
// Publication is best-effort: flow correctness never depends on any
// observer receiving the event.
func (o *Orchestrator) emit(events []packet.Event, e packet.Event) []packet.Event {
	o.bus.Publish(e)
	return append(events, e)
}

// Reset publishes the synthetic reset signal telling all connected
// observers to clear their accumulated view. It travels the same bus
// path as protocol events and carries no correlation ID.
func (o *Orchestrator) Reset() packet.Event {
	e := packet.NewEvent(
		packet.DirectionOutbound, "system", "all",
		packet.StepPlaintextMessage,
		packet.Doc(map[string]string{"action": "reset"}), "")
	o.bus.Publish(e)
	return e
}
