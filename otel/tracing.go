// Package otel translates packet events into OpenTelemetry spans. Each
// correlation ID becomes one span covering a whole protocol flow, with
// a span event per protocol step.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/trace-labs/didtrace/bus"
	"github.com/trace-labs/didtrace/packet"
)

// TracingHandler maintains one active span per correlation ID. The
// first event for an ID opens the span, each event is recorded on it,
// and the flow's terminal step closes it.
type TracingHandler struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span // correlation ID -> span
}

// NewTracingHandler creates a TracingHandler using the given tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer: tracer,
		spans:  make(map[string]trace.Span),
	}
}

// Handle records one packet event. Events without a correlation ID,
// such as reset notices, are ignored.
func (h *TracingHandler) Handle(e packet.Event) {
	if e.CorrelationID == "" {
		return
	}

	h.mu.Lock()
	span, ok := h.spans[e.CorrelationID]
	if !ok {
		_, span = h.tracer.Start(context.Background(), spanName(e.Step),
			trace.WithAttributes(
				attribute.String("didtrace.correlation_id", e.CorrelationID),
				attribute.String("didtrace.from", e.From),
				attribute.String("didtrace.to", e.To),
			),
		)
		h.spans[e.CorrelationID] = span
	}
	h.mu.Unlock()

	span.AddEvent(string(e.Step), trace.WithAttributes(
		attribute.String("didtrace.direction", string(e.Direction)),
		attribute.String("didtrace.label", e.Label),
		attribute.Int("didtrace.payload_bytes", len(e.RawJSON)),
	))

	if terminalStep(e.Step) {
		h.mu.Lock()
		delete(h.spans, e.CorrelationID)
		h.mu.Unlock()
		span.SetStatus(codes.Ok, "")
		span.End()
	}
}

// ActiveSpanContext returns the span context for a correlation ID, or
// an invalid context when no flow is in progress for it.
func (h *TracingHandler) ActiveSpanContext(correlationID string) trace.SpanContext {
	h.mu.Lock()
	span, ok := h.spans[correlationID]
	h.mu.Unlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// Flush ends every span still open, marking it as abandoned. Flows
// that fail mid-way never see a terminal step, so their spans stay
// open until shutdown.
func (h *TracingHandler) Flush() {
	h.mu.Lock()
	open := h.spans
	h.spans = make(map[string]trace.Span)
	h.mu.Unlock()

	for _, span := range open {
		span.SetStatus(codes.Error, "flow abandoned")
		span.End()
	}
}

// Pump subscribes to the event bus and feeds every event to the
// handler until the context is canceled or the bus closes. It flushes
// open spans on exit.
func (h *TracingHandler) Pump(ctx context.Context, b bus.EventBus) {
	sub := b.Subscribe()
	defer sub.Close()
	defer h.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			h.Handle(e)
		}
	}
}

func spanName(first packet.Step) string {
	switch first {
	case packet.StepTrustPing:
		return "flow:trust_ping"
	default:
		return "flow:send_message"
	}
}

// terminalStep reports whether a step ends its flow.
func terminalStep(s packet.Step) bool {
	return s == packet.StepMessageDelivery || s == packet.StepTrustPong
}
