package flow

import (
	"context"

	"github.com/google/uuid"

	"github.com/trace-labs/didtrace/packet"
)

// TrustPing sends a trust ping from one participant and waits for the
// pong on the live channel. Every pickup outcome (pong received,
// timeout, delivery error) completes the flow successfully with a
// terminal trust-pong event; only a failure to send the ping itself
// aborts the flow.
func (o *Orchestrator) TrustPing(ctx context.Context, fromAlias, toAlias string) ([]packet.Event, error) {
	sender, err := o.ids.Resolve(fromAlias)
	if err != nil {
		return nil, validationErrorf("unknown sender: %s", fromAlias)
	}
	targetDID, err := o.resolvePingTarget(sender, toAlias)
	if err != nil {
		return nil, err
	}

	correlationID := uuid.NewString()
	var events []packet.Event

	// Step 1: send the ping.
	events = o.emit(events, packet.NewEvent(
		packet.DirectionOutbound, sender.DID, targetDID,
		packet.StepTrustPing,
		packet.Doc(map[string]any{
			"type": "https://didcomm.org/trust-ping/2.0/ping",
			"from": sender.DID,
			"to":   targetDID,
			"body": map[string]bool{"response_requested": true},
		}),
		correlationID))

	ack, err := o.client.SendPing(ctx, sender.DID, targetDID)
	if err != nil {
		return nil, stepErrorf("send_ping", err)
	}
	o.logger.Info("ping sent",
		"from", fromAlias, "to", toAlias, "message_hash", ack.MessageHash)

	events = o.emit(events, packet.NewEvent(
		packet.DirectionInbound, "mediator", sender.DID,
		packet.StepMediatorAck,
		packet.Doc(map[string]string{
			"message_hash": ack.MessageHash,
			"message_id":   ack.MessageID,
		}),
		correlationID))

	// Step 2: wait for the pong on the live channel. Timeout and
	// pickup errors are soft outcomes, recorded as the terminal event.
	pong, err := o.client.AwaitNext(ctx, sender.DID, ack.MessageID, o.pickupTimeout)
	var terminal packet.Event
	switch {
	case err != nil:
		o.logger.Error("pong pickup failed", "error", err)
		terminal = packet.NewEvent(
			packet.DirectionInbound, targetDID, sender.DID,
			packet.StepTrustPong,
			packet.Doc(map[string]string{"error": err.Error()}),
			correlationID)
	case pong == nil:
		o.logger.Debug("no pong received within timeout")
		terminal = packet.NewEvent(
			packet.DirectionInbound, targetDID, sender.DID,
			packet.StepTrustPong,
			packet.Doc(map[string]string{"status": "timeout"}),
			correlationID)
	default:
		o.logger.Info("pong received", "from", toAlias, "to", fromAlias)
		terminal = packet.NewEvent(
			packet.DirectionInbound, targetDID, sender.DID,
			packet.StepTrustPong, packet.Doc(pong), correlationID)
	}
	events = o.emit(events, terminal)

	return events, nil
}
