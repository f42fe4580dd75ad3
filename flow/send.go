package flow

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/trace-labs/didtrace/messaging"
	"github.com/trace-labs/didtrace/packet"
)

// SendMessage runs the full annotated send flow from one participant
// to the other and returns the packet events it emitted, in order.
//
// The six steps are: plaintext build, encryption for the recipient,
// forward-wrapping for the recipient's mediator, handoff to the
// mediator, the mediator's ack, and delivery confirmation. Delivery
// here means "stored by the mediator": the message reaches the
// recipient over their live channel, and waiting on that channel could
// consume an unrelated protocol message instead.
func (o *Orchestrator) SendMessage(ctx context.Context, fromAlias, toAlias, body string) ([]packet.Event, error) {
	if strings.TrimSpace(body) == "" {
		return nil, validationErrorf("body cannot be empty")
	}

	parties, err := o.resolveParticipants(fromAlias, toAlias)
	if err != nil {
		return nil, err
	}
	sender, recipient := parties.sender, parties.recipient

	correlationID := uuid.NewString()
	var events []packet.Event

	// Step 1: build the plaintext message.
	msg, err := messaging.New(messaging.TypeBasicMessage, recipient.DID, sender.DID,
		map[string]string{"content": body}, messageTTL)
	if err != nil {
		return nil, stepErrorf("build_message", err)
	}

	events = o.emit(events, packet.NewEvent(
		packet.DirectionOutbound, sender.DID, recipient.DID,
		packet.StepPlaintextMessage, packet.Doc(msg), correlationID))
	o.logger.Debug("plaintext message built",
		"from", fromAlias, "to", toAlias, "msg_id", msg.ID)

	// Step 2: encrypt and sign for the recipient.
	packed, err := o.client.Pack(ctx, msg, recipient.DID, sender.DID, sender.DID)
	if err != nil {
		return nil, stepErrorf("pack_encrypted", err)
	}

	events = o.emit(events, packet.NewEvent(
		packet.DirectionOutbound, sender.DID, recipient.DID,
		packet.StepEncryptedPayload, rawDoc(packed), correlationID))
	o.logger.Debug("payload encrypted", "to", toAlias, "size_bytes", len(packed))

	// Step 3: wrap in a forward envelope for the recipient's mediator.
	_, forward, err := o.client.WrapForward(ctx, sender.DID, packed, recipient.MediatorDID, recipient.DID)
	if err != nil {
		return nil, stepErrorf("forward_message", err)
	}

	events = o.emit(events, packet.NewEvent(
		packet.DirectionOutbound, sender.DID, recipient.MediatorDID,
		packet.StepEncryptedForward, rawDoc(forward), correlationID))
	o.logger.Debug("forward envelope built", "size_bytes", len(forward))

	// Step 4: hand the envelope to the mediator.
	events = o.emit(events, packet.NewEvent(
		packet.DirectionOutbound, sender.DID, "mediator",
		packet.StepMediatorSend,
		packet.Doc(map[string]any{"msg_id": msg.ID, "size_bytes": len(forward)}),
		correlationID))

	ack, err := o.client.Dispatch(ctx, sender.DID, forward, msg.ID)
	if err != nil {
		o.logger.Error("mediator dispatch failed", "msg_id", msg.ID, "error", err)
		return nil, stepErrorf("send_message", err)
	}

	events = o.emit(events, packet.NewEvent(
		packet.DirectionInbound, "mediator", sender.DID,
		packet.StepMediatorAck,
		packet.Doc(map[string]any{"status": "stored", "response": ack}),
		correlationID))
	o.logger.Info("message handed to mediator",
		"from", fromAlias, "msg_id", msg.ID)

	// Step 5: the ack means the message is stored and will reach the
	// recipient via their live channel.
	events = o.emit(events, packet.NewEvent(
		packet.DirectionInbound, "mediator", recipient.DID,
		packet.StepMessageDelivery,
		packet.Doc(map[string]any{
			"msg_id": msg.ID,
			"status": "delivered",
			"detail": "Stored by mediator — will be delivered via live WebSocket stream",
		}),
		correlationID).WithAliases(fromAlias, toAlias))
	o.logger.Info("message delivered",
		"from", fromAlias, "to", toAlias, "msg_id", msg.ID)

	return events, nil
}

// rawDoc embeds envelope bytes as an event document, falling back to a
// wrapper object when the bytes are not themselves a JSON document.
func rawDoc(data []byte) json.RawMessage {
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	return packet.Doc(map[string]string{"raw": string(data)})
}
