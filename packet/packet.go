// Package packet defines the event records that describe each wire-level
// step of a DIDComm exchange. Records are published on the event bus and
// rendered by the frontend packet inspector.
package packet

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Step identifies the stage of the DIDComm pipeline a packet event
// belongs to. The set is closed: the frontend keys badge rendering off
// these values.
type Step string

const (
	// StepPlaintextMessage is the unencrypted DIDComm message as built.
	StepPlaintextMessage Step = "plaintext_message"

	// StepSignedEnvelope is the JWS-signed form of the message.
	StepSignedEnvelope Step = "signed_envelope"

	// StepEncryptedPayload is the message encrypted for the recipient.
	StepEncryptedPayload Step = "encrypted_payload"

	// StepEncryptedForward is the payload wrapped in a forward envelope
	// addressed to the recipient's mediator.
	StepEncryptedForward Step = "encrypted_forward"

	// StepMediatorSend marks the handoff of bytes to the mediator.
	StepMediatorSend Step = "mediator_send"

	// StepMediatorAck is the mediator's acknowledgement of receipt.
	StepMediatorAck Step = "mediator_ack"

	// StepTrustPing is an outbound trust-ping message.
	StepTrustPing Step = "trust_ping"

	// StepTrustPong is the pong reply (or its timeout/error stand-in).
	StepTrustPong Step = "trust_pong"

	// StepMessagePickup is a pickup request against the mediator's queue.
	StepMessagePickup Step = "message_pickup"

	// StepMessageDelivery marks the message as delivered (or stored for
	// delivery over the live channel).
	StepMessageDelivery Step = "message_delivery"
)

// String returns the string representation of the Step.
func (s Step) String() string {
	return string(s)
}

// Label returns the fixed human-readable badge text for the step.
func (s Step) Label() string {
	switch s {
	case StepPlaintextMessage:
		return "① Plaintext Message"
	case StepSignedEnvelope:
		return "② Signed Envelope"
	case StepEncryptedPayload:
		return "③ Encrypted Payload"
	case StepEncryptedForward:
		return "④ Forward Envelope"
	case StepMediatorSend:
		return "⑤ Mediator Send"
	case StepMediatorAck:
		return "⑤ Mediator ACK"
	case StepTrustPing:
		return "① Trust Ping"
	case StepTrustPong:
		return "② Trust Pong"
	case StepMessagePickup:
		return "⑥ Message Pickup"
	case StepMessageDelivery:
		return "⑥ Message Delivery"
	default:
		return string(s)
	}
}

// Color returns the fixed CSS color class hint for the step.
func (s Step) Color() string {
	switch s {
	case StepPlaintextMessage:
		return "blue"
	case StepSignedEnvelope:
		return "yellow"
	case StepEncryptedPayload, StepEncryptedForward:
		return "red"
	case StepMediatorSend:
		return "orange"
	case StepTrustPing, StepTrustPong:
		return "purple"
	case StepMediatorAck, StepMessagePickup, StepMessageDelivery:
		return "green"
	default:
		return "gray"
	}
}

// Direction of a packet relative to this demo server.
type Direction string

const (
	// DirectionOutbound marks packets leaving the demo server.
	DirectionOutbound Direction = "outbound"

	// DirectionInbound marks packets arriving at the demo server.
	DirectionInbound Direction = "inbound"
)

// Event is one packet event emitted to the frontend. It is immutable
// once constructed; WithAliases returns a modified copy.
//
// Label and Color are derived from Step at construction and never set
// independently.
type Event struct {
	// ID is unique per event.
	ID string `json:"id"`

	// Timestamp is the RFC3339 creation time.
	Timestamp string `json:"timestamp"`

	// Direction is outbound or inbound.
	Direction Direction `json:"direction"`

	// From and To are endpoint identifiers: a DID, or a role name such
	// as "mediator" or "system".
	From string `json:"from"`
	To   string `json:"to"`

	// FromAlias and ToAlias are optional human-readable labels
	// ("alice", "bob") for the From/To DIDs.
	FromAlias string `json:"from_alias,omitempty"`
	ToAlias   string `json:"to_alias,omitempty"`

	// Step is the pipeline stage this event describes.
	Step Step `json:"step"`

	// Label and Color are the display attributes derived from Step.
	Label string `json:"label"`
	Color string `json:"color"`

	// RawJSON is the wire content or status document for this step.
	RawJSON json.RawMessage `json:"raw_json"`

	// CorrelationID links all events of one flow invocation. Empty for
	// ambient events such as the reset signal.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// NewEvent creates an Event with a fresh ID, the current timestamp, and
// display attributes derived from step.
func NewEvent(direction Direction, from, to string, step Step, raw json.RawMessage, correlationID string) Event {
	return Event{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Direction:     direction,
		From:          from,
		To:            to,
		Step:          step,
		Label:         step.Label(),
		Color:         step.Color(),
		RawJSON:       raw,
		CorrelationID: correlationID,
	}
}

// WithAliases returns a copy of the event with from/to aliases set.
func (e Event) WithAliases(fromAlias, toAlias string) Event {
	e.FromAlias = fromAlias
	e.ToAlias = toAlias
	return e
}

// Doc marshals v for use as an event's RawJSON. A marshal failure is
// reported inline as an error document rather than failing the flow.
func Doc(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{"error":"serialization failed"}`)
	}
	return data
}
