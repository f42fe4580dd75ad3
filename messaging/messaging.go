// Package messaging defines the boundary with the external DIDComm
// messaging toolkit. Flow orchestrators depend only on the Client
// interface; the mediator package provides the concrete implementation.
package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Well-known DIDComm message types used by the demo flows.
const (
	TypeBasicMessage = "https://didcomm.org/basicmessage/2.0/message"
	TypeTrustPing    = "https://didcomm.org/trust-ping/2.0/ping"
	TypeTrustPong    = "https://didcomm.org/trust-ping/2.0/ping-response"
	TypeForward      = "https://didcomm.org/routing/2.0/forward"
)

// Message is a plaintext DIDComm v2 message.
type Message struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	From        string            `json:"from,omitempty"`
	To          []string          `json:"to,omitempty"`
	ThreadID    string            `json:"thid,omitempty"`
	CreatedTime int64             `json:"created_time,omitempty"`
	ExpiresTime int64             `json:"expires_time,omitempty"`
	Body        json.RawMessage   `json:"body"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Attachment carries an embedded document, such as a packed message
// inside a forward envelope.
type Attachment struct {
	ID   string         `json:"id,omitempty"`
	Data AttachmentData `json:"data"`
}

// AttachmentData is the payload of an attachment.
type AttachmentData struct {
	JSON   json.RawMessage `json:"json,omitempty"`
	Base64 string          `json:"base64,omitempty"`
}

// New constructs a plaintext message of the given type with a fresh ID,
// the current created time, and an expiry ttl from now. A zero ttl
// leaves the expiry unset.
func New(typ, to, from string, body any, ttl time.Duration) (Message, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:          uuid.NewString(),
		Type:        typ,
		From:        from,
		To:          []string{to},
		CreatedTime: time.Now().Unix(),
		Body:        raw,
	}
	if ttl > 0 {
		msg.ExpiresTime = msg.CreatedTime + int64(ttl.Seconds())
	}
	return msg, nil
}

// Ack reports the outcome of handing a message to the mediator.
type Ack struct {
	// MessageID is the ID the mediator filed the message under.
	MessageID string `json:"message_id"`

	// MessageHash is the hash of the bytes as received.
	MessageHash string `json:"message_hash"`

	// Status is the mediator-reported disposition, e.g. "stored".
	Status string `json:"status,omitempty"`
}

// StoredMessage is one message held by the mediator for a recipient.
type StoredMessage struct {
	MsgID string          `json:"msg_id"`
	Msg   json.RawMessage `json:"msg"`
}

// Client is the external messaging collaborator. Implementations must
// be safe for concurrent use by multiple flows.
type Client interface {
	// Pack encrypts (and, when signerDID is non-empty, signs) a
	// message for the recipient. The result is the serialized
	// encrypted envelope.
	Pack(ctx context.Context, msg Message, toDID, fromDID, signerDID string) ([]byte, error)

	// WrapForward wraps an already-packed message in a forward
	// envelope addressed to the recipient's mediator, encrypted for
	// the mediator. It returns the forward message ID and the
	// serialized envelope.
	WrapForward(ctx context.Context, senderDID string, packed []byte, mediatorDID, recipientDID string) (string, []byte, error)

	// Dispatch hands envelope bytes to the sender's mediator.
	Dispatch(ctx context.Context, senderDID string, envelope []byte, msgID string) (Ack, error)

	// AwaitNext blocks until the next message for the recipient
	// arrives on the live channel, preferring one whose thread
	// matches msgIDHint. A nil message with a nil error means the
	// timeout elapsed without delivery.
	AwaitNext(ctx context.Context, recipientDID, msgIDHint string, timeout time.Duration) (*Message, error)

	// SendPing sends a trust ping to targetDID on behalf of the
	// sender and returns the mediator's ack carrying the ping's
	// message ID and hash.
	SendPing(ctx context.Context, senderDID, targetDID string) (Ack, error)

	// FetchStored lists messages the mediator holds for the
	// recipient without deleting them.
	FetchStored(ctx context.Context, recipientDID string, limit int) ([]StoredMessage, error)
}
