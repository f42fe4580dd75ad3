// Package mediator implements the messaging collaborator against a
// DIDComm mediator: demo-grade envelope packing, HTTP dispatch of
// forward envelopes, stored-message fetch, and live delivery over the
// mediator's WebSocket channel.
package mediator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/trace-labs/didtrace/identity"
	"github.com/trace-labs/didtrace/messaging"
)

const contentTypeEncrypted = "application/didcomm-encrypted+json"

// pingTTL bounds how long a trust ping stays valid.
const pingTTL = time.Minute

// Config configures a Client.
type Config struct {
	Registry *identity.Registry

	// HTTPClient overrides the transport used for mediator REST calls.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Client talks to the mediator on behalf of the demo participants. It
// is safe for concurrent use by multiple flows.
type Client struct {
	reg     *identity.Registry
	baseURL string
	wsURL   string
	http    *http.Client
	logger  *slog.Logger

	mu   sync.Mutex
	live map[string]*liveChannel // recipient DID -> channel
}

// New creates a mediator client for the participants in the registry.
func New(cfg Config) (*Client, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("mediator: registry is required")
	}
	med := cfg.Registry.Mediator()
	if med.URL == "" {
		return nil, fmt.Errorf("mediator: endpoint URL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		reg:     cfg.Registry,
		baseURL: strings.TrimRight(med.URL, "/"),
		wsURL:   med.WSURL,
		http:    httpClient,
		logger:  logger,
		live:    make(map[string]*liveChannel),
	}, nil
}

// Close tears down all live channels.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.live {
		ch.stop()
	}
	c.live = nil
	return nil
}

// encryptionKey resolves the X25519 public key for a DID: one of the
// two participants, or the mediator itself.
func (c *Client) encryptionKey(did string) ([]byte, error) {
	if id := c.reg.ResolveDID(did); id != nil {
		return id.EncryptionPublic, nil
	}
	if did == c.reg.Mediator().DID {
		if key := c.reg.MediatorEncryptionKey(); key != nil {
			return key, nil
		}
		return nil, fmt.Errorf("no encryption key configured for mediator %s", did)
	}
	return nil, fmt.Errorf("no encryption key known for %s", did)
}

// Pack encrypts a message for toDID. When signerDID is non-empty the
// plaintext is signed with that participant's key first.
func (c *Client) Pack(_ context.Context, msg messaging.Message, toDID, fromDID, signerDID string) ([]byte, error) {
	recipientKey, err := c.encryptionKey(toDID)
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("serializing message: %w", err)
	}

	if signerDID != "" {
		signer := c.reg.ResolveDID(signerDID)
		if signer == nil {
			return nil, fmt.Errorf("no signing key known for %s", signerDID)
		}
		plaintext, err = sign(plaintext, signer.SigningKey, signerDID)
		if err != nil {
			return nil, fmt.Errorf("signing message: %w", err)
		}
	}

	return seal(plaintext, recipientKey, toDID, fromDID)
}

// Unpack opens an envelope addressed to recipientDID and returns the
// plaintext message. A signed inner layer is verified against the
// named signer's key when it is known.
func (c *Client) Unpack(data []byte, recipientDID string) (messaging.Message, error) {
	recipient := c.reg.ResolveDID(recipientDID)
	if recipient == nil {
		return messaging.Message{}, fmt.Errorf("no decryption key known for %s", recipientDID)
	}

	plaintext, _, err := open(data, recipient.EncryptionSecret)
	if err != nil {
		return messaging.Message{}, err
	}

	inner, signerKID := maybeSigned(plaintext)
	if signerKID != "" {
		if signer := c.reg.ResolveDID(signerKID); signer != nil {
			if _, err := verify(plaintext, signer.VerifyKey); err != nil {
				return messaging.Message{}, err
			}
		}
	}
	return parseMessage(inner)
}

// WrapForward wraps packed bytes in a forward envelope for the
// recipient's mediator, sealed anonymously for the mediator.
func (c *Client) WrapForward(ctx context.Context, _ string, packed []byte, mediatorDID, recipientDID string) (string, []byte, error) {
	forward, err := messaging.New(messaging.TypeForward, mediatorDID, "",
		map[string]string{"next": recipientDID}, 0)
	if err != nil {
		return "", nil, err
	}
	forward.Attachments = []messaging.Attachment{{
		Data: messaging.AttachmentData{JSON: packed},
	}}

	wrapped, err := c.Pack(ctx, forward, mediatorDID, "", "")
	if err != nil {
		return "", nil, fmt.Errorf("sealing forward envelope: %w", err)
	}
	return forward.ID, wrapped, nil
}

// Dispatch POSTs an envelope to the mediator's inbound endpoint.
func (c *Client) Dispatch(ctx context.Context, senderDID string, envelope []byte, msgID string) (messaging.Ack, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/inbound", bytes.NewReader(envelope))
	if err != nil {
		return messaging.Ack{}, err
	}
	req.Header.Set("Content-Type", contentTypeEncrypted)
	req.Header.Set("X-Sender-DID", senderDID)

	var result struct {
		Status string `json:"status"`
	}
	if err := c.do(req, &result); err != nil {
		return messaging.Ack{}, err
	}

	status := result.Status
	if status == "" {
		status = "stored"
	}
	return messaging.Ack{
		MessageID:   msgID,
		MessageHash: digest(envelope),
		Status:      status,
	}, nil
}

// SendPing sends a trust ping to targetDID. A ping for a participant
// travels through their mediator like any message; a ping for the
// mediator itself is dispatched directly.
func (c *Client) SendPing(ctx context.Context, senderDID, targetDID string) (messaging.Ack, error) {
	ping, err := messaging.New(messaging.TypeTrustPing, targetDID, senderDID,
		map[string]bool{"response_requested": true}, pingTTL)
	if err != nil {
		return messaging.Ack{}, err
	}

	packed, err := c.Pack(ctx, ping, targetDID, senderDID, senderDID)
	if err != nil {
		return messaging.Ack{}, fmt.Errorf("packing ping: %w", err)
	}

	wire := packed
	if target := c.reg.ResolveDID(targetDID); target != nil {
		_, wire, err = c.WrapForward(ctx, senderDID, packed, target.MediatorDID, targetDID)
		if err != nil {
			return messaging.Ack{}, err
		}
	}

	ack, err := c.Dispatch(ctx, senderDID, wire, ping.ID)
	if err != nil {
		return messaging.Ack{}, err
	}
	ack.MessageID = ping.ID
	return ack, nil
}

// AwaitNext waits for the next live-channel message for recipientDID,
// preferring one whose thread matches msgIDHint. It returns (nil, nil)
// when the timeout elapses.
func (c *Client) AwaitNext(ctx context.Context, recipientDID, msgIDHint string, timeout time.Duration) (*messaging.Message, error) {
	ch, err := c.liveFor(recipientDID)
	if err != nil {
		return nil, err
	}
	return ch.next(ctx, msgIDHint, timeout)
}

// FetchStored lists messages the mediator holds for recipientDID,
// leaving them in place.
func (c *Client) FetchStored(ctx context.Context, recipientDID string, limit int) ([]messaging.StoredMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	body, err := json.Marshal(map[string]any{
		"did":           recipientDID,
		"limit":         limit,
		"delete_policy": "do_not_delete",
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/outbound", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var result struct {
		Success []messaging.StoredMessage `json:"success"`
	}
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	return result.Success, nil
}

// do executes a request and decodes a JSON response, turning non-2xx
// statuses into errors carrying the response body.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mediator request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading mediator response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("mediator %s returned %d: %s", req.URL.Path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parsing mediator response: %w", err)
		}
	}
	return nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

var _ messaging.Client = (*Client)(nil)
