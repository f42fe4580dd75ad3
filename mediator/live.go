package mediator

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"nhooyr.io/websocket"

	"github.com/trace-labs/didtrace/messaging"
)

// liveBuffer is how many undelivered live messages are held per
// recipient before the oldest are discarded.
const liveBuffer = 32

// liveChannel is one recipient's persistent WebSocket connection to
// the mediator's live-delivery endpoint. It reconnects with
// exponential backoff until stopped.
type liveChannel struct {
	client *Client
	did    string
	url    string

	msgs   chan messaging.Message
	done   chan struct{}
	cancel context.CancelFunc
}

// liveFor returns the live channel for a recipient, starting it on
// first use.
func (c *Client) liveFor(recipientDID string) (*liveChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live == nil {
		return nil, fmt.Errorf("mediator client is closed")
	}
	if ch, ok := c.live[recipientDID]; ok {
		return ch, nil
	}
	if c.wsURL == "" {
		return nil, fmt.Errorf("mediator has no live-delivery endpoint configured")
	}

	ch := &liveChannel{
		client: c,
		did:    recipientDID,
		url:    c.wsURL + "?did=" + url.QueryEscape(recipientDID),
		msgs:   make(chan messaging.Message, liveBuffer),
		done:   make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch.cancel = cancel
	go ch.run(ctx)

	c.live[recipientDID] = ch
	return ch, nil
}

// EnableLiveDelivery opens the recipient's live channel eagerly. It is
// part of bootstrap so that pongs and deliveries can arrive before the
// first AwaitNext call.
func (c *Client) EnableLiveDelivery(recipientDID string) error {
	_, err := c.liveFor(recipientDID)
	return err
}

func (ch *liveChannel) stop() {
	ch.cancel()
}

// run maintains the WebSocket connection, reconnecting with backoff.
func (ch *liveChannel) run(ctx context.Context) {
	defer close(ch.done)

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry until stopped

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.Dial(ctx, ch.url, nil)
		if err != nil {
			ch.client.logger.Debug("live channel dial failed",
				"did", ch.did, "error", err)
			select {
			case <-time.After(bo.NextBackOff()):
				continue
			case <-ctx.Done():
				return
			}
		}
		bo.Reset()
		ch.client.logger.Info("live channel connected", "did", ch.did)

		ch.readLoop(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

// readLoop consumes frames until the connection drops. Each frame is
// an envelope packed for this recipient.
func (ch *liveChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				ch.client.logger.Debug("live channel read failed",
					"did", ch.did, "error", err)
			}
			return
		}

		msg, err := ch.client.Unpack(data, ch.did)
		if err != nil {
			ch.client.logger.Debug("discarding undecryptable live frame",
				"did", ch.did, "error", err)
			continue
		}

		select {
		case ch.msgs <- msg:
		default:
			// Buffer full: shed the oldest undelivered message.
			select {
			case <-ch.msgs:
			default:
			}
			select {
			case ch.msgs <- msg:
			default:
			}
		}
	}
}

// next returns the next live message, preferring one whose thread or
// ID matches hint. Non-matching messages are skipped while a hint is
// set. Returns (nil, nil) once the timeout elapses.
func (ch *liveChannel) next(ctx context.Context, hint string, timeout time.Duration) (*messaging.Message, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		select {
		case msg := <-ch.msgs:
			if hint == "" || msg.ThreadID == hint || msg.ID == hint {
				return &msg, nil
			}
			// Not the awaited message; keep waiting.
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, nil
		}
	}
}
