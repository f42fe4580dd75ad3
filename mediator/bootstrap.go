package mediator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"golang.org/x/sync/errgroup"
)

func jsonBody(v any) (io.Reader, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// Access-list modes reported by the mediator.
const (
	ACLModeExplicitAllow = "explicit_allow"
	ACLModeExplicitDeny  = "explicit_deny"
)

// Account is the mediator's view of a participant.
type Account struct {
	DIDHash        string `json:"did_hash"`
	AccessListMode string `json:"access_list_mode"`
}

// AccountGet fetches the mediator account for a DID.
func (c *Client) AccountGet(ctx context.Context, did string) (Account, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/accounts/"+url.PathEscape(did), nil)
	if err != nil {
		return Account{}, err
	}
	var account Account
	if err := c.do(req, &account); err != nil {
		return Account{}, err
	}
	if account.DIDHash == "" {
		return Account{}, fmt.Errorf("account for %s not found on mediator", did)
	}
	return account, nil
}

// AccessListAdd adds DID hashes to a participant's allow list.
func (c *Client) AccessListAdd(ctx context.Context, did string, hashes []string) error {
	body, err := jsonBody(map[string]any{"add": hashes})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/accounts/"+url.PathEscape(did)+"/access-list", body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

// Bootstrap prepares both participants on the mediator: it fetches
// their accounts, cross-authorizes them when their accounts run in
// explicit-allow mode, and opens their live-delivery channels. It must
// complete before the server starts accepting flow triggers.
func (c *Client) Bootstrap(ctx context.Context) error {
	ids := c.reg.All()
	accounts := make([]Account, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			account, err := c.AccountGet(gctx, id.DID)
			if err != nil {
				return fmt.Errorf("fetching account for %s: %w", id.Alias, err)
			}
			accounts[i] = account
			c.logger.Info("profile active on mediator",
				"alias", id.Alias, "did_hash", account.DIDHash)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, id := range ids {
		if accounts[i].AccessListMode != ACLModeExplicitAllow {
			continue
		}
		peer := accounts[(i+1)%len(accounts)]
		if err := c.AccessListAdd(ctx, id.DID, []string{peer.DIDHash}); err != nil {
			return fmt.Errorf("updating access list for %s: %w", id.Alias, err)
		}
		c.logger.Info("peer added to allow list", "alias", id.Alias)
	}

	for _, id := range ids {
		if err := c.EnableLiveDelivery(id.DID); err != nil {
			// Live delivery is best-effort at startup; pickup waits
			// will retry the connection.
			c.logger.Error("enabling live delivery failed",
				"alias", id.Alias, "error", err)
			continue
		}
		c.logger.Info("live delivery enabled", "alias", id.Alias)
	}
	return nil
}
