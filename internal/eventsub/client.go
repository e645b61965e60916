// Package eventsub manages the channel.cheer webhook subscriptions this
// service receives cheers through.
package eventsub

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nicklaw5/helix/v2"

	"github.com/you/cheerfx/internal/core"
	"github.com/you/cheerfx/internal/logging"
)

var helixBaseURL = "https://api.twitch.tv/helix"

const (
	cheerType    = "channel.cheer"
	cheerVersion = "1"
)

type Options struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
	// Secret returns the current webhook secret; it may change on reload.
	Secret func() string
	HTTP   *http.Client
}

type Client struct {
	opts   Options
	tokens *tokenSource
}

func NewClient(opts Options) *Client {
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		opts: opts,
		tokens: &tokenSource{
			clientID:     opts.ClientID,
			clientSecret: opts.ClientSecret,
			http:         opts.HTTP,
		},
	}
}

// ctxDoer binds a request context to helix calls, which take none.
type ctxDoer struct {
	ctx    context.Context
	client *http.Client
}

func (d ctxDoer) Do(req *http.Request) (*http.Response, error) {
	return d.client.Do(req.WithContext(d.ctx))
}

func (c *Client) helix(ctx context.Context) (*helix.Client, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	hc, err := helix.NewClient(&helix.Options{
		ClientID:       c.opts.ClientID,
		ClientSecret:   c.opts.ClientSecret,
		AppAccessToken: token,
		APIBaseURL:     strings.TrimSuffix(helixBaseURL, "/"),
		HTTPClient:     ctxDoer{ctx: ctx, client: c.opts.HTTP},
	})
	if err != nil {
		return nil, fmt.Errorf("helix client: %w", err)
	}
	return hc, nil
}

// CreateCheer subscribes the callback to cheers in broadcasterUserID's
// channel and returns the subscription id. Twitch answers 202.
func (c *Client) CreateCheer(ctx context.Context, broadcasterUserID string) (string, error) {
	hc, err := c.helix(ctx)
	if err != nil {
		return "", err
	}
	secret := ""
	if c.opts.Secret != nil {
		secret = c.opts.Secret()
	}
	resp, err := hc.CreateEventSubSubscription(&helix.EventSubSubscription{
		Type:      cheerType,
		Version:   cheerVersion,
		Condition: helix.EventSubCondition{BroadcasterUserID: broadcasterUserID},
		Transport: helix.EventSubTransport{
			Method:   "webhook",
			Callback: c.opts.CallbackURL,
			Secret:   secret,
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: create subscription: %v", core.ErrExternalService, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate()
	}
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("%w: create subscription status %d: %s", core.ErrExternalService, resp.StatusCode, resp.ErrorMessage)
	}
	subs := resp.Data.EventSubSubscriptions
	if len(subs) == 0 || subs[0].ID == "" {
		return "", fmt.Errorf("%w: create subscription returned no id", core.ErrExternalService)
	}
	logging.Info().
		Str("twitch_user_id", broadcasterUserID).
		Str("subscription_id", subs[0].ID).
		Str("status", subs[0].Status).
		Msg("eventsub: cheer subscription created")
	return subs[0].ID, nil
}

// ListCheer returns the ids of channel.cheer subscriptions for
// broadcasterUserID, following pagination.
func (c *Client) ListCheer(ctx context.Context, broadcasterUserID string) ([]string, error) {
	hc, err := c.helix(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	params := &helix.EventSubSubscriptionsParams{Type: cheerType}
	for {
		resp, err := hc.GetEventSubSubscriptions(params)
		if err != nil {
			return nil, fmt.Errorf("%w: list subscriptions: %v", core.ErrExternalService, err)
		}
		if resp.StatusCode != http.StatusOK {
			if resp.StatusCode == http.StatusUnauthorized {
				c.tokens.Invalidate()
			}
			return nil, fmt.Errorf("%w: list subscriptions status %d: %s", core.ErrExternalService, resp.StatusCode, resp.ErrorMessage)
		}
		for _, sub := range resp.Data.EventSubSubscriptions {
			if sub.Type == cheerType && sub.Condition.BroadcasterUserID == broadcasterUserID {
				ids = append(ids, sub.ID)
			}
		}
		cursor := resp.Data.Pagination.Cursor
		if cursor == "" || cursor == params.After {
			return ids, nil
		}
		params.After = cursor
	}
}

// DeleteCheer removes every cheer subscription for broadcasterUserID and
// returns how many were deleted. Twitch answers 204 per deletion.
func (c *Client) DeleteCheer(ctx context.Context, broadcasterUserID string) (int, error) {
	ids, err := c.ListCheer(ctx, broadcasterUserID)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	hc, err := c.helix(ctx)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, id := range ids {
		resp, err := hc.RemoveEventSubSubscription(id)
		if err != nil {
			return deleted, fmt.Errorf("%w: delete subscription %s: %v", core.ErrExternalService, id, err)
		}
		if resp.StatusCode != http.StatusNoContent {
			return deleted, fmt.Errorf("%w: delete subscription %s status %d", core.ErrExternalService, id, resp.StatusCode)
		}
		deleted++
	}
	logging.Info().
		Str("twitch_user_id", broadcasterUserID).
		Int("deleted", deleted).
		Msg("eventsub: cheer subscriptions removed")
	return deleted, nil
}
