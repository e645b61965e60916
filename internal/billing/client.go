package billing

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/you/cheerfx/internal/core"
)

var apiBaseURL = "https://api.lemonsqueezy.com/v1"

const contentType = "application/vnd.api+json"

// Client talks to the billing provider's JSON:API.
type Client struct {
	APIKey string
	HTTP   *http.Client
}

func NewClient(apiKey string) *Client {
	return &Client{APIKey: apiKey, HTTP: &http.Client{Timeout: 15 * time.Second}}
}

type usageRecordRequest struct {
	Data usageRecordData `json:"data"`
}

type usageRecordData struct {
	Type          string                `json:"type"`
	Attributes    usageRecordAttributes `json:"attributes"`
	Relationships usageRelationships    `json:"relationships"`
}

type usageRecordAttributes struct {
	Quantity int    `json:"quantity"`
	Action   string `json:"action"`
}

type usageRelationships struct {
	SubscriptionItem relationship `json:"subscription-item"`
}

type relationship struct {
	Data resourceRef `json:"data"`
}

type resourceRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type resourceResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// CreateUsageRecord increments usage on a subscription item and returns the
// record id.
func (c *Client) CreateUsageRecord(ctx context.Context, subscriptionItemID string, quantity int) (string, error) {
	body := usageRecordRequest{Data: usageRecordData{
		Type:       "usage-records",
		Attributes: usageRecordAttributes{Quantity: quantity, Action: "increment"},
		Relationships: usageRelationships{
			SubscriptionItem: relationship{Data: resourceRef{Type: "subscription-items", ID: subscriptionItemID}},
		},
	}}
	var out resourceResponse
	if err := c.do(ctx, http.MethodPost, "/usage-records", body, &out); err != nil {
		return "", err
	}
	if out.Data.ID == "" {
		return "", fmt.Errorf("%w: usage record without id", core.ErrExternalService)
	}
	return out.Data.ID, nil
}

// Usage is the current billing period for a subscription item.
type Usage struct {
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Quantity    int       `json:"quantity"`
}

func (c *Client) CurrentUsage(ctx context.Context, subscriptionItemID string) (Usage, error) {
	var out struct {
		Meta Usage `json:"meta"`
	}
	path := "/subscription-items/" + url.PathEscape(subscriptionItemID) + "/current-usage"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return Usage{}, err
	}
	return out.Meta, nil
}

type Customer struct {
	ID        string
	PortalURL string
}

func (c *Client) Customer(ctx context.Context, customerID string) (Customer, error) {
	var out struct {
		Data struct {
			ID         string `json:"id"`
			Attributes struct {
				URLs struct {
					CustomerPortal string `json:"customer_portal"`
				} `json:"urls"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/customers/"+url.PathEscape(customerID), nil, &out); err != nil {
		return Customer{}, err
	}
	if out.Data.Attributes.URLs.CustomerPortal == "" {
		return Customer{}, fmt.Errorf("%w: customer without portal url", core.ErrExternalService)
	}
	return Customer{ID: out.Data.ID, PortalURL: out.Data.Attributes.URLs.CustomerPortal}, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(apiBaseURL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", contentType)
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if in != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", core.ErrExternalService, method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s status %d: %s", core.ErrExternalService, method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", core.ErrExternalService, path, err)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}
