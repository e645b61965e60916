package webhook

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
)

// Subscription identifies the EventSub subscription a delivery belongs to.
type Subscription struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

// CheerPayload is the channel.cheer event body.
type CheerPayload struct {
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	UserID               string `json:"user_id"`
	UserLogin            string `json:"user_login"`
	UserName             string `json:"user_name"`
	IsAnonymous          bool   `json:"is_anonymous"`
	Message              string `json:"message"`
	Bits                 int    `json:"bits"`
}

// EventSubDelivery is an authenticated EventSub request.
type EventSubDelivery struct {
	MessageID    string
	Timestamp    string
	MessageType  string
	Resend       bool
	Challenge    string
	Subscription Subscription
	Event        CheerPayload
}

type eventSubBody struct {
	Challenge    string          `json:"challenge"`
	Subscription Subscription    `json:"subscription"`
	Event        json.RawMessage `json:"event"`
}

// ParseEventSub verifies and decodes an EventSub request. Only channel.cheer
// notifications carry a decoded Event.
func ParseEventSub(h http.Header, body []byte, secret string) (EventSubDelivery, error) {
	if err := VerifyEventSubSignature(h, body, secret); err != nil {
		return EventSubDelivery{}, err
	}
	var raw eventSubBody
	if err := json.Unmarshal(body, &raw); err != nil {
		return EventSubDelivery{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	d := EventSubDelivery{
		MessageID:    h.Get(HeaderMessageID),
		Timestamp:    h.Get(HeaderTimestamp),
		MessageType:  h.Get(HeaderMessageType),
		Resend:       IsResend(h),
		Challenge:    raw.Challenge,
		Subscription: raw.Subscription,
	}
	if d.MessageType == MessageTypeChallenge {
		if d.Challenge == "" {
			return EventSubDelivery{}, fmt.Errorf("%w: empty challenge", ErrMalformedBody)
		}
		return d, nil
	}
	if d.MessageType == MessageTypeNotification && d.Subscription.Type == SubscriptionTypeCheer {
		if len(raw.Event) == 0 {
			return EventSubDelivery{}, fmt.Errorf("%w: missing event", ErrMalformedBody)
		}
		if err := json.Unmarshal(raw.Event, &d.Event); err != nil {
			return EventSubDelivery{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
		if d.Event.BroadcasterUserID == "" || d.Event.Bits < 0 {
			return EventSubDelivery{}, fmt.Errorf("%w: invalid cheer event", ErrMalformedBody)
		}
	}
	return d, nil
}

// BillingAction is what a billing event does to the account plan.
type BillingAction int

const (
	BillingIgnore BillingAction = iota
	BillingEnable
	BillingCancel
)

var billingActions = map[string]BillingAction{
	"subscription_created":   BillingEnable,
	"subscription_resumed":   BillingEnable,
	"subscription_unpaused":  BillingEnable,
	"subscription_expired":   BillingCancel,
	"subscription_paused":    BillingCancel,
	"subscription_cancelled": BillingCancel,
}

// BillingDelivery is an authenticated billing webhook.
type BillingDelivery struct {
	EventName        string
	Action           BillingAction
	UserID           string // our broadcaster id, passed through checkout custom data
	CustomerID       string
	SubscriptionItem string
}

type billingBody struct {
	Meta struct {
		EventName  string `json:"event_name"`
		CustomData struct {
			UserID string `json:"user_id"`
		} `json:"custom_data"`
	} `json:"meta"`
	Data struct {
		Attributes struct {
			CustomerID            flexID `json:"customer_id"`
			FirstSubscriptionItem struct {
				ID flexID `json:"id"`
			} `json:"first_subscription_item"`
		} `json:"attributes"`
	} `json:"data"`
}

// ParseBilling verifies and decodes a billing webhook. Unknown event names
// decode to BillingIgnore without touching the body.
func ParseBilling(h http.Header, body []byte, secret string) (BillingDelivery, error) {
	if err := VerifyBillingSignature(h, body, secret); err != nil {
		return BillingDelivery{}, err
	}
	name := h.Get(HeaderBillingEvent)
	d := BillingDelivery{EventName: name, Action: billingActions[name]}
	if d.Action == BillingIgnore {
		return d, nil
	}
	var raw billingBody
	if err := json.Unmarshal(body, &raw); err != nil {
		return BillingDelivery{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	d.UserID = raw.Meta.CustomData.UserID
	d.CustomerID = string(raw.Data.Attributes.CustomerID)
	d.SubscriptionItem = string(raw.Data.Attributes.FirstSubscriptionItem.ID)
	return d, nil
}

// flexID accepts ids sent either as JSON numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}
