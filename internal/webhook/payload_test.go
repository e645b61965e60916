package webhook

import (
	"errors"
	"net/http"
	"testing"
)

const cheerBody = `{"subscription":{"id":"sub-1","type":"channel.cheer","version":"1","status":"enabled"},
"event":{"broadcaster_user_id":"1337","broadcaster_user_login":"streamer","user_id":"42","user_login":"viewer","user_name":"Viewer","is_anonymous":false,"message":"$fx thunder","bits":200}}`

func TestParseEventSubCheer(t *testing.T) {
	body := []byte(cheerBody)
	h := eventSubHeaders("k", "msg-1", "2024-05-01T00:00:00Z", MessageTypeNotification, body)
	h.Set(HeaderRetry, "1")

	d, err := ParseEventSub(h, body, "k")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.MessageID != "msg-1" || !d.Resend {
		t.Fatalf("unexpected delivery metadata: %+v", d)
	}
	if d.Subscription.Type != SubscriptionTypeCheer {
		t.Fatalf("unexpected subscription: %+v", d.Subscription)
	}
	if d.Event.BroadcasterUserID != "1337" || d.Event.Bits != 200 || d.Event.Message != "$fx thunder" {
		t.Fatalf("unexpected event: %+v", d.Event)
	}
}

func TestParseEventSubChallenge(t *testing.T) {
	body := []byte(`{"challenge":"pogchamp-kappa-360noscope","subscription":{"id":"s","type":"channel.cheer"}}`)
	h := eventSubHeaders("k", "m", "t", MessageTypeChallenge, body)

	d, err := ParseEventSub(h, body, "k")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !IsChallenge(h) || d.Challenge != "pogchamp-kappa-360noscope" {
		t.Fatalf("expected challenge, got %+v", d)
	}
}

func TestParseEventSubMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":       `{"subscription":`,
		"missing event":  `{"subscription":{"type":"channel.cheer"}}`,
		"negative bits":  `{"subscription":{"type":"channel.cheer"},"event":{"broadcaster_user_id":"1","bits":-5}}`,
		"no broadcaster": `{"subscription":{"type":"channel.cheer"},"event":{"bits":5}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			body := []byte(raw)
			h := eventSubHeaders("k", "m", "t", MessageTypeNotification, body)
			if _, err := ParseEventSub(h, body, "k"); !errors.Is(err, ErrMalformedBody) {
				t.Fatalf("expected ErrMalformedBody, got %v", err)
			}
		})
	}
}

func TestParseEventSubBadSignatureBeforeDecode(t *testing.T) {
	body := []byte(`garbage`)
	h := eventSubHeaders("k", "m", "t", MessageTypeNotification, body)
	if _, err := ParseEventSub(h, body, "other"); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected signature failure, got %v", err)
	}
}

func billingHeaders(secret, event string, body []byte) http.Header {
	h := http.Header{}
	h.Set(HeaderBillingSignature, SignBilling(secret, body))
	h.Set(HeaderBillingEvent, event)
	return h
}

func TestParseBilling(t *testing.T) {
	body := []byte(`{"meta":{"event_name":"subscription_created","custom_data":{"user_id":"b-1"}},
"data":{"attributes":{"customer_id":987,"first_subscription_item":{"id":"654"}}}}`)

	d, err := ParseBilling(billingHeaders("lemon", "subscription_created", body), body, "lemon")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Action != BillingEnable || d.UserID != "b-1" || d.CustomerID != "987" || d.SubscriptionItem != "654" {
		t.Fatalf("unexpected delivery: %+v", d)
	}

	for event, want := range map[string]BillingAction{
		"subscription_resumed":   BillingEnable,
		"subscription_unpaused":  BillingEnable,
		"subscription_expired":   BillingCancel,
		"subscription_paused":    BillingCancel,
		"subscription_cancelled": BillingCancel,
		"order_created":          BillingIgnore,
	} {
		d, err := ParseBilling(billingHeaders("lemon", event, body), body, "lemon")
		if err != nil {
			t.Fatalf("%s: %v", event, err)
		}
		if d.Action != want {
			t.Fatalf("%s: action %v, want %v", event, d.Action, want)
		}
	}
}

func TestParseBillingIgnoredSkipsDecode(t *testing.T) {
	body := []byte(`not json at all`)
	d, err := ParseBilling(billingHeaders("lemon", "order_refunded", body), body, "lemon")
	if err != nil {
		t.Fatalf("ignored events should not decode: %v", err)
	}
	if d.Action != BillingIgnore {
		t.Fatalf("expected ignore, got %v", d.Action)
	}
}
