// Package webhook authenticates inbound EventSub and billing deliveries.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
)

const (
	HeaderMessageID   = "Twitch-Eventsub-Message-Id"
	HeaderTimestamp   = "Twitch-Eventsub-Message-Timestamp"
	HeaderSignature   = "Twitch-Eventsub-Message-Signature"
	HeaderMessageType = "Twitch-Eventsub-Message-Type"
	HeaderRetry       = "Twitch-Eventsub-Message-Retry"

	HeaderBillingSignature = "X-Signature"
	HeaderBillingEvent     = "X-Event-Name"

	MessageTypeChallenge    = "webhook_callback_verification"
	MessageTypeNotification = "notification"
	MessageTypeRevocation   = "revocation"

	SubscriptionTypeCheer = "channel.cheer"

	signaturePrefix = "sha256="
)

var (
	ErrMissingHeader     = errors.New("webhook: missing header")
	ErrSignatureMismatch = errors.New("webhook: signature mismatch")
	ErrMalformedBody     = errors.New("webhook: malformed body")
)

// SignEventSub returns the EventSub signature header value for a delivery.
func SignEventSub(secret, messageID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// SignBilling returns the hex HMAC of the raw body, no prefix.
func SignBilling(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyEventSubSignature checks the id+timestamp+body HMAC. A missing header
// or empty secret is a verification failure.
func VerifyEventSubSignature(h http.Header, body []byte, secret string) error {
	id := h.Get(HeaderMessageID)
	ts := h.Get(HeaderTimestamp)
	sig := h.Get(HeaderSignature)
	if id == "" || ts == "" || sig == "" {
		return ErrMissingHeader
	}
	if secret == "" {
		return ErrSignatureMismatch
	}
	expected := SignEventSub(secret, id, ts, body)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return ErrSignatureMismatch
	}
	return nil
}

// VerifyBillingSignature checks hex(HMAC(body)) against X-Signature.
func VerifyBillingSignature(h http.Header, body []byte, secret string) error {
	sig := strings.TrimSpace(h.Get(HeaderBillingSignature))
	if sig == "" {
		return ErrMissingHeader
	}
	if secret == "" {
		return ErrSignatureMismatch
	}
	expected := SignBilling(secret, body)
	if !hmac.Equal([]byte(strings.ToLower(sig)), []byte(expected)) {
		return ErrSignatureMismatch
	}
	return nil
}

// IsResend reports whether the platform flagged this delivery as a retry.
// Absence means first delivery; callers still dedupe on message id.
func IsResend(h http.Header) bool {
	raw := strings.TrimSpace(h.Get(HeaderRetry))
	if raw == "" {
		return false
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n > 0
	}
	v, err := strconv.ParseBool(raw)
	return err == nil && v
}

func IsChallenge(h http.Header) bool {
	return h.Get(HeaderMessageType) == MessageTypeChallenge
}
