package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/you/cheerfx/internal/ingest"
	"github.com/you/cheerfx/internal/ingesttrace"
	"github.com/you/cheerfx/internal/logging"
	"github.com/you/cheerfx/internal/webhook"
)

const maxWebhookBody = 1 << 20

func readWebhookBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		http.Error(w, "read body", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func isAuthFailure(err error) bool {
	return errors.Is(err, webhook.ErrMissingHeader) || errors.Is(err, webhook.ErrSignatureMismatch)
}

// handleTwitchWebhook acknowledges every authenticated delivery with 200.
// Only a bad signature (403), an undecodable body (400) or a failure to
// persist the cheer (500) are reported back. The 500 is the one processing
// error Twitch ever sees: answering 200 would lose the cheer, and the unique
// message id makes the redelivery safe to ingest.
func (s *Server) handleTwitchWebhook(w http.ResponseWriter, r *http.Request) {
	const source = "twitch"
	trace := ingesttrace.New(source, r.Header.Get(webhook.HeaderMessageID))
	defer trace.Log("webhook: delivery")

	body, ok := readWebhookBody(w, r)
	if !ok {
		trace.Inc(ingesttrace.StageDropped("unreadable"))
		s.metrics.IncWebhook(source, "unreadable")
		return
	}

	d, err := webhook.ParseEventSub(r.Header, body, s.opts.Secrets.Twitch())
	if isAuthFailure(err) {
		trace.Inc(ingesttrace.StageDropped("forbidden"))
		s.metrics.IncWebhook(source, "forbidden")
		logging.Warn().Err(err).Str("remote", remoteIP(r)).Msg("webhook: twitch authentication failed")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if err != nil {
		trace.Inc(ingesttrace.StageDropped("malformed"))
		s.metrics.IncWebhook(source, "malformed")
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	trace.Inc(ingesttrace.StageVerified)

	switch d.MessageType {
	case webhook.MessageTypeChallenge:
		s.metrics.IncWebhook(source, "challenge")
		logging.Info().Str("subscription_id", d.Subscription.ID).Msg("webhook: answering eventsub challenge")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(d.Challenge))
		return
	case webhook.MessageTypeRevocation:
		s.metrics.IncWebhook(source, "revocation")
		logging.Warn().
			Str("subscription_id", d.Subscription.ID).
			Str("status", d.Subscription.Status).
			Msg("webhook: eventsub subscription revoked")
		w.WriteHeader(http.StatusOK)
		return
	case webhook.MessageTypeNotification:
	default:
		s.metrics.IncWebhook(source, "unknown_type")
		w.WriteHeader(http.StatusOK)
		return
	}

	if d.Subscription.Type != webhook.SubscriptionTypeCheer {
		trace.Inc(ingesttrace.StageDropped("unsupported_type"))
		s.metrics.IncWebhook(source, "unsupported_type")
		w.WriteHeader(http.StatusOK)
		return
	}

	res, err := s.opts.Ingest.HandleCheer(r.Context(), d, trace)
	switch {
	case errors.Is(err, ingest.ErrUnknownBroadcaster):
		s.metrics.IncWebhook(source, "unknown_broadcaster")
		w.WriteHeader(http.StatusOK)
		return
	case err != nil:
		// not acknowledged so Twitch retries the delivery
		trace.Inc(ingesttrace.StageDropped("persist"))
		s.metrics.IncWebhook(source, "error")
		logging.Error().Err(err).Str("message_id", d.MessageID).Msg("webhook: cheer intake failed")
		http.Error(w, "intake failed", http.StatusInternalServerError)
		return
	}

	outcome := "accepted"
	switch {
	case res.Duplicate:
		outcome = "duplicate"
	case !res.Accepted:
		outcome = "ignored"
	}
	s.metrics.IncWebhook(source, outcome)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	const source = "billing"
	trace := ingesttrace.New(source, r.Header.Get(webhook.HeaderBillingEvent))
	defer trace.Log("webhook: delivery")

	body, ok := readWebhookBody(w, r)
	if !ok {
		trace.Inc(ingesttrace.StageDropped("unreadable"))
		s.metrics.IncWebhook(source, "unreadable")
		return
	}

	d, err := webhook.ParseBilling(r.Header, body, s.opts.Secrets.Billing())
	if isAuthFailure(err) {
		trace.Inc(ingesttrace.StageDropped("forbidden"))
		s.metrics.IncWebhook(source, "forbidden")
		logging.Warn().Err(err).Str("remote", remoteIP(r)).Msg("webhook: billing authentication failed")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if err != nil {
		trace.Inc(ingesttrace.StageDropped("malformed"))
		s.metrics.IncWebhook(source, "malformed")
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	trace.Inc(ingesttrace.StageVerified)
	trace.SetBroadcaster(d.UserID)

	if d.Action == webhook.BillingIgnore {
		trace.Inc(ingesttrace.StageIgnored)
		s.metrics.IncWebhook(source, "ignored")
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := s.opts.Subscriptions.Apply(r.Context(), d); err != nil {
		trace.Inc(ingesttrace.StageDropped("apply"))
		s.metrics.IncWebhook(source, "error")
		logging.Error().Err(err).Str("event", d.EventName).Msg("webhook: billing apply failed")
		http.Error(w, "apply failed", http.StatusInternalServerError)
		return
	}
	trace.Inc(ingesttrace.StageAccepted)
	s.metrics.IncWebhook(source, "accepted")
	w.WriteHeader(http.StatusOK)
}
