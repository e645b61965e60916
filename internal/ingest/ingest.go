package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/you/cheerfx/internal/core"
	"github.com/you/cheerfx/internal/ingesttrace"
	"github.com/you/cheerfx/internal/logging"
	"github.com/you/cheerfx/internal/store"
	"github.com/you/cheerfx/internal/webhook"
)

var ErrUnknownBroadcaster = errors.New("ingest: unknown broadcaster")

type Store interface {
	BroadcasterByTwitchID(ctx context.Context, twitchUserID string) (core.Broadcaster, error)
	Preferences(ctx context.Context, broadcasterID string) (core.AlertPreferences, error)
	InsertCheerEvent(ctx context.Context, e core.CheerEvent) (core.CheerEvent, bool, error)
	CheerEventByMessageID(ctx context.Context, messageID string) (core.CheerEvent, error)
}

// Dispatcher hands an accepted event to the generation pipeline without
// waiting for it.
type Dispatcher interface {
	Dispatch(b core.Broadcaster, e core.CheerEvent, deliverLive bool) error
}

type Result struct {
	Event      core.CheerEvent
	Accepted   bool
	Duplicate  bool
	Dispatched bool
}

type Service struct {
	store    Store
	dispatch Dispatcher
}

func NewService(s Store, d Dispatcher) *Service {
	return &Service{store: s, dispatch: d}
}

// Ingest persists one cheer for b. The row is New when the rules accept it
// and Ignored otherwise. A known message id returns the stored row untouched.
func (s *Service) Ingest(ctx context.Context, b core.Broadcaster, prefs core.AlertPreferences, ev webhook.CheerPayload, messageID string) (Result, error) {
	accepted := Match(prefs, ev.Bits, ev.Message)
	status := core.StatusIgnored
	if accepted {
		status = core.StatusNew
	}
	entry := core.CheerEvent{
		BroadcasterID:     b.ID,
		ExternalMessageID: messageID,
		Anonymous:         ev.IsAnonymous,
		UserID:            ev.UserID,
		UserLogin:         ev.UserLogin,
		UserName:          ev.UserName,
		Message:           ev.Message,
		Bits:              ev.Bits,
		Status:            status,
	}
	stored, inserted, err := s.store.InsertCheerEvent(ctx, entry)
	if err != nil {
		return Result{}, fmt.Errorf("persist cheer: %w", err)
	}
	if !inserted {
		return Result{Event: stored, Duplicate: true}, nil
	}
	return Result{Event: stored, Accepted: accepted}, nil
}

// HandleCheer runs the whole intake for a verified notification: resolve the
// broadcaster, dedupe, match, persist, and dispatch generation when enabled.
func (s *Service) HandleCheer(ctx context.Context, d webhook.EventSubDelivery, trace *ingesttrace.DeliveryTrace) (Result, error) {
	if d.Resend {
		if existing, err := s.store.CheerEventByMessageID(ctx, d.MessageID); err == nil {
			trace.Inc(ingesttrace.StageDuplicate)
			return Result{Event: existing, Duplicate: true}, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return Result{}, fmt.Errorf("check resend: %w", err)
		}
	}

	b, err := s.store.BroadcasterByTwitchID(ctx, d.Event.BroadcasterUserID)
	if errors.Is(err, store.ErrNotFound) {
		trace.Inc(ingesttrace.StageDropped("unknown_broadcaster"))
		return Result{}, ErrUnknownBroadcaster
	}
	if err != nil {
		return Result{}, fmt.Errorf("resolve broadcaster: %w", err)
	}
	trace.SetBroadcaster(b.ID)

	prefs, err := s.store.Preferences(ctx, b.ID)
	if err != nil {
		return Result{}, fmt.Errorf("load preferences: %w", err)
	}

	res, err := s.Ingest(ctx, b, prefs, d.Event, d.MessageID)
	if err != nil {
		return Result{}, err
	}
	switch {
	case res.Duplicate:
		trace.Inc(ingesttrace.StageDuplicate)
		return res, nil
	case !res.Accepted:
		trace.Inc(ingesttrace.StageIgnored)
		return res, nil
	}
	trace.Inc(ingesttrace.StageAccepted)

	if !prefs.AutoGenerate || s.dispatch == nil {
		return res, nil
	}
	if err := s.dispatch.Dispatch(b, res.Event, prefs.AutoPlay); err != nil {
		trace.Inc(ingesttrace.StageDropped("dispatch"))
		logging.Warn().Err(err).
			Str("broadcaster_id", b.ID).
			Str("event_id", res.Event.ID).
			Msg("ingest: dispatch failed, event left new")
		return res, nil
	}
	trace.Inc(ingesttrace.StageEnqueued)
	res.Dispatched = true
	return res, nil
}
