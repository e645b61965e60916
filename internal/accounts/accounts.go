// Package accounts onboards and removes broadcasters.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/you/cheerfx/internal/core"
	"github.com/you/cheerfx/internal/logging"
)

var ErrInvalidAccount = errors.New("accounts: twitch user id and login are required")

type Store interface {
	CreateBroadcaster(ctx context.Context, b core.Broadcaster, prefs core.AlertPreferences) (core.Broadcaster, bool, error)
	GetBroadcaster(ctx context.Context, id string) (core.Broadcaster, error)
	DeleteBroadcaster(ctx context.Context, id string) error
	Preferences(ctx context.Context, broadcasterID string) (core.AlertPreferences, error)
	SetEventSubID(ctx context.Context, broadcasterID, subscriptionID string) error
}

// Subscriber manages the platform-side cheer subscription.
type Subscriber interface {
	CreateCheer(ctx context.Context, broadcasterUserID string) (string, error)
	DeleteCheer(ctx context.Context, broadcasterUserID string) (int, error)
}

type Registration struct {
	Broadcaster core.Broadcaster
	Preferences core.AlertPreferences
	Created     bool
}

type Service struct {
	store    Store
	subs     Subscriber
	freeRuns int
}

// NewService wires onboarding. subs may be nil when subscriptions are
// managed outside this process.
func NewService(store Store, subs Subscriber, freeRuns int) *Service {
	if freeRuns <= 0 {
		freeRuns = core.DefaultFreeRuns
	}
	return &Service{store: store, subs: subs, freeRuns: freeRuns}
}

// Register creates the account with default preferences and subscribes to
// its cheers. A failed subscription leaves the id empty and is not an error.
// An existing twitch user gets its stored account back, and a missing
// subscription is retried.
func (s *Service) Register(ctx context.Context, twitchUserID, login string) (Registration, error) {
	twitchUserID = strings.TrimSpace(twitchUserID)
	login = strings.ToLower(strings.TrimSpace(login))
	if twitchUserID == "" || login == "" {
		return Registration{}, ErrInvalidAccount
	}

	b, created, err := s.store.CreateBroadcaster(ctx,
		core.Broadcaster{TwitchUserID: twitchUserID, Login: login, Plan: core.PlanFree, FreeRuns: s.freeRuns},
		core.DefaultPreferences(""))
	if err != nil {
		return Registration{}, fmt.Errorf("create broadcaster: %w", err)
	}
	prefs, err := s.store.Preferences(ctx, b.ID)
	if err != nil {
		return Registration{}, fmt.Errorf("load preferences: %w", err)
	}

	if prefs.EventSubID == "" && s.subs != nil {
		id, err := s.subs.CreateCheer(ctx, twitchUserID)
		if err != nil {
			logging.Warn().Err(err).
				Str("broadcaster_id", b.ID).
				Str("twitch_user_id", twitchUserID).
				Msg("accounts: cheer subscription failed, continuing without it")
		} else if err := s.store.SetEventSubID(ctx, b.ID, id); err != nil {
			return Registration{}, fmt.Errorf("store subscription id: %w", err)
		} else {
			prefs.EventSubID = id
		}
	}

	logging.Info().
		Str("broadcaster_id", b.ID).
		Str("login", b.Login).
		Bool("created", created).
		Bool("subscribed", prefs.EventSubID != "").
		Msg("accounts: registered")
	return Registration{Broadcaster: b, Preferences: prefs, Created: created}, nil
}

// Unregister drops the platform subscriptions and deletes the account. The
// cheer log stays, detached from the account.
func (s *Service) Unregister(ctx context.Context, broadcasterID string) error {
	b, err := s.store.GetBroadcaster(ctx, broadcasterID)
	if err != nil {
		return fmt.Errorf("load broadcaster: %w", err)
	}
	if s.subs != nil {
		n, err := s.subs.DeleteCheer(ctx, b.TwitchUserID)
		if err != nil {
			logging.Warn().Err(err).
				Str("broadcaster_id", b.ID).
				Int("deleted", n).
				Msg("accounts: removing cheer subscriptions failed")
		}
	}
	if err := s.store.SetEventSubID(ctx, b.ID, ""); err != nil {
		return fmt.Errorf("clear subscription id: %w", err)
	}
	if err := s.store.DeleteBroadcaster(ctx, b.ID); err != nil {
		return fmt.Errorf("delete broadcaster: %w", err)
	}
	logging.Info().Str("broadcaster_id", b.ID).Str("login", b.Login).Msg("accounts: unregistered")
	return nil
}
