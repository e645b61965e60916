package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/you/cheerfx/internal/core"
	"github.com/you/cheerfx/internal/logging"
	"github.com/you/cheerfx/internal/store"
	"github.com/you/cheerfx/internal/webhook"
)

type AccountStore interface {
	GetBroadcaster(ctx context.Context, id string) (core.Broadcaster, error)
	SetBillingIDs(ctx context.Context, id, customerID, subscriptionItem string) error
	SetPlan(ctx context.Context, id string, plan core.Plan) error
}

// Subscriptions applies verified billing webhooks to account plans.
type Subscriptions struct {
	store AccountStore
}

func NewSubscriptions(s AccountStore) *Subscriptions {
	return &Subscriptions{store: s}
}

// Apply enables or cancels the plan named by d. Ignored events and unknown
// accounts are no-ops.
func (s *Subscriptions) Apply(ctx context.Context, d webhook.BillingDelivery) error {
	if d.Action == webhook.BillingIgnore {
		return nil
	}
	if d.UserID == "" {
		logging.Warn().Str("event", d.EventName).Msg("billing: webhook without user id")
		return nil
	}
	b, err := s.store.GetBroadcaster(ctx, d.UserID)
	if errors.Is(err, store.ErrNotFound) {
		logging.Warn().Str("event", d.EventName).Str("broadcaster_id", d.UserID).Msg("billing: webhook for unknown account")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}

	if !b.HasBillingSetup() && d.CustomerID != "" && d.SubscriptionItem != "" {
		if err := s.store.SetBillingIDs(ctx, b.ID, d.CustomerID, d.SubscriptionItem); err != nil {
			return err
		}
	}

	plan := core.PlanPaid
	if d.Action == webhook.BillingCancel {
		plan = core.PlanCanceled
	}
	if err := s.store.SetPlan(ctx, b.ID, plan); err != nil {
		return fmt.Errorf("set plan: %w", err)
	}
	logging.Info().
		Str("broadcaster_id", b.ID).
		Str("event", d.EventName).
		Str("plan", string(plan)).
		Msg("billing: plan updated")
	return nil
}
