// Package billing decides who may generate and reports metered usage.
package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/you/cheerfx/internal/core"
	"github.com/you/cheerfx/internal/logging"
)

var (
	ErrNoBillingSetup = errors.New("billing: account has no subscription item")
	ErrIneligible     = errors.New("billing: plan or free quota does not allow generation")
)

type GateStore interface {
	CountFreeRuns(ctx context.Context, broadcasterID string) (int, error)
	SetUsageRecord(ctx context.Context, artifactID, recordID string) error
}

type UsageReporter interface {
	CreateUsageRecord(ctx context.Context, subscriptionItemID string, quantity int) (string, error)
}

// Gate reads the free-run count on every check. Concurrent events for the
// same Free account may overshoot the quota slightly.
type Gate struct {
	store    GateStore
	reporter UsageReporter
	freeRuns int

	// OnReportFailure runs after every failed usage report.
	OnReportFailure func()
}

// NewGate falls back to freeRuns when an account carries no quota of its own.
func NewGate(store GateStore, reporter UsageReporter, freeRuns int) *Gate {
	if freeRuns <= 0 {
		freeRuns = core.DefaultFreeRuns
	}
	return &Gate{store: store, reporter: reporter, freeRuns: freeRuns}
}

func (g *Gate) FreeRunCount(ctx context.Context, b core.Broadcaster) (int, error) {
	n, err := g.store.CountFreeRuns(ctx, b.ID)
	if err != nil {
		return 0, fmt.Errorf("count free runs: %w", err)
	}
	return n, nil
}

func (g *Gate) IsEligible(ctx context.Context, b core.Broadcaster) (bool, error) {
	switch b.Plan {
	case core.PlanPaid:
		return true, nil
	case core.PlanFree:
		used, err := g.FreeRunCount(ctx, b)
		if err != nil {
			return false, err
		}
		quota := b.FreeRuns
		if quota <= 0 {
			quota = g.freeRuns
		}
		return used < quota, nil
	default:
		return false, nil
	}
}

// RecordUsage reports one unit for a metered artifact and stores the record
// id. Failures are logged and returned; the artifact is left as is.
func (g *Gate) RecordUsage(ctx context.Context, b core.Broadcaster, a core.Artifact) (string, error) {
	log := func(err error) error {
		logging.Warn().Err(err).
			Str("broadcaster_id", b.ID).
			Str("artifact_id", a.ID).
			Msg("billing: usage report failed")
		if g.OnReportFailure != nil {
			g.OnReportFailure()
		}
		return err
	}
	if b.SubscriptionItem == "" {
		return "", log(ErrNoBillingSetup)
	}
	if g.reporter == nil {
		return "", log(fmt.Errorf("%w: no usage reporter", core.ErrExternalService))
	}
	recordID, err := g.reporter.CreateUsageRecord(ctx, b.SubscriptionItem, 1)
	if err != nil {
		return "", log(err)
	}
	if err := g.store.SetUsageRecord(ctx, a.ID, recordID); err != nil {
		return "", log(fmt.Errorf("store usage record: %w", err))
	}
	return recordID, nil
}
