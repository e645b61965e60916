// Package generate turns accepted cheer events into sound-effect artifacts.
package generate

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/you/cheerfx/internal/billing"
	"github.com/you/cheerfx/internal/core"
	"github.com/you/cheerfx/internal/logging"
)

type Gate interface {
	IsEligible(ctx context.Context, b core.Broadcaster) (bool, error)
	RecordUsage(ctx context.Context, b core.Broadcaster, a core.Artifact) (string, error)
}

type Generator interface {
	Generate(ctx context.Context, text string) ([]byte, error)
}

type MediaStore interface {
	Save(broadcasterID, eventID, artifactID string, audio []byte) (string, error)
	Remove(rel string) error
	URL(rel string) string
}

type ArtifactStore interface {
	CreateArtifact(ctx context.Context, a core.Artifact) (core.Artifact, error)
}

type Publisher interface {
	Publish(ctx context.Context, n core.Notification) error
}

// Outcome labels reported to OnOutcome.
const (
	OutcomeDone         = "done"
	OutcomeIneligible   = "ineligible"
	OutcomeGateError    = "gate_error"
	OutcomeGenFailed    = "generation_failed"
	OutcomeStoreFailed  = "storage_failed"
	OutcomePersistError = "persist_error"
)

type Options struct {
	Gate      Gate
	Generator Generator
	Media     MediaStore
	Store     ArtifactStore
	Publisher Publisher
	OnOutcome func(outcome string)
}

type Orchestrator struct {
	opts Options
}

func NewOrchestrator(opts Options) *Orchestrator {
	return &Orchestrator{opts: opts}
}

// Generate runs one attempt for event and returns the single artifact it
// created. Failures past the gate are stored as Failed artifacts, not
// returned; an error means the artifact row itself could not be written.
func (o *Orchestrator) Generate(ctx context.Context, b core.Broadcaster, event core.CheerEvent, deliverLive bool) (core.Artifact, error) {
	log := logging.Logger().With().
		Str("broadcaster_id", b.ID).
		Str("event_id", event.ID).
		Logger()

	artifactID := uuid.NewString()

	eligible, err := o.opts.Gate.IsEligible(ctx, b)
	if err != nil {
		log.Warn().Err(err).Msg("generate: billing gate unavailable")
		return o.fail(ctx, artifactID, event, core.ReasonBillingUnavailable, OutcomeGateError)
	}
	if !eligible {
		log.Info().Str("plan", string(b.Plan)).Err(billing.ErrIneligible).Msg("generate: not eligible")
		return o.fail(ctx, artifactID, event, core.ReasonInsufficientCredits, OutcomeIneligible)
	}

	audio, err := o.opts.Generator.Generate(ctx, event.Message)
	if err != nil {
		log.Warn().Err(err).Msg("generate: sound generation failed")
		return o.fail(ctx, artifactID, event, core.ReasonGenerationFailed, OutcomeGenFailed)
	}

	file, err := o.opts.Media.Save(b.ID, event.ID, artifactID, audio)
	if err != nil {
		log.Error().Err(err).Msg("generate: store audio failed")
		return o.fail(ctx, artifactID, event, core.ReasonStorageFailed, OutcomeStoreFailed)
	}

	metered := b.Plan == core.PlanPaid
	artifact, err := o.opts.Store.CreateArtifact(ctx, core.Artifact{
		ID:      artifactID,
		EventID: event.ID,
		Status:  core.StatusDone,
		File:    file,
		Metered: metered,
	})
	if err != nil {
		o.outcome(OutcomePersistError)
		log.Error().Err(err).Str("artifact_id", artifactID).Msg("generate: persist artifact failed")
		if rmErr := o.opts.Media.Remove(file); rmErr != nil {
			log.Warn().Err(rmErr).Str("file", file).Msg("generate: orphaned audio not removed")
		}
		return core.Artifact{}, fmt.Errorf("persist artifact: %w", err)
	}
	o.outcome(OutcomeDone)
	log.Info().Str("artifact_id", artifact.ID).Bool("metered", metered).Msg("generate: artifact done")

	if deliverLive && o.opts.Publisher != nil {
		n := core.Notification{
			BroadcasterID: b.ID,
			ArtifactID:    artifact.ID,
			Source:        o.opts.Media.URL(artifact.File),
			DisplayName:   event.DisplayName(),
			Message:       event.Message,
			Bits:          event.Bits,
		}
		if err := o.opts.Publisher.Publish(ctx, n); err != nil {
			log.Warn().Err(err).Str("artifact_id", artifact.ID).Msg("generate: live delivery failed")
		}
	}

	if metered {
		if recordID, err := o.opts.Gate.RecordUsage(ctx, b, artifact); err == nil {
			artifact.UsageRecordID = recordID
		}
	}
	return artifact, nil
}

func (o *Orchestrator) fail(ctx context.Context, artifactID string, event core.CheerEvent, reason, outcome string) (core.Artifact, error) {
	artifact, err := o.opts.Store.CreateArtifact(ctx, core.Artifact{
		ID:      artifactID,
		EventID: event.ID,
		Status:  core.StatusFailed,
		Reason:  reason,
	})
	if err != nil {
		o.outcome(OutcomePersistError)
		logging.Error().Err(err).
			Str("event_id", event.ID).
			Str("reason", reason).
			Msg("generate: persist failed artifact")
		return core.Artifact{}, fmt.Errorf("persist failed artifact: %w", err)
	}
	o.outcome(outcome)
	return artifact, nil
}

func (o *Orchestrator) outcome(label string) {
	if o.opts.OnOutcome != nil {
		o.opts.OnOutcome(label)
	}
}
