package core

import (
	"errors"
	"time"
)

// Status is shared by cheer events and generated artifacts.
type Status string

const (
	StatusNew     Status = "new"
	StatusIgnored Status = "ignored"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusIgnored || s == StatusDone || s == StatusFailed
}

type Plan string

const (
	PlanFree     Plan = "free"
	PlanPaid     Plan = "paid"
	PlanCanceled Plan = "canceled"
)

const DefaultFreeRuns = 15

// Broadcaster is a streamer account plus its billing fields.
type Broadcaster struct {
	ID               string
	TwitchUserID     string
	Login            string
	Plan             Plan
	FreeRuns         int
	CustomerID       string // billing customer, empty until checkout
	SubscriptionItem string // billing subscription item, used for usage records
	CreatedAt        time.Time
}

// HasBillingSetup is true once both external billing ids are known.
func (b Broadcaster) HasBillingSetup() bool {
	return b.CustomerID != "" && b.SubscriptionItem != ""
}

// AlertPreferences decide which cheers trigger a sound effect.
type AlertPreferences struct {
	BroadcasterID string
	MatchCommand  bool
	Command       string
	MatchBits     bool
	MinBits       int
	AutoGenerate  bool
	AutoPlay      bool
	EventSubID    string // empty when subscription setup failed
}

// DefaultPreferences mirrors what a freshly onboarded broadcaster gets.
func DefaultPreferences(broadcasterID string) AlertPreferences {
	return AlertPreferences{
		BroadcasterID: broadcasterID,
		Command:       "$fx",
		MatchBits:     true,
		MinBits:       200,
		AutoGenerate:  true,
		AutoPlay:      true,
	}
}

// CheerEvent is the log entry written for every delivered cheer.
type CheerEvent struct {
	ID                string
	CreatedAt         time.Time
	BroadcasterID     string // empty once the account is gone
	ExternalMessageID string
	Anonymous         bool
	UserID            string
	UserLogin         string
	UserName          string
	Message           string
	Bits              int
	Status            Status
}

// DisplayName is the name shown on the overlay.
func (e CheerEvent) DisplayName() string {
	if e.Anonymous || e.UserName == "" {
		return "Anonymous"
	}
	return e.UserName
}

// Artifact is one generated sound effect attempt for a cheer event.
type Artifact struct {
	ID            string
	CreatedAt     time.Time
	EventID       string
	Status        Status
	File          string // relative media path, set only when done
	Reason        string // set only when failed
	Metered       bool
	UsageRecordID string
}

// Failure reasons persisted on artifacts.
const (
	ReasonInsufficientCredits = "insufficient credits"
	ReasonGenerationFailed    = "generation failed"
	ReasonStorageFailed       = "storage failed"
	ReasonBillingUnavailable  = "billing unavailable"
)

// Notification is what the overlay receives when an artifact should play.
type Notification struct {
	BroadcasterID string `json:"broadcaster_id"`
	ArtifactID    string `json:"artifact_id"`
	Source        string `json:"sfx_source"`
	DisplayName   string `json:"display_name"`
	Message       string `json:"message"`
	Bits          int    `json:"bits"`
}

// ErrExternalService marks a non-2xx or unreachable third-party call, or a
// response that could not be decoded.
var ErrExternalService = errors.New("external service failure")
