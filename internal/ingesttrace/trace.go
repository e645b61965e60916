// Package ingesttrace follows one webhook delivery through the intake path.
package ingesttrace

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/you/cheerfx/internal/logging"
)

type Stage string

const (
	StageReceived  Stage = "received"
	StageVerified  Stage = "verified"
	StageDuplicate Stage = "duplicate"
	StageIgnored   Stage = "ignored"
	StageAccepted  Stage = "accepted"
	StageEnqueued  Stage = "enqueued"

	StageDroppedPrefix = "dropped_"
)

// StageDropped names a terminal drop with its reason.
func StageDropped(reason string) Stage {
	return Stage(StageDroppedPrefix + reason)
}

// DeliveryTrace carries trace metadata and per-stage counters for one delivery.
type DeliveryTrace struct {
	Source      string
	MessageID   string
	Broadcaster string
	TraceID     string

	mu       sync.Mutex
	counters map[Stage]int64
}

// New seeds the received counter. The trace id is stable for a given
// source and message id so retries of the same delivery share it.
func New(source, messageID string) *DeliveryTrace {
	t := &DeliveryTrace{
		Source:    source,
		MessageID: messageID,
		TraceID:   computeTraceID(source, messageID),
		counters:  map[Stage]int64{StageReceived: 1},
	}
	return t
}

func (t *DeliveryTrace) SetBroadcaster(id string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.Broadcaster = id
	t.mu.Unlock()
}

// Inc is nil-safe so handlers can trace optionally.
func (t *DeliveryTrace) Inc(stage Stage) int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters[stage]++
	return t.counters[stage]
}

func (t *DeliveryTrace) Count(stage Stage) int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[stage]
}

// Log writes the trace once, at debug level unless something was dropped.
func (t *DeliveryTrace) Log(msg string) {
	if t == nil {
		return
	}
	counters := zerolog.Dict()
	dropped := false
	t.mu.Lock()
	for stage, n := range t.counters {
		counters = counters.Int64(string(stage), n)
		if strings.HasPrefix(string(stage), StageDroppedPrefix) {
			dropped = true
		}
	}
	broadcaster := t.Broadcaster
	t.mu.Unlock()

	event := logging.Debug()
	if dropped {
		event = logging.Warn()
	}
	event.
		Str("trace_id", t.TraceID).
		Str("source", t.Source).
		Str("message_id", t.MessageID).
		Str("broadcaster_id", broadcaster).
		Dict("counters", counters).
		Msg(msg)
}

func computeTraceID(source, messageID string) string {
	digest := sha256.Sum256([]byte(source + "\x1f" + messageID))
	return hex.EncodeToString(digest[:8])
}
