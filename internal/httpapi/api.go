package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/you/cheerfx/internal/accounts"
	"github.com/you/cheerfx/internal/core"
	"github.com/you/cheerfx/internal/logging"
	"github.com/you/cheerfx/internal/store"
)

type eventJSON struct {
	ID          string         `json:"id"`
	CreatedAt   time.Time      `json:"created_at"`
	MessageID   string         `json:"message_id"`
	Anonymous   bool           `json:"anonymous"`
	UserID      string         `json:"user_id,omitempty"`
	UserLogin   string         `json:"user_login,omitempty"`
	DisplayName string         `json:"display_name"`
	Message     string         `json:"message"`
	Bits        int            `json:"bits"`
	Status      core.Status    `json:"status"`
	Artifacts   []artifactJSON `json:"artifacts,omitempty"`
}

type artifactJSON struct {
	ID            string      `json:"id"`
	CreatedAt     time.Time   `json:"created_at"`
	EventID       string      `json:"event_id"`
	Status        core.Status `json:"status"`
	Source        string      `json:"sfx_source,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	Metered       bool        `json:"metered"`
	UsageRecordID string      `json:"usage_record_id,omitempty"`
}

func toEventJSON(e core.CheerEvent) eventJSON {
	return eventJSON{
		ID:          e.ID,
		CreatedAt:   e.CreatedAt,
		MessageID:   e.ExternalMessageID,
		Anonymous:   e.Anonymous,
		UserID:      e.UserID,
		UserLogin:   e.UserLogin,
		DisplayName: e.DisplayName(),
		Message:     e.Message,
		Bits:        e.Bits,
		Status:      e.Status,
	}
}

func (s *Server) toArtifactJSON(a core.Artifact) artifactJSON {
	out := artifactJSON{
		ID:            a.ID,
		CreatedAt:     a.CreatedAt,
		EventID:       a.EventID,
		Status:        a.Status,
		Reason:        a.Reason,
		Metered:       a.Metered,
		UsageRecordID: a.UsageRecordID,
	}
	if a.File != "" && s.opts.Media != nil {
		out.Source = s.opts.Media.URL(a.File)
	}
	return out
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	q, err := EventQueryFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.opts.Store.QueryCheerEvents(r.Context(), claims.Subject, q)
	if err != nil {
		logging.Error().Err(err).Str("broadcaster_id", claims.Subject).Msg("api: list events")
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	out := make([]eventJSON, 0, len(events))
	for _, e := range events {
		out = append(out, toEventJSON(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// ownedEvent loads the event named in the URL. Events of other accounts are
// reported as missing.
func (s *Server) ownedEvent(w http.ResponseWriter, r *http.Request) (core.CheerEvent, bool) {
	claims := claimsFrom(r.Context())
	e, err := s.opts.Store.GetCheerEvent(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && e.BroadcasterID != claims.Subject && !claims.IsAdmin()) {
		writeError(w, http.StatusNotFound, "event not found")
		return core.CheerEvent{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return core.CheerEvent{}, false
	}
	return e, true
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	e, ok := s.ownedEvent(w, r)
	if !ok {
		return
	}
	artifacts, err := s.opts.Store.ArtifactsForEvent(r.Context(), e.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	out := toEventJSON(e)
	for _, a := range artifacts {
		out.Artifacts = append(out.Artifacts, s.toArtifactJSON(a))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGenerate runs one generation for the event and waits for it. The
// result is never delivered live.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	e, ok := s.ownedEvent(w, r)
	if !ok {
		return
	}
	if e.BroadcasterID == "" {
		writeError(w, http.StatusConflict, "event has no account")
		return
	}
	b, err := s.opts.Store.GetBroadcaster(r.Context(), e.BroadcasterID)
	if err != nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	a, err := s.opts.Generator.Generate(r.Context(), b, e, false)
	if err != nil {
		logging.Error().Err(err).Str("event_id", e.ID).Msg("api: manual generation")
		writeError(w, http.StatusInternalServerError, "generation could not be recorded")
		return
	}
	writeJSON(w, http.StatusCreated, s.toArtifactJSON(a))
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	a, err := s.opts.Store.GetArtifact(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	e, err := s.opts.Store.GetCheerEvent(r.Context(), a.EventID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if e.BroadcasterID == "" || e.BroadcasterID != claims.Subject {
		writeError(w, http.StatusForbidden, "not your artifact")
		return
	}
	if a.Status != core.StatusDone {
		writeError(w, http.StatusConflict, "artifact is not playable")
		return
	}
	n := core.Notification{
		BroadcasterID: e.BroadcasterID,
		ArtifactID:    a.ID,
		Source:        s.opts.Media.URL(a.File),
		DisplayName:   e.DisplayName(),
		Message:       e.Message,
		Bits:          e.Bits,
	}
	if err := s.opts.Publisher.Publish(r.Context(), n); err != nil {
		writeError(w, http.StatusInternalServerError, "replay failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "artifact_id": a.ID})
}

type usageJSON struct {
	Plan         core.Plan  `json:"plan"`
	FreeRuns     int        `json:"free_runs"`
	FreeRunsUsed int        `json:"free_runs_used"`
	PeriodStart  *time.Time `json:"period_start,omitempty"`
	PeriodEnd    *time.Time `json:"period_end,omitempty"`
	Quantity     *int       `json:"quantity,omitempty"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	b, ok := s.callerAccount(w, r)
	if !ok {
		return
	}
	used, err := s.opts.Store.CountFreeRuns(r.Context(), b.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "usage lookup failed")
		return
	}
	out := usageJSON{Plan: b.Plan, FreeRuns: b.FreeRuns, FreeRunsUsed: used}
	if b.SubscriptionItem != "" && s.opts.BillingAPI != nil {
		usage, err := s.opts.BillingAPI.CurrentUsage(r.Context(), b.SubscriptionItem)
		if err != nil {
			logging.Warn().Err(err).Str("broadcaster_id", b.ID).Msg("api: current usage")
			writeError(w, http.StatusBadGateway, "billing unavailable")
			return
		}
		out.PeriodStart, out.PeriodEnd, out.Quantity = &usage.PeriodStart, &usage.PeriodEnd, &usage.Quantity
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePortal(w http.ResponseWriter, r *http.Request) {
	b, ok := s.callerAccount(w, r)
	if !ok {
		return
	}
	if b.CustomerID == "" || s.opts.BillingAPI == nil {
		writeError(w, http.StatusNotFound, "no billing account")
		return
	}
	c, err := s.opts.BillingAPI.Customer(r.Context(), b.CustomerID)
	if err != nil {
		logging.Warn().Err(err).Str("broadcaster_id", b.ID).Msg("api: customer portal")
		writeError(w, http.StatusBadGateway, "billing unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": c.PortalURL})
}

func (s *Server) callerAccount(w http.ResponseWriter, r *http.Request) (core.Broadcaster, bool) {
	b, err := s.opts.Store.GetBroadcaster(r.Context(), claimsFrom(r.Context()).Subject)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "account not found")
		return core.Broadcaster{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return core.Broadcaster{}, false
	}
	return b, true
}

type registerRequest struct {
	TwitchUserID string `json:"twitch_user_id"`
	Login        string `json:"login"`
}

func (s *Server) handleCreateBroadcaster(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	reg, err := s.opts.Accounts.Register(r.Context(), req.TwitchUserID, req.Login)
	if errors.Is(err, accounts.ErrInvalidAccount) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		logging.Error().Err(err).Str("twitch_user_id", req.TwitchUserID).Msg("api: register")
		writeError(w, http.StatusInternalServerError, "register failed")
		return
	}
	status := http.StatusOK
	if reg.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"id":             reg.Broadcaster.ID,
		"twitch_user_id": reg.Broadcaster.TwitchUserID,
		"login":          reg.Broadcaster.Login,
		"plan":           reg.Broadcaster.Plan,
		"free_runs":      reg.Broadcaster.FreeRuns,
		"eventsub_id":    reg.Preferences.EventSubID,
		"overlay_path":   "/ws/cheers/" + reg.Broadcaster.ID + "/",
	})
}

func (s *Server) handleDeleteBroadcaster(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	err := s.opts.Accounts.Unregister(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		logging.Error().Err(err).Str("broadcaster_id", id).Msg("api: unregister")
		writeError(w, http.StatusInternalServerError, "unregister failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
