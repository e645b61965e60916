// Package httpadmin serves operator endpoints mounted under /admin.
package httpadmin

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/you/cheerfx/internal/secrets"
)

type Reloader interface {
	Reload() (secrets.Result, error)
}

type Server struct {
	rel Reloader
}

func New(rel Reloader) *Server { return &Server{rel: rel} }

// Routes registers the admin endpoints on r. Callers mount r behind their
// own admin authentication.
func (s *Server) Routes(r chi.Router) {
	r.Post("/secrets/reload", s.handleReload)
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	res, err := s.rel.Reload()
	switch {
	case errors.Is(err, secrets.ErrNoFiles):
		writeJSON(w, http.StatusConflict, map[string]any{"status": "error", "error": "no file-backed secrets configured"})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "error": "reload failed: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"reloaded": true,
		"twitch":   res.Twitch,
		"billing":  res.Billing,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
