package httpadmin

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/you/cheerfx/internal/secrets"
)

type fakeReloader struct {
	res secrets.Result
	err error
}

func (f fakeReloader) Reload() (secrets.Result, error) {
	return f.res, f.err
}

func serve(rel Reloader, method string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Route("/admin", New(rel).Routes)

	req := httptest.NewRequest(method, "/admin/secrets/reload", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestServerReloadSuccess(t *testing.T) {
	rec := serve(fakeReloader{res: secrets.Result{Twitch: true}}, http.MethodPost)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("expected content-type application/json; charset=utf-8, got %q", ct)
	}

	var payload struct {
		Status   string `json:"status"`
		Reloaded bool   `json:"reloaded"`
		Twitch   bool   `json:"twitch"`
		Billing  bool   `json:"billing"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.Status != "ok" || !payload.Reloaded || !payload.Twitch || payload.Billing {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestServerReloadError(t *testing.T) {
	rec := serve(fakeReloader{err: errors.New("boom")}, http.MethodPost)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
}

func TestServerReloadWithoutFiles(t *testing.T) {
	rec := serve(fakeReloader{err: secrets.ErrNoFiles}, http.MethodPost)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, rec.Code)
	}
}

func TestServerReloadMethodNotAllowed(t *testing.T) {
	rec := serve(fakeReloader{}, http.MethodGet)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}
