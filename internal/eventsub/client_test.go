package eventsub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"

	"github.com/you/cheerfx/internal/core"
)

type fakeTwitch struct {
	tokenCalls atomic.Int64
	createCode int

	mu      sync.Mutex
	created []map[string]any
	deleted []string
	subs    []map[string]any
}

func (f *fakeTwitch) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		if err := r.ParseForm(); err != nil || r.Form.Get("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "app-token", "expires_in": 3600})
	})
	mux.HandleFunc("/helix/eventsub/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer app-token" || r.Header.Get("Client-Id") != "client" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodPost:
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.created = append(f.created, body)
			code := f.createCode
			if code == 0 {
				code = http.StatusAccepted
			}
			w.WriteHeader(code)
			if code != http.StatusAccepted {
				_ = json.NewEncoder(w).Encode(map[string]any{"error": "Conflict", "status": code, "message": "subscription already exists"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{
				"id": "sub-1", "status": "webhook_callback_verification_pending", "type": "channel.cheer", "version": "1",
			}}})
		case http.MethodGet:
			if r.URL.Query().Get("type") != "channel.cheer" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			page := f.subs
			cursor := ""
			if r.URL.Query().Get("after") == "" && len(page) > 1 {
				page, cursor = page[:1], "next"
			} else if r.URL.Query().Get("after") == "next" {
				page = page[1:]
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"data": page, "pagination": map[string]any{"cursor": cursor}})
		case http.MethodDelete:
			f.deleted = append(f.deleted, r.URL.Query().Get("id"))
			w.WriteHeader(http.StatusNoContent)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	prevHelix, prevToken := helixBaseURL, oauthTokenURL
	helixBaseURL = srv.URL + "/helix"
	oauthTokenURL = srv.URL + "/oauth2/token"
	t.Cleanup(func() { helixBaseURL, oauthTokenURL = prevHelix, prevToken })
	return srv
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(Options{
		ClientID:     "client",
		ClientSecret: "secret",
		CallbackURL:  "https://fx.example.test/webhooks/twitch",
		Secret:       func() string { return "webhook-secret-value" },
		HTTP:         srv.Client(),
	})
}

func sub(id, broadcaster string) map[string]any {
	return map[string]any{
		"id": id, "type": "channel.cheer", "version": "1", "status": "enabled",
		"condition": map[string]any{"broadcaster_user_id": broadcaster},
	}
}

func TestCreateCheer(t *testing.T) {
	fake := &fakeTwitch{}
	c := newTestClient(fake.server(t))

	id, err := c.CreateCheer(context.Background(), "1234")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != "sub-1" {
		t.Fatalf("unexpected id %q", id)
	}
	if len(fake.created) != 1 {
		t.Fatalf("expected one create call")
	}
	body := fake.created[0]
	if body["type"] != "channel.cheer" || body["version"] != "1" {
		t.Fatalf("unexpected body: %v", body)
	}
	transport := body["transport"].(map[string]any)
	if transport["callback"] != "https://fx.example.test/webhooks/twitch" || transport["secret"] != "webhook-secret-value" {
		t.Fatalf("unexpected transport: %v", transport)
	}
	if cond := body["condition"].(map[string]any); cond["broadcaster_user_id"] != "1234" {
		t.Fatalf("unexpected condition: %v", cond)
	}

	if _, err := c.CreateCheer(context.Background(), "5678"); err != nil {
		t.Fatalf("second create: %v", err)
	}
	if fake.tokenCalls.Load() != 1 {
		t.Fatalf("expected cached app token, got %d token calls", fake.tokenCalls.Load())
	}
}

func TestCreateCheerNon202(t *testing.T) {
	fake := &fakeTwitch{createCode: http.StatusConflict}
	c := newTestClient(fake.server(t))

	_, err := c.CreateCheer(context.Background(), "1234")
	if !errors.Is(err, core.ErrExternalService) {
		t.Fatalf("expected external service error, got %v", err)
	}
}

func TestDeleteCheerFiltersByBroadcaster(t *testing.T) {
	fake := &fakeTwitch{subs: []map[string]any{
		sub("a", "1234"),
		sub("b", "9999"),
		sub("c", "1234"),
	}}
	c := newTestClient(fake.server(t))

	n, err := c.DeleteCheer(context.Background(), "1234")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deletions, got %d", n)
	}
	if len(fake.deleted) != 2 || fake.deleted[0] != "a" || fake.deleted[1] != "c" {
		t.Fatalf("unexpected deletions: %v", fake.deleted)
	}
}

func TestDeleteCheerNothingToDelete(t *testing.T) {
	fake := &fakeTwitch{}
	c := newTestClient(fake.server(t))

	n, err := c.DeleteCheer(context.Background(), "1234")
	if err != nil || n != 0 {
		t.Fatalf("expected no-op, got %d %v", n, err)
	}
}

func TestTokenFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	prev := oauthTokenURL
	oauthTokenURL = srv.URL + "/oauth2/token"
	defer func() { oauthTokenURL = prev }()

	c := newTestClient(srv)
	if _, err := c.CreateCheer(context.Background(), "1234"); !errors.Is(err, core.ErrExternalService) {
		t.Fatalf("expected external service error, got %v", err)
	}
}
