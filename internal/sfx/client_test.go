package sfx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/you/cheerfx/internal/core"
)

func TestGenerateSendsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method %s", r.Method)
		}
		if r.Header.Get("Xi-Api-Key") != "xi" {
			t.Fatalf("missing api key header")
		}
		raw, _ := io.ReadAll(r.Body)
		var req generateRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Text != "thunder clap" || req.DurationSeconds != 4 || req.PromptInfluence != 0.3 {
			t.Fatalf("unexpected request: %+v", req)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3fake-mp3"))
	}))
	defer srv.Close()

	c := NewClient(Options{Endpoint: srv.URL, APIKey: "xi", HTTP: srv.Client()})
	audio, err := c.Generate(context.Background(), "thunder clap")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(audio) != "ID3fake-mp3" {
		t.Fatalf("unexpected audio %q", audio)
	}
}

func TestGenerateNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c := NewClient(Options{Endpoint: srv.URL, HTTP: srv.Client()})
	if _, err := c.Generate(context.Background(), "x"); !errors.Is(err, core.ErrExternalService) {
		t.Fatalf("expected ErrExternalService, got %v", err)
	}
}

func TestGenerateTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(Options{Endpoint: srv.URL, HTTP: srv.Client(), Timeout: 50 * time.Millisecond})
	start := time.Now()
	if _, err := c.Generate(context.Background(), "x"); !errors.Is(err, core.ErrExternalService) {
		t.Fatalf("expected ErrExternalService on timeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not enforced")
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var transitions atomic.Int32
	c := NewClient(Options{Endpoint: srv.URL, HTTP: srv.Client(), OnStateChange: func(name, from, to string) {
		transitions.Add(1)
	}})
	for i := 0; i < 5; i++ {
		_, _ = c.Generate(context.Background(), "x")
	}
	if c.State() != "open" {
		t.Fatalf("expected open breaker, got %s", c.State())
	}
	before := hits.Load()
	if _, err := c.Generate(context.Background(), "x"); !errors.Is(err, core.ErrExternalService) {
		t.Fatalf("open circuit should be an external failure, got %v", err)
	}
	if hits.Load() != before {
		t.Fatalf("open circuit must not reach the API")
	}
	if transitions.Load() == 0 {
		t.Fatalf("expected state change callback")
	}
}
