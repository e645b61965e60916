package httpapi

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRateLimiterSkipsWebhooks(t *testing.T) {
	srv := New(Options{RateRPS: 1, RateBurst: 1, Secrets: staticSecrets{}, Metrics: NewMetrics()})

	first := httptest.NewRecorder()
	srv.Handler().ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request: %d", first.Code)
	}
	second := httptest.NewRecorder()
	srv.Handler().ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/twitch", nil))
		if rec.Code == http.StatusTooManyRequests {
			t.Fatalf("webhook delivery %d was rate limited", i)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := New(Options{CORSOrigins: []string{"https://dash.example.test"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/events", nil)
	req.Header.Set("Origin", "https://dash.example.test")
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://dash.example.test" {
		t.Fatalf("missing allow-origin header")
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.test")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign origin, got %d", rec.Code)
	}
}

func TestRemoteIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:4321"
	if got := remoteIP(req); got != "10.0.0.5" {
		t.Fatalf("remote ip = %q", got)
	}
	req.Header.Set("X-Forwarded-For", " 203.0.113.7 , 10.0.0.1")
	if got := remoteIP(req); got != "203.0.113.7" {
		t.Fatalf("forwarded ip = %q", got)
	}
}

func TestClientLimiterSweepsIdleVisitors(t *testing.T) {
	l := newClientLimiter(1, 1)
	if !l.Allow("198.51.100.1") {
		t.Fatalf("first request should pass")
	}
	if l.Allow("198.51.100.1") {
		t.Fatalf("second request should be limited")
	}
	if !l.Allow("198.51.100.2") {
		t.Fatalf("other clients have their own bucket")
	}

	l.mu.Lock()
	l.visitors["198.51.100.1"].lastSeen = time.Now().Add(-time.Hour)
	l.lastSweep = time.Now().Add(-time.Hour)
	l.mu.Unlock()

	if !l.Allow("198.51.100.3") {
		t.Fatalf("new client should pass")
	}
	l.mu.Lock()
	_, stale := l.visitors["198.51.100.1"]
	l.mu.Unlock()
	if stale {
		t.Fatalf("idle visitor was not swept")
	}

	var disabled *clientLimiter
	if !disabled.Allow("anyone") {
		t.Fatalf("nil limiter must allow")
	}
}

func TestOriginPolicy(t *testing.T) {
	if newOriginPolicy(nil) != nil || newOriginPolicy([]string{" ", ""}) != nil {
		t.Fatalf("empty allowlist should disable the policy")
	}
	p := newOriginPolicy([]string{"https://dash.example.test/", "https://ops.example.test"})
	if !p.permits("https://dash.example.test") {
		t.Fatalf("trailing slash should be ignored")
	}
	if p.permits("null") || p.permits("https://other.example.test") {
		t.Fatalf("unexpected origin permitted")
	}
	hosts := p.hosts()
	if len(hosts) != 2 {
		t.Fatalf("unexpected hosts %v", hosts)
	}
	if !newOriginPolicy([]string{"*"}).permits("http://localhost:5173") {
		t.Fatalf("wildcard should permit any http origin")
	}
}

func TestAPIResponsesAreCompressed(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req.Header.Set("Authorization", bearer(t, "b-1", ""))
	req.Header.Set("Accept-Encoding", "gzip")
	rec := h.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip encoding, headers %v", rec.Header())
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	body, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "e-1") {
		t.Fatalf("unexpected body %s", body)
	}

	plain := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	plain.Header.Set("Accept-Encoding", "gzip")
	if rec := h.do(plain); rec.Header().Get("Content-Encoding") != "" {
		t.Fatalf("health endpoint should not be compressed")
	}
}
