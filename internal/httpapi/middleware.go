package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/you/cheerfx/internal/logging"
)

/***************
 * Request pipeline
 ***************/

// instrument handles CORS and the per-client limiter, then records the
// request. Twitch and billing deliveries bypass the limiter: a refused
// delivery is retried by the platform and eventually disables the
// subscription.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		client := remoteIP(r)
		defer s.logRequest(sw, r, client, start)

		if s.cors.preflight(sw, r) {
			return
		}
		if !s.cors.allow(sw, r) {
			http.Error(sw, "origin not allowed", http.StatusForbidden)
			return
		}
		if !isWebhook(r) && !s.limiter.Allow(client) {
			s.metrics.IncRateLimited()
			sw.Header().Set("Retry-After", "1")
			http.Error(sw, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(sw, r)
	})
}

func (s *Server) logRequest(sw *statusWriter, r *http.Request, client string, start time.Time) {
	route := "unmatched"
	if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
		route = rc.RoutePattern()
	}
	dur := time.Since(start)
	s.metrics.ObserveRequest(route, r.Method, sw.Status(), dur)

	ev := logging.Debug()
	if sw.Status() >= http.StatusInternalServerError {
		ev = logging.Warn()
	}
	ev.Str("request_id", middleware.GetReqID(r.Context())).
		Str("method", r.Method).
		Str("route", route).
		Int("status", sw.Status()).
		Int64("bytes", sw.written).
		Dur("duration", dur).
		Str("remote", client).
		Msg("http: request")
}

func isWebhook(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/webhooks/")
}

/***************
 * Status capture
 ***************/

type statusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

func (w *statusWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// Unwrap lets http.ResponseController reach the connection.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// baseWriter returns the connection-level writer for overlay upgrades; the
// websocket handshake needs http.Hijacker.
func baseWriter(w http.ResponseWriter) http.ResponseWriter {
	if sw, ok := w.(*statusWriter); ok && sw.ResponseWriter != nil {
		return sw.ResponseWriter
	}
	return w
}

/***************
 * Per-client rate limiting
 ***************/

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter keeps one token bucket per client address. Idle buckets
// are swept at most once per idle period.
type clientLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
}

// newClientLimiter returns nil, which allows everything, when either
// setting is zero.
func newClientLimiter(rps float64, burst int) *clientLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &clientLimiter{
		visitors:  make(map[string]*visitor),
		limit:     rate.Limit(rps),
		burst:     burst,
		idle:      5 * time.Minute,
		lastSweep: time.Now(),
	}
}

func (l *clientLimiter) Allow(client string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > l.idle {
		for key, v := range l.visitors {
			if now.Sub(v.lastSeen) > l.idle {
				delete(l.visitors, key)
			}
		}
		l.lastSweep = now
	}

	v, ok := l.visitors[client]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[client] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// remoteIP prefers the first X-Forwarded-For hop; the service normally sits
// behind the TLS proxy that receives Twitch callbacks.
func remoteIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

/***************
 * Dashboard origins
 ***************/

// originPolicy is the allowlist for browser dashboards. A nil policy
// leaves CORS headers off entirely.
type originPolicy struct {
	any     bool
	origins map[string]struct{}
}

func newOriginPolicy(origins []string) *originPolicy {
	p := &originPolicy{origins: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		switch o = strings.TrimRight(strings.TrimSpace(o), "/"); o {
		case "":
		case "*":
			p.any = true
		default:
			p.origins[o] = struct{}{}
		}
	}
	if !p.any && len(p.origins) == 0 {
		return nil
	}
	return p
}

func (p *originPolicy) permits(origin string) bool {
	if !strings.HasPrefix(origin, "https://") && !strings.HasPrefix(origin, "http://") {
		return false
	}
	if p.any {
		return true
	}
	_, ok := p.origins[origin]
	return ok
}

// preflight answers an OPTIONS request carrying an Origin and reports
// whether it did.
func (p *originPolicy) preflight(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if p == nil || r.Method != http.MethodOptions || origin == "" {
		return false
	}
	if !p.permits(origin) {
		w.WriteHeader(http.StatusForbidden)
		return true
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	h.Set("Access-Control-Max-Age", "300")
	h.Add("Vary", "Origin")
	w.WriteHeader(http.StatusNoContent)
	return true
}

// allow sets the response headers for a cross-origin request, or reports
// false when the Origin is not on the list.
func (p *originPolicy) allow(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if p == nil || origin == "" {
		return true
	}
	if !p.permits(origin) {
		return false
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	return true
}

// hosts lists allowlisted origin hosts for the websocket origin check.
func (p *originPolicy) hosts() []string {
	out := make([]string, 0, len(p.origins))
	for origin := range p.origins {
		_, host, _ := strings.Cut(origin, "://")
		if host != "" {
			out = append(out, host)
		}
	}
	return out
}
