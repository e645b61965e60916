// Package httpapi is the HTTP surface: webhooks, the overlay socket, the
// dashboard JSON API, media and operational endpoints.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/you/cheerfx/internal/accounts"
	"github.com/you/cheerfx/internal/billing"
	"github.com/you/cheerfx/internal/core"
	"github.com/you/cheerfx/internal/fanout"
	"github.com/you/cheerfx/internal/ingest"
	"github.com/you/cheerfx/internal/ingesttrace"
	"github.com/you/cheerfx/internal/logging"
	"github.com/you/cheerfx/internal/store"
	"github.com/you/cheerfx/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

type Store interface {
	Ping() error
	GetBroadcaster(ctx context.Context, id string) (core.Broadcaster, error)
	QueryCheerEvents(ctx context.Context, broadcasterID string, q store.EventQuery) ([]core.CheerEvent, error)
	GetCheerEvent(ctx context.Context, id string) (core.CheerEvent, error)
	ArtifactsForEvent(ctx context.Context, eventID string) ([]core.Artifact, error)
	GetArtifact(ctx context.Context, id string) (core.Artifact, error)
	CountFreeRuns(ctx context.Context, broadcasterID string) (int, error)
}

type CheerIngester interface {
	HandleCheer(ctx context.Context, d webhook.EventSubDelivery, trace *ingesttrace.DeliveryTrace) (ingest.Result, error)
}

type BillingApplier interface {
	Apply(ctx context.Context, d webhook.BillingDelivery) error
}

type BillingReader interface {
	CurrentUsage(ctx context.Context, subscriptionItemID string) (billing.Usage, error)
	Customer(ctx context.Context, customerID string) (billing.Customer, error)
}

type Generator interface {
	Generate(ctx context.Context, b core.Broadcaster, event core.CheerEvent, deliverLive bool) (core.Artifact, error)
}

type Publisher interface {
	Publish(ctx context.Context, n core.Notification) error
}

type Accounts interface {
	Register(ctx context.Context, twitchUserID, login string) (accounts.Registration, error)
	Unregister(ctx context.Context, broadcasterID string) error
}

type Secrets interface {
	Twitch() string
	Billing() string
}

type MediaFiles interface {
	Handler() http.Handler
	URL(rel string) string
}

// AdminRoutes mounts operator endpoints under /admin.
type AdminRoutes interface {
	Routes(r chi.Router)
}

type Options struct {
	Addr        string
	Build       BuildInfo
	RateRPS     float64
	RateBurst   int
	CORSOrigins []string
	JWTSecret   string

	Store         Store
	Ingest        CheerIngester
	Subscriptions BillingApplier
	BillingAPI    BillingReader
	Generator     Generator
	Publisher     Publisher
	Hub           *fanout.Hub
	Media         MediaFiles
	Accounts      Accounts
	Secrets       Secrets
	Admin         AdminRoutes
	Metrics       *Metrics
}

type Server struct {
	opts       Options
	httpServer *http.Server
	router     chi.Router
	limiter    *clientLimiter
	cors       *originPolicy
	metrics    *Metrics
}

func New(opts Options) *Server {
	srv := &Server{
		opts:    opts,
		limiter: newClientLimiter(opts.RateRPS, opts.RateBurst),
		cors:    newOriginPolicy(opts.CORSOrigins),
		metrics: opts.Metrics,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(srv.instrument)

	r.Get("/healthz", srv.handleHealthz)
	r.Get("/info", srv.handleInfo)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	r.Post("/webhooks/twitch", srv.handleTwitchWebhook)
	r.Post("/webhooks/billing", srv.handleBillingWebhook)

	if opts.Hub != nil {
		r.Get("/ws/cheers/{user_id}", srv.handleOverlay)
		r.Get("/ws/cheers/{user_id}/", srv.handleOverlay)
	}
	if opts.Media != nil {
		r.Handle("/media/*", http.StripPrefix("/media", opts.Media.Handler()))
	}

	r.Route("/api", func(api chi.Router) {
		api.Use(srv.requireAuth)
		api.Use(middleware.Compress(5, "application/json"))
		api.Get("/events", srv.handleListEvents)
		api.Get("/events/{id}", srv.handleGetEvent)
		api.Post("/events/{id}/generate", srv.handleGenerate)
		api.Post("/artifacts/{id}/replay", srv.handleReplay)
		api.Get("/billing/usage", srv.handleUsage)
		api.Get("/billing/portal", srv.handlePortal)
		api.Group(func(admin chi.Router) {
			admin.Use(requireAdmin)
			admin.Post("/broadcasters", srv.handleCreateBroadcaster)
			admin.Delete("/broadcasters/{id}", srv.handleDeleteBroadcaster)
		})
	})
	if opts.Admin != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(srv.requireAuth, requireAdmin)
			opts.Admin.Routes(admin)
		})
	}

	srv.router = r
	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Store != nil {
		if err := s.opts.Store.Ping(); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Serve listens until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	logging.Info().Str("addr", ln.Addr().String()).Msg("http: listening")

	errc := make(chan error, 1)
	go func() { errc <- s.httpServer.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("http: shutdown")
	}
	<-errc
	return ctx.Err()
}

// Shutdown closes overlay connections first so hijacked sockets do not hold
// the server open.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.opts.Hub != nil {
		s.opts.Hub.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) String() string { return "http-server" }

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
