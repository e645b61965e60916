package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/you/cheerfx/internal/accounts"
	"github.com/you/cheerfx/internal/billing"
	"github.com/you/cheerfx/internal/config"
	"github.com/you/cheerfx/internal/eventsub"
	"github.com/you/cheerfx/internal/fanout"
	"github.com/you/cheerfx/internal/generate"
	httpadmin "github.com/you/cheerfx/internal/http"
	"github.com/you/cheerfx/internal/httpapi"
	"github.com/you/cheerfx/internal/ingest"
	"github.com/you/cheerfx/internal/logging"
	"github.com/you/cheerfx/internal/media"
	"github.com/you/cheerfx/internal/secrets"
	"github.com/you/cheerfx/internal/sfx"
	"github.com/you/cheerfx/internal/store"
	"github.com/you/cheerfx/internal/supervisor"
	"github.com/you/cheerfx/internal/version"
)

func main() {
	var (
		versionFlag bool
		configPath  string
		migrateOnly bool
		tokenFor    string
		tokenRole   string
		tokenTTL    time.Duration
		httpAddr    string
		dbPath      string
		logLevel    string
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&configPath, "config", "", "Path to a YAML config file (overrides "+config.ConfigPathEnv+")")
	flag.BoolVar(&migrateOnly, "migrate", false, "Open and migrate the SQLite database, then exit")
	flag.StringVar(&tokenFor, "issue-token", "", "Print a dashboard API token for this broadcaster id and exit")
	flag.StringVar(&tokenRole, "token-role", "", "Role claim for -issue-token (admin or empty)")
	flag.DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "Lifetime of a token printed by -issue-token")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address (e.g. :8080)")
	flag.StringVar(&dbPath, "sqlite", "", "Path to SQLite database file")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	flag.Parse()

	if versionFlag {
		fmt.Printf("cheerfx version: %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildTime)
		return
	}

	if configPath = strings.TrimSpace(configPath); configPath != "" {
		if err := os.Setenv(config.ConfigPathEnv, configPath); err != nil {
			fatal(err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		fatal(err)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["sqlite"] {
		cfg.SQLite.Path = strings.TrimSpace(dbPath)
	}
	if overrides["log-level"] {
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(logLevel))
	}
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	if tokenFor != "" || tokenRole != "" {
		if cfg.Auth.JWTSecret == "" {
			fatal(errors.New("auth.jwt_secret is not configured"))
		}
		token, err := httpapi.IssueToken(cfg.Auth.JWTSecret, strings.TrimSpace(tokenFor), tokenRole, tokenTTL)
		if err != nil {
			fatal(err)
		}
		fmt.Println(token)
		return
	}

	logging.Info().
		Str("version", version.Version).
		Str("commit", version.Commit).
		RawJSON("config", cfg.RedactedJSON()).
		Msg("cheerfx: starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, migrateOnly); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("cheerfx: exited with error")
		os.Exit(1)
	}
	logging.Info().Msg("cheerfx: stopped")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "cheerfx: %v\n", err)
	os.Exit(1)
}

func run(ctx context.Context, cfg config.Config, migrateOnly bool) error {
	db, err := store.OpenSQLite(cfg.SQLite.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Warn().Err(err).Msg("cheerfx: closing sqlite")
		}
	}()
	if err := migrateSQLite(ctx, db.DB()); err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	if migrateOnly {
		return nil
	}
	if cfg.SQLite.Tuning {
		db.ApplyTuning(ctx)
	}

	metrics := httpapi.NewMetrics()

	hub := fanout.NewHub(fanout.HubOptions{
		Buffer:   cfg.Jobs.FanoutBuffer,
		OnDrop:   metrics.IncFanoutDrops,
		OnChange: metrics.SetWSClients,
	})
	layer := fanout.NewLayer(cfg.Jobs.FanoutBuffer)
	defer func() {
		if err := layer.Close(); err != nil {
			logging.Warn().Err(err).Msg("cheerfx: closing fanout layer")
		}
	}()

	sfxClient := sfx.NewClient(sfx.Options{
		Endpoint:        cfg.SFX.Endpoint,
		APIKey:          cfg.SFX.APIKey,
		DurationSecs:    cfg.SFX.DurationSecs,
		PromptInfluence: cfg.SFX.PromptInfluence,
		Timeout:         cfg.SFX.Timeout,
		OnStateChange:   metrics.SetBreakerState,
	})

	billingClient := billing.NewClient(cfg.Billing.APIKey)
	gate := billing.NewGate(db, billingClient, cfg.Billing.FreeRuns)
	gate.OnReportFailure = metrics.IncUsageFailures

	files := media.NewFileStore(cfg.Media.Dir, cfg.Media.BaseURL)

	orchestrator := generate.NewOrchestrator(generate.Options{
		Gate:      gate,
		Generator: sfxClient,
		Media:     files,
		Store:     db,
		Publisher: layer,
		OnOutcome: metrics.IncGeneration,
	})
	queue := generate.NewQueue(orchestrator, generate.QueueOptions{
		Workers:  cfg.Jobs.Workers,
		Size:     cfg.Jobs.QueueSize,
		OnDepth:  metrics.SetQueueDepth,
		OnReject: metrics.IncQueueRejected,
	})
	defer queue.Close()

	secretStore := secrets.FromConfig(cfg)

	var subs accounts.Subscriber
	if cfg.EventSubEnabled() {
		subs = eventsub.NewClient(eventsub.Options{
			ClientID:     cfg.Twitch.ClientID,
			ClientSecret: cfg.Twitch.ClientSecret,
			CallbackURL:  cfg.Twitch.CallbackURL,
			Secret:       secretStore.Twitch,
		})
	} else {
		logging.Info().Msg("cheerfx: eventsub management disabled; subscriptions must be created externally")
	}

	server := httpapi.New(httpapi.Options{
		Addr:          cfg.HTTP.Addr,
		Build:         buildInfo(),
		RateRPS:       cfg.HTTP.RateRPS,
		RateBurst:     cfg.HTTP.RateBurst,
		CORSOrigins:   cfg.HTTP.CORSOrigins,
		JWTSecret:     cfg.Auth.JWTSecret,
		Store:         db,
		Ingest:        ingest.NewService(db, queue),
		Subscriptions: billing.NewSubscriptions(db),
		BillingAPI:    billingClient,
		Generator:     orchestrator,
		Publisher:     layer,
		Hub:           hub,
		Media:         files,
		Accounts:      accounts.NewService(db, subs, cfg.Billing.FreeRuns),
		Secrets:       secretStore,
		Admin:         httpadmin.New(secretStore),
		Metrics:       metrics,
	})
	if cfg.Auth.JWTSecret == "" {
		logging.Warn().Msg("cheerfx: auth.jwt_secret not set; dashboard API is closed")
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddDelivery(fanout.NewRelay(layer, hub))
	if len(secretStore.Files()) > 0 {
		tree.AddDelivery(secrets.NewWatcher(secretStore, logReload))
	}
	tree.AddWorker(queue)
	tree.AddAPI(server)

	err = tree.Serve(ctx)
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("cheerfx: service did not stop in time")
		}
	}
	return err
}

func logReload(res secrets.Result, err error) {
	if err != nil {
		logging.Error().Err(err).Msg("cheerfx: secret reload failed; keeping previous values")
		return
	}
	logging.Info().Bool("twitch", res.Twitch).Bool("billing", res.Billing).Msg("cheerfx: secrets reloaded")
}

func buildInfo() httpapi.BuildInfo {
	build := httpapi.BuildInfo{Version: version.Version, Revision: version.Commit}
	if version.BuildTime != "" && version.BuildTime != "unknown" {
		if t, err := time.Parse(time.RFC3339, version.BuildTime); err == nil {
			build.BuiltAt = t
		}
	}
	return build
}
