// Foreman runs an autonomous agent team: missions are decomposed into a step
// DAG, steps run through a multi-phase pipeline, artifacts pass QA and
// team-lead review, and everything is mirrored into Linear.
//
// One binary, three roles:
//
//	--role=ingress    HTTP surface + event announcements
//	--role=worker     step scheduler + review processor
//	--role=heartbeat  inbound Linear poller
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/foreman-hq/foreman/pkg/capability"
	"github.com/foreman-hq/foreman/pkg/config"
	"github.com/foreman-hq/foreman/pkg/database"
	"github.com/foreman-hq/foreman/pkg/events"
	"github.com/foreman-hq/foreman/pkg/ingress"
	"github.com/foreman-hq/foreman/pkg/llm"
	"github.com/foreman-hq/foreman/pkg/mirror"
	"github.com/foreman-hq/foreman/pkg/pipeline"
	"github.com/foreman-hq/foreman/pkg/planner"
	"github.com/foreman-hq/foreman/pkg/review"
	"github.com/foreman-hq/foreman/pkg/scheduler"
	"github.com/foreman-hq/foreman/pkg/slack"
	"github.com/foreman-hq/foreman/pkg/store"
	"github.com/foreman-hq/foreman/pkg/version"
	"github.com/foreman-hq/foreman/pkg/web"
)

// reviewTick paces the approval queue; reviews are LLM-bound, not hot.
const reviewTick = 5 * time.Second

// announceTick paces the event announcement loop.
const announceTick = 15 * time.Second

func main() {
	role := flag.String("role", "worker", "process role: ingress, worker, or heartbeat")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := slog.Default().With("role", *role, "pod_id", cfg.PodID)
	logger.Info("Starting", "version", version.Full())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	logger.Info("Connected to PostgreSQL, migrations applied")

	app := buildApp(cfg, dbClient, logger)

	switch *role {
	case "worker":
		runWorker(ctx, cfg, app, logger)
	case "heartbeat":
		runHeartbeat(ctx, cfg, app, logger)
	case "ingress":
		runIngress(ctx, cfg, app, dbClient, logger)
	default:
		logger.Error("Unknown role", "role", *role)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

// app holds the shared collaborators every role builds on. Mirror fields are
// nil when Linear is not configured.
type app struct {
	store      *store.Store
	llm        *llm.Client
	web        *web.Client
	emitter    *events.Emitter
	decomposer *planner.Decomposer

	mirrorClient  *mirror.Client
	mirrorService *mirror.Service
}

func buildApp(cfg *config.Settings, dbClient *database.Client, logger *slog.Logger) *app {
	st := store.New(dbClient.Pool())
	llmClient := llm.NewClient(cfg.LLM, llm.WithUsageRecorder(st), llm.WithLogger(logger))
	webClient := web.NewClient(cfg.BraveAPIKey, web.WithLogger(logger))

	a := &app{
		store:   st,
		llm:     llmClient,
		web:     webClient,
		emitter: events.NewEmitter(st, logger),
	}

	if cfg.LinearEnabled() {
		a.mirrorClient = mirror.NewClient(cfg.Linear.APIKey, mirror.WithClientLogger(logger))
		a.mirrorService = mirror.NewService(a.mirrorClient, st, cfg.Linear.TeamID, logger)
		logger.Info("Linear mirror enabled", "team_id", cfg.Linear.TeamID)
	} else {
		logger.Info("Linear mirror disabled; no LINEAR_API_KEY or LINEAR_TEAM_ID")
	}

	registry := capability.NewRegistry()
	validator := capability.NewValidator(registry, llmClient, logger)
	hirer := planner.NewRosterHirer(st, cfg.TeamID, logger)

	var planMirror planner.MirrorNotifier
	if a.mirrorService != nil {
		planMirror = a.mirrorService
	}
	a.decomposer = planner.NewDecomposer(st, llmClient, registry, validator, hirer, planMirror, logger)
	return a
}

func (a *app) intake(logger *slog.Logger) *ingress.Intake {
	var mir ingress.MirrorNotifier
	if a.mirrorService != nil {
		mir = a.mirrorService
	}
	return ingress.NewIntake(a.store, a.decomposer, mir, logger)
}

// runWorker runs the step scheduler and the review processor side by side.
func runWorker(ctx context.Context, cfg *config.Settings, a *app, logger *slog.Logger) {
	executor := pipeline.NewExecutor(a.store, a.llm, a.web, logger)

	var revMirror review.MirrorNotifier
	var schedMirror scheduler.MirrorNotifier
	if a.mirrorService != nil {
		revMirror = a.mirrorService
		schedMirror = a.mirrorService
	}

	processor := review.NewProcessor(a.store, a.llm, a.emitter, revMirror, nil, logger)
	worker := scheduler.NewWorker(a.store, executor, processor, a.emitter, schedMirror,
		scheduler.Config{Tick: cfg.Scheduler.Tick, CandidateBatch: cfg.Scheduler.CandidateBatch}, logger)
	processor.SetCompletionChecker(worker)

	go worker.Run(ctx)
	go runReviewLoop(ctx, processor, logger)

	<-ctx.Done()
}

// runReviewLoop drains the approval queue one review per tick.
func runReviewLoop(ctx context.Context, processor *review.Processor, logger *slog.Logger) {
	ticker := time.NewTicker(reviewTick)
	defer ticker.Stop()

	logger.Info("Review processor started", "tick", reviewTick)
	for {
		select {
		case <-ctx.Done():
			logger.Info("Review processor stopped")
			return
		case <-ticker.C:
			if err := processor.ProcessOne(ctx); err != nil {
				logger.Warn("Review round failed", "error", err)
			}
		}
	}
}

// runHeartbeat polls Linear for inbound issues.
func runHeartbeat(ctx context.Context, cfg *config.Settings, a *app, logger *slog.Logger) {
	if a.mirrorClient == nil {
		logger.Error("Heartbeat role requires LINEAR_API_KEY and LINEAR_TEAM_ID")
		os.Exit(1)
	}
	poller := mirror.NewPoller(a.mirrorClient, a.store, a.emitter, a.intake(logger),
		cfg.Linear.TeamID, cfg.Linear.APIUserID, cfg.Linear.PollTick, logger)
	poller.SetManagedLabelSource(a.mirrorService.ManagedLabelID)
	poller.Run(ctx)
}

// runIngress serves HTTP and announces events.
func runIngress(ctx context.Context, cfg *config.Settings, a *app, dbClient *database.Client, logger *slog.Logger) {
	var sink events.Sink
	if cfg.Slack.BotToken != "" && cfg.Slack.ChannelID != "" {
		sink = slack.NewClient(cfg.Slack.BotToken, cfg.Slack.ChannelID)
		logger.Info("Announcing events to Slack", "channel", cfg.Slack.ChannelID)
	}
	announcer := events.NewAnnouncer(a.store, sink, announceTick, logger)
	go announcer.Run(ctx)

	// The webhook shares the poller's inbound path without running its loop
	var webhookSink ingress.WebhookSink
	if a.mirrorClient != nil {
		poller := mirror.NewPoller(a.mirrorClient, a.store, a.emitter, a.intake(logger),
			cfg.Linear.TeamID, cfg.Linear.APIUserID, cfg.Linear.PollTick, logger)
		poller.SetManagedLabelSource(a.mirrorService.ManagedLabelID)
		webhookSink = poller
	}

	gin.SetMode(gin.ReleaseMode)
	server := ingress.NewServer(a.intake(logger), a.store, webhookSink,
		cfg.Linear.WebhookSecret, dbClient, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		logger.Error("HTTP server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
}
