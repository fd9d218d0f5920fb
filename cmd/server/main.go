// Proctor - Timed Exam Session Backend
// Copyright 2026 M. Calloway (proctorhq)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/proctorhq/proctor

// Package main is the entry point for the Proctor server.
//
// Proctor is a self-hosted backend for running timed online exams. It
// serves a REST API for students taking exams and administrators
// managing them, pushes session lifecycle updates over WebSockets, and
// grades submissions asynchronously.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: environment variables layered over a config file
//     and built-in defaults (Koanf v2)
//  2. Database: embedded DuckDB holding users, exams, questions,
//     sessions, answers and grade history
//  3. Token cache: BadgerDB-backed cache for hot session token lookups
//  4. Messaging: embedded NATS JetStream server, event publisher and
//     durable subscriber for session lifecycle and grading events
//  5. Session service: the exam session state machine with its expiry
//     timer and fallback sweeper
//  6. Grading: worker pool consuming grading requests off the event
//     stream
//  7. HTTP server: REST API plus the per-session WebSocket endpoint
//
// Everything long-running is supervised by a suture tree; crashed
// services are restarted with backoff.
//
// # Configuration
//
// For JWT authentication (default):
//   - PROCTOR_SECURITY_JWT_SECRET: 32+ character secret for token signing
//   - PROCTOR_SECURITY_ADMIN_USERNAME: bootstrap admin username
//   - PROCTOR_SECURITY_ADMIN_PASSWORD: bootstrap admin password
//
// Development without authentication:
//
//	export PROCTOR_SECURITY_AUTH_MODE=none
//	./proctor
//
// # Signal Handling
//
// The server shuts down gracefully on SIGINT and SIGTERM: it stops
// accepting connections, waits for in-flight requests, closes every
// WebSocket client, drains the grading queue as far as the shutdown
// timeout allows, then closes the broker, cache and database.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/proctorhq/proctor/internal/api"
	"github.com/proctorhq/proctor/internal/audit"
	"github.com/proctorhq/proctor/internal/auth"
	"github.com/proctorhq/proctor/internal/config"
	"github.com/proctorhq/proctor/internal/database"
	"github.com/proctorhq/proctor/internal/events"
	"github.com/proctorhq/proctor/internal/grading"
	"github.com/proctorhq/proctor/internal/logging"
	"github.com/proctorhq/proctor/internal/models"
	"github.com/proctorhq/proctor/internal/scheduler"
	"github.com/proctorhq/proctor/internal/session"
	"github.com/proctorhq/proctor/internal/supervisor"
	"github.com/proctorhq/proctor/internal/supervisor/services"
	"github.com/proctorhq/proctor/internal/tokencache"
	ws "github.com/proctorhq/proctor/internal/websocket"
)

//nolint:gocyclo // Main initialization function with sequential setup steps
func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().Msg("Starting Proctor with supervisor tree")
	logging.Info().
		Str("db_path", cfg.Database.Path).
		Str("auth_mode", cfg.Security.AuthMode).
		Str("text_grader", cfg.Grading.TextGrader).
		Bool("nats_embedded", cfg.NATS.Embedded).
		Msg("Configuration loaded")

	db, err := database.New(&cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()
	logging.Info().Msg("Database initialized successfully")

	// Bootstrap the admin account before anything can serve requests.
	// In auth mode "none" the synthetic claims resolve to this row.
	adminHash, err := auth.HashPassword(cfg.Security.AdminPassword)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to hash admin password")
	}
	if _, err := db.EnsureBootstrapAdmin(context.Background(), cfg.Security.AdminUsername, adminHash); err != nil {
		logging.Fatal().Err(err).Msg("Failed to ensure bootstrap admin account")
	}

	cache, err := tokencache.New(&cfg.TokenCache)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open session token cache")
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing token cache")
		}
	}()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// In-process dispatcher: the WebSocket bridge and grading pool hang
	// off it, and the publisher falls back to it when the broker is down.
	dispatcher := events.NewDispatcher()

	wsHub := ws.NewHub()
	ws.RegisterEventHandlers(wsHub, dispatcher)

	var natsServer *events.EmbeddedServer
	natsURL := cfg.NATS.URL
	if cfg.NATS.Embedded {
		natsServer, err = events.NewEmbeddedServer(&cfg.NATS)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to start embedded NATS server")
		}
		natsURL = natsServer.ClientURL()
		logging.Info().Str("url", natsURL).Msg("Embedded NATS JetStream server started")
	}

	publisher, err := events.NewPublisher(natsURL, &cfg.NATS, dispatcher)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create event publisher")
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing event publisher")
		}
	}()

	subscriber, err := events.NewSubscriber(natsURL, &cfg.NATS, dispatcher)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create event subscriber")
	}

	// The session service schedules deadlines on the timer and the
	// timer expires sessions through the service, so the expirer is
	// wired after both exist.
	expiryTimer := scheduler.NewTimer(nil)
	sessionService := session.NewService(db, cache, publisher, expiryTimer)
	expiryTimer.SetExpirer(sessionService)

	// Re-arm deadlines for sessions that were open when the last
	// process stopped.
	if err := expiryTimer.Seed(ctx, db); err != nil {
		logging.Fatal().Err(err).Msg("Failed to seed expiry timers from open sessions")
	}
	sweeper := scheduler.NewSweeper(db, sessionService, cfg.Sessions.SweepInterval)

	grader := buildGrader(cfg)
	gradingService := grading.NewService(db, grader)
	gradingService.OnCompleted = func(ctx context.Context, grade *models.GradeHistory) {
		event := &events.Event{
			Type:          events.TypeGradingCompleted,
			SessionID:     grade.SessionID,
			GradeID:       grade.ID,
			GradeStatus:   grade.Status,
			GradingMethod: grade.GradingMethod,
			Percentage:    grade.Percentage,
		}
		if sess, err := db.GetSession(ctx, grade.SessionID); err == nil {
			event.StudentID = sess.StudentID
			event.ExamID = sess.ExamID
		}
		if err := publisher.Publish(ctx, event); err != nil {
			logging.Error().Err(err).
				Str("grade_id", grade.ID).
				Msg("Failed to publish grading completed event")
		}
	}

	gradingPool := grading.NewPool(gradingService, cfg.Grading.Workers)
	dispatcher.Subscribe(events.TypeGradingRequested, func(ctx context.Context, event *events.Event) error {
		return gradingPool.Enqueue(ctx, grading.Request{
			SessionID: event.SessionID,
			Method:    event.GradingMethod,
		})
	})

	var jwtManager *auth.JWTManager
	switch cfg.Security.AuthMode {
	case "jwt":
		jwtManager, err = auth.NewJWTManager(&cfg.Security)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to initialize JWT manager")
		}
		logging.Info().Msg("JWT authentication enabled")
	case "none":
		logging.Warn().Msg("============================================================")
		logging.Warn().Msg("  SECURITY WARNING: Authentication is DISABLED (AUTH_MODE=none)")
		logging.Warn().Msg("  ")
		logging.Warn().Msg("  Every request runs as the bootstrap admin account!")
		logging.Warn().Msg("  This mode should ONLY be used for:")
		logging.Warn().Msg("    - Local development")
		logging.Warn().Msg("    - CI/CD testing environments")
		logging.Warn().Msg("  ")
		logging.Warn().Msg("  NEVER use AUTH_MODE=none in production or on public networks!")
		logging.Warn().Msg("============================================================")
	}

	middleware := auth.NewMiddleware(jwtManager, &cfg.Security)
	if cfg.Security.RateLimitDisabled {
		logging.Warn().Msg("Rate limiting is DISABLED (RATE_LIMIT_DISABLED=true)")
	}

	handler := api.NewHandler(db, sessionService, wsHub, jwtManager, cfg)

	// Audit trail shares the application database.
	auditStore := audit.NewDuckDBStore(db.Conn())
	if err := auditStore.CreateTable(ctx); err != nil {
		logging.Warn().Err(err).Msg("Failed to create audit_events table, audit logging disabled")
	} else {
		auditLogger := audit.NewLogger(auditStore, audit.DefaultConfig())
		defer func() {
			if err := auditLogger.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing audit logger")
			}
		}()
		auditLogger.StartCleanupRoutine(ctx)
		handler.SetAuditLogger(auditLogger)
		logging.Info().Msg("Audit logging initialized")
	}

	router := api.NewRouter(handler, middleware, cfg)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// === ADD SERVICES TO SUPERVISOR TREE ===

	treeConfig := supervisor.DefaultTreeConfig()
	treeConfig.ShutdownTimeout = cfg.Server.ShutdownTimeout
	tree := supervisor.NewTree(logging.NewSlogLogger(), treeConfig)

	tree.AddDataService(gradingPool)

	if natsServer != nil {
		tree.AddMessagingService(services.NewEmbeddedNATSService(natsServer, treeConfig.ShutdownTimeout))
	}
	tree.AddMessagingService(subscriber)
	tree.AddMessagingService(services.NewWebSocketHubService(wsHub))
	tree.AddMessagingService(expiryTimer)
	tree.AddMessagingService(sweeper)

	tree.AddAPIService(services.NewHTTPServerService(server, treeConfig.ShutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	// === START SUPERVISOR TREE ===

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// Wait for the error channel to close (supervisor finished)
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("Application stopped gracefully")
}

// buildGrader selects the free text grader. The LLM grader is a
// pluggable contract; without a provider client compiled in, selecting
// it falls back to the lexical grader with a warning instead of
// refusing to start.
func buildGrader(cfg *config.Config) grading.Grader {
	switch cfg.Grading.TextGrader {
	case "llm":
		logging.Warn().Msg("Grader \"llm\" selected but no provider client is configured, using lexical grader")
	case "mock", "":
	default:
		logging.Warn().
			Str("text_grader", cfg.Grading.TextGrader).
			Msg("Unknown text grader, using lexical grader")
	}
	return grading.NewLexicalGrader(cfg.Grading.SimilarityThreshold)
}
