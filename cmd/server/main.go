package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chargesync/devicesync/internal/config"
	"github.com/chargesync/devicesync/internal/handlers"
	custommw "github.com/chargesync/devicesync/internal/middleware"
	"github.com/chargesync/devicesync/internal/observability"
	"github.com/chargesync/devicesync/internal/repository"
	"github.com/chargesync/devicesync/internal/services"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	telemetry, err := observability.Initialize(ctx, observability.NewConfig("chargesync-authority", version))
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}
	logger := observability.WithField("component", "server")

	// Initialize database
	var db *sql.DB
	if cfg.UsePostgres() {
		logger.Info("Using PostgreSQL database")
		db, err = repository.NewPostgresDB(cfg.DatabaseURL)
	} else {
		logger.Infof("Using SQLite database at %s", cfg.DatabasePath)
		db, err = repository.NewSQLiteDB(cfg.DatabasePath)
	}
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	// Initialize services
	hub := services.NewSessionHub()
	go hub.Run(ctx)

	authority, err := services.NewAuthorityService(
		repository.NewDeviceRepository(db),
		repository.NewSessionRepository(db),
		repository.NewActivityRepository(db),
		repository.NewSubmissionRepository(db),
		hub,
		cfg.Session.StaleAfter(),
	)
	if err != nil {
		log.Fatalf("Failed to initialize authority: %v", err)
	}

	sweeper := services.NewSessionSweeper(authority, cfg.Session.SweepInterval())
	sweeper.Start()
	defer sweeper.Stop()

	httpMetrics, err := observability.NewHTTPMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize HTTP metrics: %v", err)
	}

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler()
	authorityHandler := handlers.NewAuthorityHandler(authority)
	wsHandler := handlers.NewWebSocketHandler(hub)
	statsHandler := handlers.NewStatsHandler(authority, hub, sweeper)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.TracingMiddleware("chargesync-authority"))
	r.Use(observability.MetricsMiddleware(httpMetrics))
	r.Use(custommw.APIKeyAuth(cfg.Security.APIKey, cfg.Security.APIKeyHeader))

	// Routes
	r.Get("/health", healthHandler.HealthCheck)
	r.Get("/api/health", healthHandler.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Use(custommw.DeviceRateLimit(cfg.RateLimit.PerDeviceRPS, cfg.RateLimit.Burst))
		authorityHandler.Routes(r)
		r.Get("/ws", wsHandler.HandleConnection)
		r.Get("/stats", statsHandler.GetStats)
	})

	// Create server
	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Infof("Session authority starting on %s", cfg.ServerAddress)
		logger.Infof("Sessions go stale after %s, swept every %s", cfg.Session.StaleAfter(), cfg.Session.SweepInterval())

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	stop()

	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Telemetry shutdown failed")
	}

	logger.Info("Server stopped")
}
