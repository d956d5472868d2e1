package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chargesync/devicesync/internal/async"
	"github.com/chargesync/devicesync/internal/config"
	"github.com/chargesync/devicesync/internal/handlers"
	"github.com/chargesync/devicesync/internal/identity"
	"github.com/chargesync/devicesync/internal/localstore"
	"github.com/chargesync/devicesync/internal/models"
	"github.com/chargesync/devicesync/internal/netstatus"
	"github.com/chargesync/devicesync/internal/observability"
	"github.com/chargesync/devicesync/internal/recorder"
	"github.com/chargesync/devicesync/internal/remote"
	"github.com/chargesync/devicesync/internal/session"
	"github.com/chargesync/devicesync/internal/syncengine"
	"github.com/chargesync/devicesync/internal/syncqueue"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.EnsureStoreDir(); err != nil {
		log.Fatalf("Failed to create store directory: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Device identity
	info := identity.NewCollector().Collect().Info(cfg.Agent.DeviceType)

	telemetry, err := observability.Initialize(ctx,
		observability.NewConfig("chargesync-agent", version).ForDevice(info.Fingerprint))
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}
	logger := observability.WithField("component", "agent")
	logger.WithField("fingerprint", info.Fingerprint[:12]).Info("Device identity computed")

	// Local store; falls back to memory if the database cannot be opened
	store := localstore.NewResilient(localstore.NewSQLiteStore(cfg.Agent.StorePath))
	if err := store.Initialize(ctx); err != nil {
		log.Fatalf("Failed to initialize local store: %v", err)
	}
	defer store.Close()
	if store.Degraded() {
		logger.WithError(store.DegradedReason()).Warn("Local store unavailable, running in memory")
	}

	queue, err := syncqueue.New(store, syncqueue.Options{
		Backoff: syncqueue.Backoff{
			Initial: cfg.Sync.BackoffInitial(),
			Max:     cfg.Sync.BackoffMax(),
			Jitter:  0.2,
		},
	})
	if err != nil {
		log.Fatalf("Failed to initialize sync queue: %v", err)
	}

	// Authority client and connectivity
	client := remote.NewClient(remote.ClientOptions{
		BaseURL:      cfg.Agent.AuthorityURL,
		APIKey:       cfg.Security.APIKey,
		APIKeyHeader: cfg.Security.APIKeyHeader,
		Timeout:      cfg.Session.RequestTimeout(),
	})
	monitor := netstatus.NewMonitor(client, cfg.Sync.ProbeInterval(), monitorInitial(ctx, client, cfg.Session.RequestTimeout()))
	go monitor.Run(ctx)

	pool, err := async.New(async.Config{
		Size:           cfg.Async.PoolSize,
		ReleaseTimeout: cfg.Async.ReleaseTimeout(),
		DefaultTimeout: cfg.Session.RequestTimeout(),
	})
	if err != nil {
		log.Fatalf("Failed to initialize worker pool: %v", err)
	}
	defer pool.Release()

	metrics, err := observability.NewSyncMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize sync metrics: %v", err)
	}

	// Session manager, sync engine and producers
	manager, err := session.NewManager(client, store, queue, monitor, session.Options{
		Info:              info,
		HeartbeatInterval: cfg.Session.HeartbeatInterval(),
		StaleAfter:        cfg.Session.StaleAfter(),
		RequestTimeout:    cfg.Session.RequestTimeout(),
		DisconnectTimeout: cfg.Session.DisconnectTimeout(),
		DisconnectOnClose: cfg.Agent.DisconnectOnClose,
		Pool:              pool,
		Metrics:           metrics,
	})
	if err != nil {
		log.Fatalf("Failed to initialize session manager: %v", err)
	}

	engine := syncengine.New(queue, client, monitor, syncengine.Options{
		MaxRetries:     cfg.Sync.MaxRetries,
		Concurrency:    cfg.Sync.Concurrency,
		RequestTimeout: cfg.Session.RequestTimeout(),
		PollInterval:   cfg.Sync.PollInterval(),
		Metrics:        metrics,
	})
	rec := recorder.New(store, queue, manager)

	go connectWithRetry(ctx, manager)
	manager.Start(ctx)
	go engine.Run(ctx)

	httpMetrics, err := observability.NewHTTPMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize HTTP metrics: %v", err)
	}

	// Loopback API
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(observability.TracingMiddleware("chargesync-agent"))
	r.Use(observability.MetricsMiddleware(httpMetrics))

	r.Get("/health", handlers.NewHealthHandler().HealthCheck)
	handlers.NewAgentHandler(manager, engine, rec, store).Routes(r)

	srv := &http.Server{
		Addr:         cfg.Agent.ListenAddress,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("Device agent listening on %s (authority %s)", cfg.Agent.ListenAddress, cfg.Agent.AuthorityURL)

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down agent...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Loopback API forced to shutdown")
	}
	if err := manager.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Session teardown failed")
	}
	stop()

	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Telemetry shutdown failed")
	}

	logger.Info("Agent stopped")
}

// monitorInitial probes once so the first connect takes the right path
func monitorInitial(ctx context.Context, client *remote.Client, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return client.Ping(ctx) == nil
}

// connectWithRetry establishes the first session, retrying while the
// authority is unreachable and there is no cached session to resume.
func connectWithRetry(ctx context.Context, manager *session.Manager) {
	logger := observability.WithField("component", "agent")

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 2 * time.Second
	exp.MaxInterval = time.Minute

	_, err := backoff.Retry(ctx, func() (*models.SessionRecord, error) {
		s, err := manager.Connect(ctx)
		switch {
		case err == nil:
			return s, nil
		case errors.Is(err, session.ErrOffline), remote.IsUnreachable(err):
			logger.WithError(err).Debug("Connect failed, retrying")
			return nil, err
		default:
			return nil, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(exp),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Infof("Authority unavailable, next connect attempt in %s", next.Round(time.Second))
		}),
	)
	if err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("Could not establish a session")
	}
}
