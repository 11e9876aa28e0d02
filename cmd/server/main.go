package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/jacobragsdale/automation/internal/adapter/httpserver"
	"github.com/jacobragsdale/automation/internal/adapter/postgres"
	"github.com/jacobragsdale/automation/internal/app"
	"github.com/jacobragsdale/automation/internal/nextdns"
	"github.com/jacobragsdale/automation/internal/platform/config"
	"github.com/jacobragsdale/automation/internal/platform/logging"
	"github.com/jacobragsdale/automation/internal/policy"
	"github.com/jacobragsdale/automation/internal/scheduler"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func runGracefulShutdown(srv *httpserver.Server, sched *scheduler.Scheduler) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		sched.Stop()
		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	pool := setupDB(cfg)
	defer pool.Close()

	sessionRepo := postgres.NewSessionRepo(pool)
	jobRepo := postgres.NewJobRepo(pool)

	clientOpts := []nextdns.Option{nextdns.WithTimeout(cfg.RemoteCallTimeout)}
	if cfg.NextDNSProfileID != "" {
		clientOpts = append(clientOpts, nextdns.WithProfileID(cfg.NextDNSProfileID))
	}
	client := nextdns.NewClient(cfg.NextDNSBaseURL, cfg.NextDNSAPIKey, clientOpts...)

	sched := scheduler.New(jobRepo, clock, cfg.SchedulerPollInterval)

	appSvc := app.NewService(
		sessionRepo, jobRepo, sched, client,
		policy.NewApplier(client), policy.NewCapturer(client),
		clock,
	)
	sched.Register(appSvc.OnExpiryFired)

	// Interrupted transitions must be resolved before traffic or the poll
	// loop can race them.
	reconcileCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := appSvc.ReconcileOnStartup(reconcileCtx); err != nil {
		cancel()
		slog.Error("Startup reconciliation failed", "error", err)
		os.Exit(1)
	}
	cancel()

	sched.Start()

	healthChecks := []httpserver.HealthCheck{
		{Name: "database", Check: pool.Ping},
	}
	srv := httpserver.NewServer(cfg, appSvc, client, healthChecks)

	done := runGracefulShutdown(srv, sched)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
