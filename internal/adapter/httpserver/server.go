// Package httpserver exposes the focus-session API over HTTP.
package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jacobragsdale/automation/internal/domain"
	"github.com/jacobragsdale/automation/internal/nextdns"
	"github.com/jacobragsdale/automation/internal/platform/config"
	"github.com/jacobragsdale/automation/internal/platform/errors"
)

type appService interface {
	StartSession(ctx context.Context, changes domain.ChangeSet, duration time.Duration, reason string) (*domain.Session, error)
	CancelSession(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	ForceClear(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	ForceRetry(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (domain.View, error)
	GetConsolidatedState(ctx context.Context) (*domain.ConsolidatedState, error)
	SetPolicyValue(ctx context.Context, key domain.Key, value domain.Value) error
	ApplyDirect(ctx context.Context, changes domain.ChangeSet) error
}

type profileOverviewer interface {
	Overview(ctx context.Context) (*nextdns.Overview, error)
}

// HealthCheck is one named readiness probe run by the health endpoint.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	app          appService
	profile      profileOverviewer
	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg *config.Config, app appService, profile profileOverviewer, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(errors.Middleware())

	srv := &Server{
		echo:         e,
		config:       cfg,
		app:          app,
		profile:      profile,
		healthChecks: healthChecks,
		startTime:    time.Now(),
	}

	srv.registerRoutes()
	return srv
}

func (s *Server) registerRoutes() {
	s.echo.POST("/nextdns/focus-sessions", s.handleStartSession)
	s.echo.GET("/nextdns/focus-sessions/:id", s.handleGetSession)
	s.echo.DELETE("/nextdns/focus-sessions/:id", s.handleCancelSession)
	s.echo.POST("/nextdns/focus-sessions/:id/force-clear", s.handleForceClear)
	s.echo.POST("/nextdns/focus-sessions/:id/force-retry", s.handleForceRetry)

	s.echo.GET("/nextdns/filters/state", s.handleFiltersState)
	s.echo.PATCH("/nextdns/filters/parental-controls", s.handlePatchParentalControls)
	s.echo.PATCH("/nextdns/filters/privacy", s.handlePatchPrivacy)
	s.echo.POST("/nextdns/lockdown", s.handleLockdown)
	s.echo.POST("/nextdns/denylist", s.handleAddDenylistRule)
	s.echo.DELETE("/nextdns/denylist/:domain", s.handleRemoveDenylistRule)

	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()

	checks := make(map[string]string, len(s.healthChecks))
	healthy := true
	for _, hc := range s.healthChecks {
		if err := hc.Check(ctx); err != nil {
			checks[hc.Name] = err.Error()
			healthy = false
			continue
		}
		checks[hc.Name] = "ok"
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	response := map[string]any{
		"status":         map[bool]string{true: "ok", false: "degraded"}[healthy],
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"checks":         checks,
	}
	if err := c.JSON(status, response); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}
