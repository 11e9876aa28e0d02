package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/jacobragsdale/automation/internal/domain"
	apperrors "github.com/jacobragsdale/automation/internal/platform/errors"
)

const (
	minDurationMinutes = 5
	maxDurationMinutes = 1440
)

type startSessionRequest struct {
	DurationMinutes       int      `json:"duration_minutes"`
	Domains               []string `json:"domains"`
	CategoryIDs           []string `json:"category_ids"`
	ServiceIDs            []string `json:"service_ids"`
	SafeSearch            *bool    `json:"safe_search"`
	YouTubeRestrictedMode *bool    `json:"youtube_restricted_mode"`
	BlockBypass           *bool    `json:"block_bypass"`
	BlocklistIDs          []string `json:"blocklist_ids"`
	Reason                string   `json:"reason"`
}

// changeSet translates the request into policy key overrides. List entries
// toggle on; plain booleans take the requested value.
func (r *startSessionRequest) changeSet() domain.ChangeSet {
	changes := make(domain.ChangeSet)
	for _, d := range r.Domains {
		if d = normalizeDomain(d); d != "" {
			changes[domain.DenylistKey(d)] = domain.BoolValue(true)
		}
	}
	for _, id := range r.CategoryIDs {
		changes[domain.CategoryKey(id)] = domain.BoolValue(true)
	}
	for _, id := range r.ServiceIDs {
		changes[domain.ServiceKey(id)] = domain.BoolValue(true)
	}
	if r.SafeSearch != nil {
		changes[domain.KeySafeSearch] = domain.BoolValue(*r.SafeSearch)
	}
	if r.YouTubeRestrictedMode != nil {
		changes[domain.KeyYouTubeRestrictedMode] = domain.BoolValue(*r.YouTubeRestrictedMode)
	}
	if r.BlockBypass != nil {
		changes[domain.KeyBlockBypass] = domain.BoolValue(*r.BlockBypass)
	}
	if r.BlocklistIDs != nil {
		changes[domain.KeyPrivacyBlocklists] = domain.IDSetValue(r.BlocklistIDs)
	}
	return changes
}

func (s *Server) handleStartSession(c echo.Context) error {
	ctx := c.Request().Context()

	var req startSessionRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if req.DurationMinutes < minDurationMinutes || req.DurationMinutes > maxDurationMinutes {
		return apperrors.ValidationError(fmt.Sprintf("duration_minutes must be between %d and %d",
			minDurationMinutes, maxDurationMinutes)).
			WithField("duration_minutes", req.DurationMinutes)
	}

	changes := req.changeSet()
	if len(changes) == 0 {
		return apperrors.ValidationError("at least one override must be requested")
	}

	duration := time.Duration(req.DurationMinutes) * time.Minute
	session, err := s.app.StartSession(ctx, changes, duration, req.Reason)
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusCreated, session.ViewAt(time.Now())); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleGetSession(c echo.Context) error {
	id, err := parseSessionID(c)
	if err != nil {
		return err
	}

	view, err := s.app.GetSession(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if err := c.JSON(http.StatusOK, view); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleCancelSession(c echo.Context) error {
	return s.handleTransition(c, s.app.CancelSession)
}

func (s *Server) handleForceClear(c echo.Context) error {
	return s.handleTransition(c, s.app.ForceClear)
}

func (s *Server) handleForceRetry(c echo.Context) error {
	return s.handleTransition(c, s.app.ForceRetry)
}

func (s *Server) handleTransition(c echo.Context, op func(ctx context.Context, id uuid.UUID) (*domain.Session, error)) error {
	id, err := parseSessionID(c)
	if err != nil {
		return err
	}

	session, err := op(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if err := c.JSON(http.StatusOK, session.ViewAt(time.Now())); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleFiltersState(c echo.Context) error {
	ctx := c.Request().Context()

	overview, err := s.profile.Overview(ctx)
	if err != nil {
		return apperrors.ExternalError("failed to fetch profile state", err)
	}
	overrides, err := s.app.GetConsolidatedState(ctx)
	if err != nil {
		return err
	}

	response := map[string]any{
		"profile":   overview,
		"overrides": overrides,
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

type toggleRequest struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

type parentalControlsRequest struct {
	SafeSearch            *bool           `json:"safe_search"`
	YouTubeRestrictedMode *bool           `json:"youtube_restricted_mode"`
	BlockBypass           *bool           `json:"block_bypass"`
	Categories            []toggleRequest `json:"categories"`
	Services              []toggleRequest `json:"services"`
}

func (s *Server) handlePatchParentalControls(c echo.Context) error {
	var req parentalControlsRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	changes := make(domain.ChangeSet)
	if req.SafeSearch != nil {
		changes[domain.KeySafeSearch] = domain.BoolValue(*req.SafeSearch)
	}
	if req.YouTubeRestrictedMode != nil {
		changes[domain.KeyYouTubeRestrictedMode] = domain.BoolValue(*req.YouTubeRestrictedMode)
	}
	if req.BlockBypass != nil {
		changes[domain.KeyBlockBypass] = domain.BoolValue(*req.BlockBypass)
	}
	for _, t := range req.Categories {
		changes[domain.CategoryKey(t.ID)] = domain.BoolValue(t.Active)
	}
	for _, t := range req.Services {
		changes[domain.ServiceKey(t.ID)] = domain.BoolValue(t.Active)
	}
	if len(changes) == 0 {
		return apperrors.ValidationError("at least one setting must be provided")
	}

	if err := s.app.ApplyDirect(c.Request().Context(), changes); err != nil {
		return err
	}
	if err := c.JSON(http.StatusOK, map[string]any{"status": "ok", "updated": len(changes)}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

type privacyRequest struct {
	BlocklistIDs []string `json:"blocklist_ids"`
}

func (s *Server) handlePatchPrivacy(c echo.Context) error {
	var req privacyRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if req.BlocklistIDs == nil {
		return apperrors.ValidationError("blocklist_ids is required")
	}

	changes := domain.ChangeSet{domain.KeyPrivacyBlocklists: domain.IDSetValue(req.BlocklistIDs)}
	if err := s.app.ApplyDirect(c.Request().Context(), changes); err != nil {
		return err
	}
	if err := c.JSON(http.StatusOK, map[string]any{"status": "ok", "blocklists": len(req.BlocklistIDs)}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

type lockdownRequest struct {
	Enabled bool `json:"enabled"`
}

// handleLockdown flips the whole filtering posture in one shot: safe search,
// every configured category and every denylist entry follow the requested
// state. The current profile decides which categories and entries exist.
func (s *Server) handleLockdown(c echo.Context) error {
	ctx := c.Request().Context()

	var req lockdownRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	overview, err := s.profile.Overview(ctx)
	if err != nil {
		return apperrors.ExternalError("failed to fetch profile state", err)
	}

	changes := domain.ChangeSet{domain.KeySafeSearch: domain.BoolValue(req.Enabled)}
	for _, cat := range overview.ParentalControl.Categories {
		changes[domain.CategoryKey(cat.ID)] = domain.BoolValue(req.Enabled)
	}
	for _, entry := range overview.Denylist {
		if dom := normalizeDomain(entry.ID); dom != "" {
			changes[domain.DenylistKey(dom)] = domain.BoolValue(req.Enabled)
		}
	}

	if err := s.app.ApplyDirect(ctx, changes); err != nil {
		return err
	}
	if err := c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"enabled": req.Enabled,
		"updated": len(changes),
	}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

type denylistRequest struct {
	ID     string `json:"id"`
	Active *bool  `json:"active"`
}

func (s *Server) handleAddDenylistRule(c echo.Context) error {
	var req denylistRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	dom := normalizeDomain(req.ID)
	if dom == "" {
		return apperrors.ValidationError("id must be a domain name")
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	if err := s.app.SetPolicyValue(c.Request().Context(), domain.DenylistKey(dom), domain.BoolValue(active)); err != nil {
		return err
	}
	if err := c.JSON(http.StatusOK, map[string]string{"status": "ok", "id": dom}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleRemoveDenylistRule(c echo.Context) error {
	dom := normalizeDomain(c.Param("domain"))
	if dom == "" {
		return apperrors.ValidationError("domain is required")
	}

	if err := s.app.SetPolicyValue(c.Request().Context(), domain.DenylistKey(dom), domain.AbsentValue()); err != nil {
		return err
	}
	if err := c.JSON(http.StatusOK, map[string]string{"status": "ok", "id": dom}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func parseSessionID(c echo.Context) (uuid.UUID, error) {
	raw := c.Param("id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperrors.ValidationError("invalid session id").WithField("id", raw)
	}
	return id, nil
}

func normalizeDomain(dom string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(dom)), ".")
}
