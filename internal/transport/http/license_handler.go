// Package http exposes the licensing agent over a local HTTP API. It is a
// thin translation layer: all decisions live in the license package.
package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	apierrors "orderpad/internal/errors"
	"orderpad/internal/license"
)

// LicenseHandler handles license-related HTTP requests
type LicenseHandler struct {
	controller *license.Controller
	logger     *slog.Logger
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(controller *license.Controller, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		controller: controller,
		logger:     logger.With(slog.String("handler", "license")),
	}
}

// ActivationRequest is the explicit cloud validation payload
type ActivationRequest struct {
	Email       string `json:"email"`
	UnlockToken string `json:"unlock_token"`
}

// Bind implements the render.Binder interface for activation requests
func (a *ActivationRequest) Bind(r *http.Request) error {
	if a.Email == "" {
		return errors.New("email is required")
	}
	if !strings.Contains(a.Email, "@") {
		return errors.New("invalid email format")
	}
	if a.UnlockToken == "" {
		return errors.New("unlock_token is required")
	}
	return nil
}

// StatusResponse wraps a LicenseState for the API
type StatusResponse struct {
	Success   bool                 `json:"success"`
	State     license.LicenseState `json:"state"`
	Timestamp time.Time            `json:"timestamp"`
}

// Render implements the render.Renderer interface
func (s *StatusResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, http.StatusOK)
	return nil
}

// Routes returns a chi router for license endpoints
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/status", h.GetStatus)
	r.Post("/activate", h.Activate)
	r.Delete("/cache", h.ClearCache)
	r.Get("/hardware", h.GetHardware)

	return r
}

// GetStatus returns the current licensing state. ?refresh=1 bypasses the TTL
// memo.
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	forceRefresh := r.URL.Query().Get("refresh") == "1"

	state := h.controller.GetStatus(r.Context(), forceRefresh)

	h.logger.DebugContext(r.Context(), "License status served",
		slog.String("status", string(state.Status)),
		slog.String("source", string(state.Source)),
		slog.Bool("force_refresh", forceRefresh),
	)

	render.Render(w, r, &StatusResponse{
		Success:   true,
		State:     state,
		Timestamp: time.Now(),
	})
}

// Activate performs an explicit user-triggered cloud validation.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	req := &ActivationRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apierrors.NewErrorResponse(apierrors.InvalidRequestWithError(err)))
		return
	}

	state, err := h.controller.ValidateWithCloud(r.Context(), req.Email, req.UnlockToken)
	if err != nil {
		switch {
		case errors.Is(err, license.ErrSubscriptionExpired):
			render.Render(w, r, apierrors.NewErrorResponse(apierrors.ErrCloudRejected))
		case errors.Is(err, license.ErrNetwork):
			render.Render(w, r, apierrors.NewErrorResponse(apierrors.ErrCloudUnreachable))
		default:
			render.Render(w, r, apierrors.NewErrorResponse(apierrors.ActivationError(err)))
		}
		return
	}

	h.logger.InfoContext(r.Context(), "License activated via API",
		slog.String("customer", state.Customer),
	)

	render.Render(w, r, &StatusResponse{
		Success:   true,
		State:     state,
		Timestamp: time.Now(),
	})
}

// ClearCache drops the in-memory and on-disk license cache (logout or
// license transfer).
func (h *LicenseHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	h.controller.ClearCache(r.Context())

	state := h.controller.GetStatus(r.Context(), true)
	render.Render(w, r, &StatusResponse{
		Success:   true,
		State:     state,
		Timestamp: time.Now(),
	})
}

// HardwareResponse exposes the canonical hardware id for support workflows.
type HardwareResponse struct {
	Success    bool   `json:"success"`
	HardwareID string `json:"hardware_id"`
}

// Render implements the render.Renderer interface
func (h *HardwareResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, http.StatusOK)
	return nil
}

// GetHardware returns the machine's canonical hardware id.
func (h *LicenseHandler) GetHardware(w http.ResponseWriter, r *http.Request) {
	state := h.controller.GetStatus(r.Context(), false)
	render.Render(w, r, &HardwareResponse{
		Success:    true,
		HardwareID: state.HardwareID,
	})
}
