package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	apierrors "orderpad/internal/errors"
	"orderpad/internal/license"
	"orderpad/internal/middleware"
)

// NewRouter assembles the agent's API surface: licensing endpoints, a health
// probe and the Prometheus scrape handler.
func NewRouter(controller *license.Controller, metricsHandler http.Handler, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.StructuredLogger(logger))
	r.Use(middleware.Recoverer(logger))

	// Unknown routes get the same JSON envelope as every other error.
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apierrors.WriteError(w, apierrors.NotFoundError(req.URL.Path))
	})

	licenseHandler := NewLicenseHandler(controller, logger)
	r.Mount("/api/license", licenseHandler.Routes())

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	return r
}
