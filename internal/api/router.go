// Package api assembles the HTTP surface of the adherence service.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/access"
	"github.com/drfirst/go-adherence/internal/adherence"
	"github.com/drfirst/go-adherence/internal/api/handlers"
	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/dosing"
)

// Deps are the collaborators the router wires into handlers
type Deps struct {
	Service *dosing.Service
	Stats   *adherence.Aggregator
	Checker *access.Checker
	APIKeys map[string]string
	// Ready reports whether backing stores are reachable. Nil means always ready.
	Ready func(ctx context.Context) error
	// Metrics serves /metrics when set
	Metrics http.Handler
	Logger  *zap.Logger
}

// ReadyChecks combines readiness checks, failing on the first error. Nil checks are skipped.
func ReadyChecks(checks ...func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for _, check := range checks {
			if check == nil {
				continue
			}
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// NewRouter builds the chi router with middleware and all routes
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing("adherence-api"))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"adherence-api"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(r.Context()); err != nil {
				logger.Warn("readiness check failed", zap.Error(err))
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.Write([]byte("ready"))
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(d.APIKeys))
		r.Use(middleware.Actor)

		r.Mount("/prescriptions", handlers.NewPrescriptionHandler(d.Service, d.Stats, d.Checker, logger).Routes())
		r.Mount("/medications", handlers.NewMedicationHandler(d.Service, d.Checker, logger).Routes())
		r.Mount("/batches", handlers.NewBatchHandler(d.Service, d.Checker, logger).Routes())
		r.Mount("/doses", handlers.NewDoseHandler(d.Service, d.Checker, logger).Routes())
		r.Mount("/patients", handlers.NewPatientHandler(d.Service, d.Stats, d.Checker, logger).Routes())
	})

	return r
}
