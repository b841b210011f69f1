// Package api assembles the HTTP surface of the medication safety engine.
package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/api/handlers"
	"github.com/drfirst/go-medsafe/internal/api/middleware"
	"github.com/drfirst/go-medsafe/internal/interaction"
	"github.com/drfirst/go-medsafe/internal/knowledge"
	"github.com/drfirst/go-medsafe/internal/lifecycle"
	"github.com/drfirst/go-medsafe/internal/observability/metrics"
	"github.com/drfirst/go-medsafe/internal/validation"
	"github.com/drfirst/go-medsafe/pkg/circuitbreaker"
)

// Version is reported by /health.
const Version = "1.0.0"

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Deps carries the engine components served over HTTP.
type Deps struct {
	ServiceName string
	APIKeys     []string
	Store       *knowledge.Store
	Resolver    *interaction.Resolver
	Validator   *validation.Validator
	Orders      *lifecycle.Service
	Breakers    *circuitbreaker.Manager
	// Drugs serves /api/v1/drugs. Nil when remote lookup is off.
	Drugs handlers.DrugReference
	// Ready is checked by /ready, keyed by dependency name.
	Ready  map[string]ReadinessCheck
	Logger *zap.Logger
}

// NewRouter builds the router with the global middleware, the
// unauthenticated health endpoints and the /api/v1 tools.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.ServiceName == "" {
		d.ServiceName = "medsafe-api"
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(d.ServiceName))

	r.Get("/health", health(d))
	r.Get("/ready", ready(d.Ready))
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(d.APIKeys))
		r.Mount("/dosage", handlers.NewDosageHandler(logger).Routes())
		r.Mount("/interactions", handlers.NewInteractionHandler(d.Resolver, logger).Routes())
		r.Mount("/orders", handlers.NewOrderHandler(d.Validator, d.Orders, logger).Routes())
		r.Mount("/formulary", handlers.NewFormularyHandler(d.Store, logger).Routes())
		if d.Drugs != nil {
			r.Mount("/drugs", handlers.NewDrugHandler(d.Drugs, logger).Routes())
		}
	})

	return r
}

type healthResponse struct {
	Status    string         `json:"status"`
	Service   string         `json:"service"`
	Version   string         `json:"version"`
	Knowledge map[string]int `json:"knowledge,omitempty"`

	Breakers []circuitbreaker.HealthStatus `json:"breakers,omitempty"`
}

func health(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "healthy", Service: d.ServiceName, Version: Version}
		if d.Store != nil {
			resp.Knowledge = d.Store.Counts()
		}
		// An open breaker marks the engine degraded; the embedded knowledge
		// still answers lookups.
		if d.Breakers != nil {
			resp.Breakers = d.Breakers.Health()
			for _, b := range resp.Breakers {
				if !b.Healthy {
					resp.Status = "degraded"
				}
			}
		}
		handlers.WriteJSON(w, http.StatusOK, resp)
	}
}

type readyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func ready(checks map[string]ReadinessCheck) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := readyResponse{Status: "ready", Checks: make(map[string]string, len(names))}
		status := http.StatusOK
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "not ready"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
		handlers.WriteJSON(w, status, resp)
	}
}
