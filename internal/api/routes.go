package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"

	"github.com/steprun/orchestrator/internal/eventlog"
	"github.com/steprun/orchestrator/internal/metrics"
	"github.com/steprun/orchestrator/internal/orchestrator"
	"github.com/steprun/orchestrator/internal/retention"
	"github.com/steprun/orchestrator/internal/ws"
)

// Deps are the components served by the router. Everything but the
// Orchestrator is optional.
type Deps struct {
	NodeID       string
	WorkUnit     string
	Orchestrator *orchestrator.Orchestrator
	Hub          *ws.Hub
	Metrics      *metrics.Collector
	Events       eventlog.Store
	Sweeper      *retention.Sweeper
	Logger       hclog.Logger
}

func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.InstrumentHandler)
	}

	h := NewHandlers(deps)

	// Health & Info
	r.Get("/health", h.Health)
	r.Get("/info", h.Info)
	r.Get("/stats", h.Stats)

	// Jobs API
	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", h.SubmitJob)
		r.Get("/", h.ListJobs)
		r.Get("/{id}", h.GetJob)
		r.Delete("/{id}", h.DeleteJob)
		r.Post("/{id}/stop", h.StopJob)
		r.Post("/{id}/retry", h.RetryJob)
	})
	r.Get("/api/profiles", h.ListProfiles)

	// System
	if deps.Events != nil {
		r.Get("/system/logs", h.SystemLogs)
	}
	if deps.Sweeper != nil {
		r.Post("/system/cleanup", h.Cleanup)
	}

	// WebSocket
	if deps.Hub != nil {
		r.Get("/ws/jobs", deps.Hub.HandleJobs)
	}

	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	return r
}
