// Package server is the transport surface: a chi router over the engine
// exposing worker lifecycle, worktrees, consolidations, coordination
// primitives, and the SSE event stream.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/chamber/internal/engine"
	"github.com/zjrosen/chamber/internal/tracing"
)

// Server exposes the engine over HTTP.
type Server struct {
	eng *engine.Engine
}

// New creates a Server over the engine.
func New(eng *engine.Engine) *Server {
	return &Server{eng: eng}
}

// Handler builds the router. Mutating endpoints are idempotent when the
// caller supplies an id.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Use(tracing.Middleware(s.tracer()))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/workers", func(r chi.Router) {
			r.Get("/", s.handleListWorkers)
			r.Post("/", s.handleSpawnWorkers)
			r.Get("/{id}", s.handleGetWorker)
			r.Delete("/{id}", s.handleTerminateWorker)
			r.Get("/{id}/logs", s.handleWorkerLogs)
			r.Get("/{id}/stats", s.handleWorkerStats)
		})

		r.Route("/worktrees", func(r chi.Router) {
			r.Get("/", s.handleListWorktrees)
			r.Get("/{workerID}/diff", s.handleWorktreeDiff)
		})

		r.Route("/consolidations", func(r chi.Router) {
			r.Get("/", s.handleListConsolidations)
			r.Post("/", s.handleCreateConsolidation)
			r.Get("/{id}", s.handleGetConsolidation)
			r.Delete("/{id}", s.handleDeleteConsolidation)
			r.Post("/{id}/analyze", s.handleAnalyzeConsolidation)
			r.Post("/{id}/resolve", s.handleResolveConsolidation)
			r.Post("/{id}/export", s.handleExportConsolidation)
		})

		r.Route("/coordination", func(r chi.Router) {
			r.Post("/barriers", s.handleCreateBarrier)
			r.Get("/barriers/{id}", s.handleGetBarrier)
			r.Post("/barriers/{id}/signal", s.handleSignalBarrier)
			r.Post("/elections", s.handleStartElection)
			r.Get("/elections/{id}", s.handleGetElection)
			r.Post("/elections/{id}/vote", s.handleCastVote)
			r.Post("/partition", s.handlePartitionTask)
		})

		r.Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) tracer() trace.Tracer {
	if s.eng.Tracing == nil || !s.eng.Tracing.Enabled() {
		return nil
	}
	return s.eng.Tracing.Tracer()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
