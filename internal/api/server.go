// Package api exposes the dispatcher's status and control surface over
// HTTP: live status, pause/resume, pending questions and an SSE stream
// of dispatch events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/hugo-lorenzo-mato/beadflow/internal/core"
	"github.com/hugo-lorenzo-mato/beadflow/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/beadflow/internal/events"
	"github.com/hugo-lorenzo-mato/beadflow/internal/logging"
)

// Controller is the dispatcher surface the API depends on.
type Controller interface {
	GetStatus(ctx context.Context) core.DispatcherStatus
	Pause()
	Resume()
	PendingQuestions() []core.PendingQuestion
	AnswerQuestion(questionID, answer string) error
}

// Server serves the HTTP API.
type Server struct {
	router     chi.Router
	dispatcher Controller
	metrics    core.MetricsStore
	bus        *events.Bus
	logger     *logging.Logger
	origins    []string
	system     *diagnostics.SystemMetricsCollector
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithCORSOrigins restricts browser access to the given origins.
func WithCORSOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.origins = origins
	}
}

// NewServer creates the API server.
func NewServer(dispatcher Controller, metrics core.MetricsStore, bus *events.Bus, logger *logging.Logger, opts ...ServerOption) *Server {
	s := &Server{
		dispatcher: dispatcher,
		metrics:    metrics,
		bus:        bus,
		logger:     logger,
		origins:    []string{"*"},
		system:     diagnostics.NewSystemMetricsCollector(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)

		r.Route("/questions", func(r chi.Router) {
			r.Get("/", s.handleListQuestions)
			r.Post("/{questionID}/answer", s.handleAnswerQuestion)
		})

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.handleRunningWorkflows)
			r.Get("/{workflowID}", s.handleGetWorkflow)
			r.Get("/{workflowID}/steps", s.handleWorkflowSteps)
		})

		r.Route("/costs", func(r chi.Router) {
			r.Get("/projects", s.handleProjectCosts)
			r.Get("/agents", s.handleAgentCosts)
		})

		r.Get("/system", s.handleSystemMetrics)

		r.Get("/events", s.handleSSE)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondError sends a JSON error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondDomainError maps a core error to an HTTP status.
func respondDomainError(w http.ResponseWriter, err error) {
	var derr *core.DomainError
	if !errors.As(err, &derr) {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	switch derr.Category {
	case core.ErrCatNotFound:
		respondError(w, http.StatusNotFound, derr.Message)
	case core.ErrCatValidation:
		respondError(w, http.StatusBadRequest, derr.Message)
	case core.ErrCatState:
		respondError(w, http.StatusConflict, derr.Message)
	default:
		respondError(w, http.StatusInternalServerError, derr.Message)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
