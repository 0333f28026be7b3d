// Package api provides the HTTP transport for aqueduct.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harrison/aqueduct/internal/executor"
	"github.com/harrison/aqueduct/internal/logger"
	"github.com/harrison/aqueduct/internal/models"
	"github.com/harrison/aqueduct/internal/tasks"
)

// RequesterHeader carries the caller identity recorded on tasks. It is used
// for attribution only.
const RequesterHeader = "X-Aqueduct-User"

// Service is the execution surface the transport exposes.
type Service interface {
	Execute(ctx context.Context, req executor.Request) (*models.Task, error)
	Cancel(ctx context.Context, id string) (*models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error)
	ListExtensions() []*models.Extension
	GetExtension(name string) (*models.Extension, error)
}

// Server is the aqueduct HTTP API server.
type Server struct {
	svc            Service
	logger         logger.Logger
	metricsEnabled bool
}

// NewServer creates a new API server.
func NewServer(svc Service, log logger.Logger) *Server {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Server{svc: svc, logger: log}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/extensions", s.handleListExtensions)
		r.Get("/extensions/{name}", s.handleGetExtension)
		r.Post("/extensions/{name}/actions/{action}/execute", s.handleExecute)

		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Post("/tasks/{id}/cancel", s.handleCancelTask)
	})

	return r
}

// logRequests logs every request at debug level once it completes.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debugf("%s %s -> %d (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond))
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Message: msg, Type: kind}})
}

// classify maps an error to its HTTP status and error type.
func classify(err error) (int, string) {
	switch {
	case models.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case models.IsValidation(err):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, tasks.ErrNotOwned):
		return http.StatusConflict, "conflict"
	case errors.Is(err, executor.ErrQueueFull), errors.Is(err, executor.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable"
	case models.IsConfiguration(err):
		return http.StatusInternalServerError, "configuration"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeServiceError reports err with the status its class maps to.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeError(w, status, kind, err.Error())
}
