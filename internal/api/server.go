// Package api exposes the HTTP interface for the mirror service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"comicshelf/internal/catalog"
	"comicshelf/internal/download"
	"comicshelf/internal/logging"
	"comicshelf/internal/metrics"
	"comicshelf/internal/service"
	"comicshelf/internal/task"
)

// Server wires HTTP handlers to the services, the download queue, and the
// task event stream.
type Server struct {
	router   chi.Router
	store    *catalog.Store
	tasks    *task.Manager
	services *service.Services
	queue    *download.Queue
	executor *download.Executor
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store *catalog.Store,
	tasks *task.Manager,
	services *service.Services,
	queue *download.Queue,
	executor *download.Executor,
	logger *zap.Logger,
) *Server {
	s := &Server{
		store:    store,
		tasks:    tasks,
		services: services,
		queue:    queue,
		executor: executor,
		logger:   logging.OrNop(logger),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metricsMiddleware)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		// The event stream holds its connection open; everything else gets a
		// request deadline.
		r.Get("/events", s.events)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(60 * time.Second))

			r.Post("/sync", s.startSync)
			r.Post("/resync-updates", s.startResyncUpdates)
			r.Get("/recent-updates", s.recentUpdates)
			r.Post("/verify-files", s.verifyFiles)

			r.Post("/download/batch", s.downloadBatch)
			r.Post("/download/{item_id}", s.downloadItem)
			r.Get("/queue", s.getQueue)

			r.Get("/tasks", s.listTasks)
			r.Get("/tasks/{task_id}", s.getTask)

			r.Get("/items", s.listItems)
			r.Delete("/items/{item_id}", s.deleteItem)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(s.logger, w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		metrics.ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
