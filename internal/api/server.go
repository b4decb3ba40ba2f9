// Package api exposes the admin HTTP interface for the crawl service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marberlow/newsmill/internal/config"
	"github.com/marberlow/newsmill/internal/dispatcher"
	"github.com/marberlow/newsmill/internal/metrics"
	"github.com/marberlow/newsmill/internal/notify/sinks"
	"github.com/marberlow/newsmill/internal/pipeline"
	"github.com/marberlow/newsmill/internal/schedule"
)

// Server wires HTTP handlers to the scheduler, dispatcher, and stores.
type Server struct {
	router        chi.Router
	sources       pipeline.SourceStore
	history       pipeline.HistoryStore
	creds         pipeline.CredentialStore
	scheduler     *schedule.Scheduler
	dispatcher    *dispatcher.Dispatcher
	notifications *sinks.StoreSink
	ids           pipeline.IDGenerator
	clock         pipeline.Clock
	cfg           config.Config
	logger        *zap.Logger
}

// Deps collects the collaborators the server exposes over HTTP. The
// notifications sink is optional; without one the feed endpoint is empty.
type Deps struct {
	Sources       pipeline.SourceStore
	History       pipeline.HistoryStore
	Credentials   pipeline.CredentialStore
	Scheduler     *schedule.Scheduler
	Dispatcher    *dispatcher.Dispatcher
	Notifications *sinks.StoreSink
	IDs           pipeline.IDGenerator
	Clock         pipeline.Clock
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		sources:       deps.Sources,
		history:       deps.History,
		creds:         deps.Credentials,
		scheduler:     deps.Scheduler,
		dispatcher:    deps.Dispatcher,
		notifications: deps.Notifications,
		ids:           deps.IDs,
		clock:         deps.Clock,
		cfg:           cfg,
		logger:        logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/sources", func(r chi.Router) {
			r.Get("/", s.listSources)
			r.Post("/", s.createSource)
			r.Route("/{source_id}", func(r chi.Router) {
				r.Get("/", s.getSource)
				r.Put("/", s.updateSource)
				r.Delete("/", s.deleteSource)
				r.Post("/trigger", s.triggerSource)
			})
		})
		r.Post("/jobs", s.submitJob)
		r.Get("/history", s.listHistory)
		r.Route("/keys", func(r chi.Router) {
			r.Get("/", s.listKeys)
			r.Post("/", s.createKey)
			r.Get("/{key_id}", s.getKey)
			r.Put("/{key_id}", s.updateKey)
		})
		r.Get("/notifications", s.listNotifications)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The source store is the one hard dependency every request path hits.
	if _, err := s.sources.ListSources(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "source store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
