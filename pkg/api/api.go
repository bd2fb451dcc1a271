package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/skylarbarrera/whim/pkg/events"
	"github.com/skylarbarrera/whim/pkg/locks"
	"github.com/skylarbarrera/whim/pkg/log"
	"github.com/skylarbarrera/whim/pkg/metrics"
	"github.com/skylarbarrera/whim/pkg/queue"
	"github.com/skylarbarrera/whim/pkg/rate"
	"github.com/skylarbarrera/whim/pkg/store"
	"github.com/skylarbarrera/whim/pkg/supervisor"
)

// Error codes carried in JSON error bodies.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeNotFound     = "NOT_FOUND"
	CodeInvalidState = "INVALID_STATE"
	CodeInternal     = "INTERNAL_ERROR"
)

// Server exposes the orchestrator core over HTTP/JSON.
type Server struct {
	queue      *queue.Manager
	supervisor *supervisor.Supervisor
	arbiter    *locks.Arbiter
	limiter    *rate.Limiter
	aggregator *metrics.Aggregator
	store      store.Store
	events     *events.Broker
	logger     zerolog.Logger
	srv        *http.Server
}

// NewServer wires the API over the core components. A nil broker
// disables the events endpoint's content, not the endpoint.
func NewServer(q *queue.Manager, sv *supervisor.Supervisor, arbiter *locks.Arbiter, limiter *rate.Limiter, agg *metrics.Aggregator, s store.Store, broker *events.Broker) *Server {
	return &Server{
		queue:      q,
		supervisor: sv,
		arbiter:    arbiter,
		limiter:    limiter,
		aggregator: agg,
		store:      s,
		events:     broker,
		logger:     log.WithComponent("api"),
	}
}

// Router builds the HTTP mux: the versioned API, the Prometheus
// endpoint, and the health probe.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/work-items", func(r chi.Router) {
			r.Post("/", s.handleSubmit)
			r.Get("/", s.handleListWorkItems)
			r.Get("/{id}", s.handleGetWorkItem)
			r.Post("/{id}/cancel", s.handleCancel)
			r.Post("/{id}/requeue", s.handleRequeue)
		})
		r.Route("/workers", func(r chi.Router) {
			r.Get("/", s.handleListWorkers)
			r.Post("/register", s.handleRegister)
			r.Post("/heartbeat", s.handleHeartbeat)
			r.Post("/complete", s.handleComplete)
			r.Post("/fail", s.handleFail)
			r.Post("/stuck", s.handleStuck)
			r.Post("/{id}/kill", s.handleKill)
			r.Get("/{id}/logs", s.handleLogs)
		})
		r.Route("/locks", func(r chi.Router) {
			r.Post("/acquire", s.handleAcquireLocks)
			r.Post("/release", s.handleReleaseLocks)
		})
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)
		r.Get("/metrics/summary", s.handleSummary)
		r.Get("/learnings", s.handleListLearnings)
		r.Post("/learnings", s.handleAddLearning)
	})

	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

// Serve starts the HTTP server and blocks until shutdown.
func (s *Server) Serve(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("api listening")
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", elapsed).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

// writeCoreError maps core error kinds onto status codes and the closed
// code set.
func (s *Server) writeCoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrValidation):
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error())
	case errors.Is(err, queue.ErrInvalidState):
		writeError(w, http.StatusBadRequest, CodeInvalidState, err.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, supervisor.ErrNotActive):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	default:
		s.logger.Error().Err(err).Msg("internal error")
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
