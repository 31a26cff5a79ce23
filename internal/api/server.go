package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/chanwatch/internal/metrics"
	"github.com/JakeFAU/chanwatch/internal/throttle"
	"github.com/JakeFAU/chanwatch/internal/watch"
)

// Store is the read side of the subscription store the API reports on.
type Store interface {
	ListSubscriptions(ctx context.Context) ([]watch.Subscription, error)
	Subscribers(ctx context.Context, url string) ([]string, error)
	ListHosts(ctx context.Context) ([]watch.HostState, error)
}

// Slots reports the host throttle grants.
type Slots interface {
	Snapshot() []throttle.Slot
}

// InFlighter reports how many subscriptions are currently being checked.
type InFlighter interface {
	InFlight() int
}

// Pender reports how many parse tasks await a result.
type Pender interface {
	Pending() int
}

// Config controls the operator API.
type Config struct {
	APIKey         string
	RequestTimeout time.Duration
}

// Deps are the collaborators the handlers read from. Slots, Scheduler and
// Worker are optional.
type Deps struct {
	Store     Store
	Slots     Slots
	Scheduler InFlighter
	Worker    Pender
}

// Server wires HTTP handlers to the engine's read models.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/subscriptions", s.listSubscriptions)
		r.Get("/hosts", s.listHosts)
		r.Get("/throttle", s.throttleSlots)
		r.Get("/status", s.status)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz checks that the store answers.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deps.Store.ListHosts(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type subscriptionView struct {
	watch.Subscription
	Subscribers int `json:"subscribers"`
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.deps.Store.ListSubscriptions(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	out := make([]subscriptionView, 0, len(subs))
	for _, sub := range subs {
		users, err := s.deps.Store.Subscribers(r.Context(), sub.URL)
		if err != nil && !errors.Is(err, watch.ErrNotFound) {
			s.writeError(w, http.StatusInternalServerError, "failed to list subscribers")
			return
		}
		out = append(out, subscriptionView{Subscription: sub, Subscribers: len(users)})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"subscriptions": out})
}

func (s *Server) listHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.deps.Store.ListHosts(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list hosts")
		return
	}
	if hosts == nil {
		hosts = []watch.HostState{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"hosts": hosts})
}

func (s *Server) throttleSlots(w http.ResponseWriter, _ *http.Request) {
	slots := []throttle.Slot{}
	if s.deps.Slots != nil {
		slots = append(slots, s.deps.Slots.Snapshot()...)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"slots": slots})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	out := map[string]int{"in_flight": 0, "worker_pending": 0}
	if s.deps.Scheduler != nil {
		out["in_flight"] = s.deps.Scheduler.InFlight()
	}
	if s.deps.Worker != nil {
		out["worker_pending"] = s.deps.Worker.Pending()
	}
	s.writeJSON(w, http.StatusOK, out)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Debug("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeJSON(logger, w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
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

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(zap.NewNop(), w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(s.logger, w, status, payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(s.logger, w, status, map[string]string{"error": msg})
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
