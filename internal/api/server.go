// Package api exposes the operational HTTP surface of the reverification
// service: health, tracker lookup, sending statistics and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openhub/reverify/internal/email"
	"github.com/openhub/reverify/internal/notify"
	"github.com/openhub/reverify/internal/store"
)

// Config represents API server configuration
type Config struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	Listen  string `toml:"listen" json:"listen"`
}

// Server is the operational HTTP server.
type Server struct {
	config     Config
	store      store.Store
	gateway    *email.Gateway
	pollers    []*notify.Poller
	httpServer *http.Server
	logger     *slog.Logger
	startedAt  time.Time
}

// NewServer creates an API server over the given store and gateway
func NewServer(config Config, st store.Store, gateway *email.Gateway) *Server {
	if config.Listen == "" {
		config.Listen = "127.0.0.1:8025"
	}
	return &Server{
		config:  config,
		store:   st,
		gateway: gateway,
		logger:  slog.Default().With("component", "api"),
	}
}

// SetPollers registers notification pollers so health can report their
// transport breaker states
func (s *Server) SetPollers(pollers []*notify.Poller) {
	s.pollers = pollers
}

// Router builds the HTTP routes
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/trackers/{email}", s.handleGetTracker).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return r
}

// Start begins serving. It returns once the listener fails or Stop is called.
func (s *Server) Start() error {
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("API server listening", "addr", s.config.Listen)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if !s.store.IsConnected() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	body := map[string]any{
		"status":     status,
		"store":      s.store.Type(),
		"uptime":     time.Since(s.startedAt).String(),
		"goroutines": runtime.NumGoroutine(),
	}
	if len(s.pollers) > 0 {
		breakers := make(map[string]string, len(s.pollers))
		for _, p := range s.pollers {
			breakers[p.Stream()] = p.BreakerState()
		}
		body["queue_breakers"] = breakers
	}

	s.writeJSON(w, code, body)
}

// handleGetTracker resolves an email address to its account's tracker.
func (s *Server) handleGetTracker(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["email"]

	acct, err := s.store.FindAccountByEmail(r.Context(), addr)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "no account for address")
			return
		}
		s.logger.Error("Account lookup failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	t, err := s.store.GetTracker(r.Context(), acct.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "account has no tracker")
			return
		}
		s.logger.Error("Tracker lookup failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	s.writeJSON(w, http.StatusOK, t)
}

// handleStats reports the sending service quota and trailing bounce rate.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	quota, err := s.gateway.Quota(r.Context())
	if err != nil {
		s.logger.Error("Quota fetch failed", "error", err)
		s.writeError(w, http.StatusBadGateway, "sending service unavailable")
		return
	}

	rate, err := s.gateway.BounceRateLast24h(r.Context())
	if err != nil {
		s.logger.Error("Statistics fetch failed", "error", err)
		s.writeError(w, http.StatusBadGateway, "sending service unavailable")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"sent_last_24h":   quota.SentLast24h,
		"max_24h_send":    quota.Max24hSend,
		"bounce_rate_24h": rate,
	})
}
