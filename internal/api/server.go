// Package api provides the HTTP surface of the gateway: the WebSocket
// endpoint, health checks and read-only session inspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/amurg-ai/scenegate/internal/auth"
	"github.com/amurg-ai/scenegate/internal/config"
	"github.com/amurg-ai/scenegate/internal/server"
	"github.com/amurg-ai/scenegate/internal/store"
)

// Registry is the live session registry served over WebSocket.
type Registry interface {
	HandleWS(w http.ResponseWriter, r *http.Request)
	Count() int
	Sessions() []server.SessionInfo
}

// SceneStatus reports whether the scene store is reachable.
type SceneStatus interface {
	Connected() bool
}

// Server is the HTTP API server.
type Server struct {
	registry  Registry
	journal   store.Journal
	verifier  *auth.Verifier // nil leaves /api open
	scenes    SceneStatus    // optional
	logger    *slog.Logger
	mux       *chi.Mux
	startTime time.Time
	wsRL      *rateLimiter
}

// NewServer creates a new API server. verifier and scenes may be nil.
func NewServer(reg Registry, journal store.Journal, verifier *auth.Verifier, scenes SceneStatus, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		registry:  reg,
		journal:   journal,
		verifier:  verifier,
		scenes:    scenes,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(corsMiddleware(cfg.Server.AllowedOrigins))

	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// WebSocket endpoint (token checked inside the handshake handler)
	if cfg.Server.HandshakeRate > 0 {
		srv.wsRL = newRateLimiter(cfg.Server.HandshakeRate, cfg.Server.HandshakeBurst)
		mux.With(ipRateLimitMiddleware(srv.wsRL)).Get(cfg.Server.WSPath, reg.HandleWS)
	} else {
		mux.Get(cfg.Server.WSPath, reg.HandleWS)
	}

	mux.Group(func(r chi.Router) {
		if verifier != nil {
			r.Use(srv.authMiddleware)
		}
		r.Get("/api/sessions", srv.handleListLiveSessions)
		r.Get("/api/sessions/history", srv.handleListSessionHistory)
		r.Get("/api/sessions/{sessionID}", srv.handleGetSession)
		r.Get("/api/events", srv.handleListEvents)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup of rate limiter state.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.wsRL != nil {
		s.wsRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime":   time.Since(s.startTime).Truncate(time.Second).String(),
		"sessions": s.registry.Count(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.journal != nil {
		if err := s.journal.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	if s.scenes != nil && !s.scenes.Connected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  "scene store not connected",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Session handlers ---

func (s *Server) handleListLiveSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Sessions())
}

func (s *Server) handleListSessionHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "session journal disabled")
		return
	}
	limit, offset := pagination(r, 50, 500)
	sessions, err := s.journal.ListSessions(r.Context(), limit, offset)
	if err != nil {
		s.logger.Warn("list sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []store.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "session journal disabled")
		return
	}
	rec, err := s.journal.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Warn("get session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "session journal disabled")
		return
	}
	limit, _ := pagination(r, 100, 500)
	events, err := s.journal.ListEvents(r.Context(), store.EventFilter{
		SessionID: r.URL.Query().Get("session_id"),
		Action:    r.URL.Query().Get("action"),
		Limit:     limit,
	})
	if err != nil {
		s.logger.Warn("list events failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Helpers ---

func pagination(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
