// Package server accepts WebSocket connections, runs one session per
// connection, tracks live sessions and coordinates shutdown.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/amurg-ai/scenegate/internal/auth"
	"github.com/amurg-ai/scenegate/internal/session"
	"github.com/amurg-ai/scenegate/internal/store"
	"github.com/amurg-ai/scenegate/pkg/protocol"
)

// ErrShuttingDown is returned when work is refused because shutdown has begun.
var ErrShuttingDown = errors.New("server: shutting down")

const journalTimeout = 5 * time.Second

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Options configures the Server.
type Options struct {
	MaxMessageBytes int64         // inbound frame limit; default 10MB
	AllowedOrigins  []string      // for WebSocket origin check
	ShutdownTimeout time.Duration // used by Serve; default 30s
	PingInterval    time.Duration // keepalive; negative disables
	PongWait        time.Duration // silence allowed before a peer is dropped

	// OnSessionClosed runs after a session has been removed from the registry.
	OnSessionClosed func(sessionID string)
}

// Server owns the registry of live sessions.
type Server struct {
	handler  session.Handler
	journal  store.Journal  // optional
	verifier *auth.Verifier // optional
	logger   *slog.Logger
	upgrader websocket.Upgrader
	opts     Options

	mu           sync.Mutex
	sessions     map[string]*session.Session
	shuttingDown bool
	httpSrv      *http.Server

	handlers     sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Server. journal and verifier may be nil.
func New(h session.Handler, journal store.Journal, verifier *auth.Verifier, logger *slog.Logger, opts Options) *Server {
	if opts.MaxMessageBytes == 0 {
		opts.MaxMessageBytes = 10 * 1024 * 1024
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	return &Server{
		handler:  h,
		journal:  journal,
		verifier: verifier,
		logger:   logger.With("component", "server"),
		upgrader: makeUpgrader(opts.AllowedOrigins),
		opts:     opts,
		sessions: make(map[string]*session.Session),
	}
}

// HandleWS upgrades the request and serves the resulting session until it
// disconnects. It blocks for the lifetime of the connection.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	if s.isShuttingDown() {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	if s.verifier != nil {
		if _, err := s.verifier.Verify(auth.TokenFromRequest(r)); err != nil {
			s.logger.Warn("websocket handshake rejected", "remote", r.RemoteAddr, "error", err)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(s.opts.MaxMessageBytes)

	sess, err := session.New(conn, s.handler, s.logger, session.Options{
		PingInterval: s.opts.PingInterval,
		PongWait:     s.opts.PongWait,
	})
	if err != nil {
		s.logger.Error("create session failed", "error", err)
		_ = conn.Close()
		return
	}
	s.serveSession(r.Context(), sess)
}

// serveSession starts sess, registers it, announces it to the client and waits
// for it to disconnect. Cancelling ctx force-closes the session.
func (s *Server) serveSession(ctx context.Context, sess *session.Session) {
	if err := sess.Start(ctx); err != nil {
		s.logger.Error("start session failed", "session_id", sess.ID, "error", err)
		sess.Close()
		return
	}
	if err := s.register(sess); err != nil {
		s.logger.Info("rejecting session", "session_id", sess.ID, "error", err)
		sess.Close()
		return
	}
	defer s.handlers.Done()

	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("session supervisor panicked", "session_id", sess.ID, "panic", p)
		}
		if sess.Close() {
			s.logger.Warn("session still active after supervision, forced close", "session_id", sess.ID)
		}
		<-sess.Closed()
		s.remove(sess)
		s.recordClosed(sess)
		if s.opts.OnSessionClosed != nil {
			s.opts.OnSessionClosed(sess.ID)
		}
	}()

	s.recordStarted(sess)
	sess.SendMessage(protocol.SessionStart(sess.ID))

	select {
	case <-sess.Done():
	case <-ctx.Done():
		s.logger.Info("session supervision cancelled", "session_id", sess.ID)
	}
}

func (s *Server) register(sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return ErrShuttingDown
	}
	s.sessions[sess.ID] = sess
	s.handlers.Add(1)
	return nil
}

// remove deletes sess from the registry if it is still there.
func (s *Server) remove(sess *session.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[sess.ID]; !ok || cur != sess {
		return false
	}
	delete(s.sessions, sess.ID)
	return true
}

func (s *Server) snapshot() []*session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Server) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

// Count returns the number of registered sessions.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// SessionInfo describes a live session.
type SessionInfo struct {
	ID         string    `json:"id"`
	RemoteAddr string    `json:"remote_addr"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	Received   int64     `json:"received"`
	Sent       int64     `json:"sent"`
}

// Sessions returns the registered sessions, oldest first.
func (s *Server) Sessions() []SessionInfo {
	snap := s.snapshot()
	out := make([]SessionInfo, 0, len(snap))
	for _, sess := range snap {
		received, sent := sess.Stats()
		out = append(out, SessionInfo{
			ID:         sess.ID,
			RemoteAddr: sess.RemoteAddr,
			State:      sess.State().String(),
			StartedAt:  sess.StartedAt,
			Received:   received,
			Sent:       sent,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Serve runs an HTTP server on ln until ctx is cancelled, then shuts down.
// It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrShuttingDown
	}
	s.httpSrv = srv
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops accepting connections, closes the listener, then closes every
// session that is still active and empties the registry. Only the first call
// does the work; later calls return its result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Server) shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	srv := s.httpSrv
	s.mu.Unlock()

	s.logger.Info("shutting down gateway")

	var errs []error
	if srv != nil {
		// Hijacked WebSocket connections are not tracked by net/http, so this
		// returns once the listener and idle connections are closed.
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Warn("graceful listener shutdown failed, forcing close", "error", err)
			_ = srv.Close()
			errs = append(errs, fmt.Errorf("close listener: %w", err))
		} else {
			s.logger.Info("listener closed")
		}
	}

	closed, skipped := 0, 0
	for _, sess := range s.snapshot() {
		if !sess.Active() {
			skipped++
			continue
		}
		if sess.Close() {
			closed++
		}
	}

	s.mu.Lock()
	clear(s.sessions)
	s.mu.Unlock()

	s.logger.Info("sessions closed for shutdown", "closed", closed, "skipped", skipped)

	if err := s.waitHandlers(ctx); err != nil {
		s.logger.Warn("session supervisors did not finish in time", "error", err)
		errs = append(errs, err)
	}

	s.logEvent("", store.ActionServerShutdown, map[string]int{"closed": closed, "skipped": skipped})
	s.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (s *Server) waitHandlers(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for sessions: %w", ctx.Err())
	}
}

func (s *Server) recordStarted(sess *session.Session) {
	if s.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := s.journal.SessionStarted(ctx, &store.SessionRecord{
		ID:         sess.ID,
		RemoteAddr: sess.RemoteAddr,
		StartedAt:  sess.StartedAt,
	}); err != nil {
		s.logger.Warn("journal session start failed", "session_id", sess.ID, "error", err)
	}
	s.logEvent(sess.ID, store.ActionSessionStarted, map[string]string{"remote": sess.RemoteAddr})
}

func (s *Server) recordClosed(sess *session.Session) {
	if s.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	received, sent := sess.Stats()
	if err := s.journal.SessionClosed(ctx, sess.ID, sess.CloseReason(), received, sent, time.Now()); err != nil {
		s.logger.Warn("journal session close failed", "session_id", sess.ID, "error", err)
	}
	s.logEvent(sess.ID, store.ActionSessionClosed, map[string]string{"reason": sess.CloseReason()})
}

func (s *Server) logEvent(sessionID, action string, detail any) {
	if s.journal == nil {
		return
	}
	raw, _ := json.Marshal(detail)
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := s.journal.LogEvent(ctx, &store.Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Action:    action,
		Detail:    raw,
		CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Warn("audit event failed", "action", action, "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
