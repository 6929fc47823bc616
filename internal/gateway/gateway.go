// Package gateway is the main orchestrator that ties the gateway components
// together.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/scenegate/internal/agent"
	"github.com/amurg-ai/scenegate/internal/api"
	"github.com/amurg-ai/scenegate/internal/auth"
	"github.com/amurg-ai/scenegate/internal/config"
	"github.com/amurg-ai/scenegate/internal/router"
	"github.com/amurg-ai/scenegate/internal/scene"
	"github.com/amurg-ai/scenegate/internal/server"
	"github.com/amurg-ai/scenegate/internal/speech"
	"github.com/amurg-ai/scenegate/internal/store"
)

// Options overrides collaborators built from configuration.
type Options struct {
	Agent       agent.Agent        // replaces the configured agent
	Transcriber speech.Transcriber // replaces the configured transcriber
}

// Gateway is the main gateway process.
type Gateway struct {
	cfg     *config.Config
	journal store.Journal
	scenes  *scene.Store // nil when redis is disabled
	agent   agent.Agent
	server  *server.Server
	api     *api.Server
	logger  *slog.Logger
}

// New creates a new gateway from configuration.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Gateway, error) {
	// Initialize storage.
	journal, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	var scenes *scene.Store
	if !cfg.Redis.Disabled {
		scenes, err = scene.NewStore(scene.Options{
			URL:      cfg.Redis.URL,
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			_ = journal.Close()
			return nil, fmt.Errorf("init scene store: %w", err)
		}
	}

	a := opts.Agent
	if a == nil {
		a, err = newAgent(cfg.Agent, scenes, logger)
		if err != nil {
			_ = journal.Close()
			return nil, fmt.Errorf("init agent: %w", err)
		}
	}
	if scenes != nil {
		a = agent.NewSceneRecorder(a, scenes, cfg.Redis.SceneTTL.Duration, logger)
	}

	t := opts.Transcriber
	if t == nil && cfg.Speech.APIKey != "" {
		w, err := speech.NewWhisper(speech.WhisperConfig{
			APIKey:   cfg.Speech.APIKey,
			BaseURL:  cfg.Speech.BaseURL,
			Model:    cfg.Speech.Model,
			Language: cfg.Speech.Language,
		})
		if err != nil {
			_ = journal.Close()
			return nil, fmt.Errorf("init transcriber: %w", err)
		}
		t = w
	}
	if t == nil {
		logger.Warn("speech.api_key not set, audio messages will be rejected")
	}

	var verifier *auth.Verifier
	if cfg.Auth.Enabled() {
		verifier = auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	}

	rt := router.New(a, t, logger, router.Options{ScratchDir: cfg.Speech.ScratchDir})

	srv := server.New(rt, journal, verifier, logger, server.Options{
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration,
		PingInterval:    cfg.Server.PingInterval.Duration,
		PongWait:        cfg.Server.PongWait.Duration,
		OnSessionClosed: func(id string) {
			if f, ok := a.(agent.Forgetter); ok {
				f.Forget(id)
			}
		},
	})

	var status api.SceneStatus
	if scenes != nil {
		status = scenes
	}
	apiSrv := api.NewServer(srv, journal, verifier, status, cfg, logger)

	g := &Gateway{
		cfg:     cfg,
		journal: journal,
		scenes:  scenes,
		agent:   a,
		server:  srv,
		api:     apiSrv,
		logger:  logger.With("component", "gateway"),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			g.logger.Warn("allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	if verifier == nil {
		g.logger.Warn("auth.jwt_secret not set, websocket handshakes are unauthenticated")
	}

	return g, nil
}

func newAgent(cfg config.AgentConfig, scenes *scene.Store, logger *slog.Logger) (agent.Agent, error) {
	switch cfg.Provider {
	case "echo":
		return agent.Echo{}, nil
	case "anthropic", "":
		var reader agent.SceneReader
		if scenes != nil {
			reader = scenes
		}
		return agent.NewAnthropic(agent.AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			Model:        cfg.Model,
			MaxTokens:    cfg.MaxTokens,
			SystemPrompt: cfg.SystemPrompt,
		}, reader, logger)
	default:
		return nil, fmt.Errorf("unsupported agent provider: %q", cfg.Provider)
	}
}

// Run listens on the configured address and blocks until ctx is cancelled and
// shutdown has completed.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.Server.Addr())
	if err != nil {
		_ = g.journal.Close()
		return fmt.Errorf("listen on %s: %w", g.cfg.Server.Addr(), err)
	}
	return g.Serve(ctx, ln)
}

// Serve runs the gateway on ln. The scene store is connected first; failing
// to reach it is fatal. Storage is closed on return.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		g.logger.Info("closing store")
		_ = g.journal.Close()
	}()

	if g.scenes != nil {
		if err := g.scenes.Connect(ctx); err != nil {
			_ = ln.Close()
			return fmt.Errorf("connect scene store: %w", err)
		}
		defer func() {
			if err := g.scenes.Disconnect(); err != nil {
				g.logger.Warn("disconnect scene store failed", "error", err)
			}
		}()
	}

	g.api.StartBackgroundTasks(ctx)

	if g.cfg.Storage.Retention.Duration > 0 {
		go g.runRetentionPurger(ctx, time.Hour, g.cfg.Storage.Retention.Duration)
	}

	g.logEvent(store.ActionServerStarted, map[string]string{"addr": ln.Addr().String()})

	return g.server.Serve(ctx, ln, g.api.Handler())
}

// Sessions returns the live sessions.
func (g *Gateway) Sessions() []server.SessionInfo {
	return g.server.Sessions()
}

func (g *Gateway) runRetentionPurger(ctx context.Context, every, retention time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.purge(ctx, time.Now().Add(-retention))
		}
	}
}

func (g *Gateway) purge(ctx context.Context, cutoff time.Time) {
	n, err := g.journal.PurgeBefore(ctx, cutoff)
	if err != nil {
		g.logger.Warn("retention purge failed", "error", err)
		return
	}
	if n > 0 {
		g.logger.Info("retention purge: deleted old journal rows", "count", n)
	}
}

func (g *Gateway) logEvent(action string, detail any) {
	raw, _ := json.Marshal(detail)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.journal.LogEvent(ctx, &store.Event{
		ID:        uuid.NewString(),
		Action:    action,
		Detail:    raw,
		CreatedAt: time.Now(),
	}); err != nil {
		g.logger.Warn("audit event failed", "action", action, "error", err)
	}
}
