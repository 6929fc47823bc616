// Package scene stores the last persisted 3D scene of each session in Redis.
package scene

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotConnected is returned by lookups made before Connect or after Disconnect.
var ErrNotConnected = errors.New("scene: redis client is not connected")

const keyPrefix = "scene:"

// Key returns the Redis key holding the scene for a session.
func Key(sessionKey string) string { return keyPrefix + sessionKey }

// Options configures the Redis connection. URL takes precedence over Addr.
type Options struct {
	URL      string // e.g. redis://localhost:6379/0
	Addr     string // host:port
	Password string
	DB       int
}

// Store is a narrow Redis-backed scene lookup with an explicit connect and
// disconnect lifecycle.
type Store struct {
	opts   *redis.Options
	logger *slog.Logger

	mu     sync.RWMutex
	client *redis.Client
}

// NewStore validates the options; no connection is made until Connect.
func NewStore(o Options, logger *slog.Logger) (*Store, error) {
	var opts *redis.Options
	if o.URL != "" {
		parsed, err := redis.ParseURL(o.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		addr := o.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		opts = &redis.Options{Addr: addr, Password: o.Password, DB: o.DB}
	}
	return &Store{opts: opts, logger: logger.With("component", "scene", "addr", opts.Addr)}, nil
}

// Connect opens the client and pings the server once. Calling Connect on a
// connected store is a no-op.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.logger.Info("redis client already connected")
		return nil
	}

	client := redis.NewClient(s.opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("ping redis at %s: %w", s.opts.Addr, err)
	}
	s.client = client
	s.logger.Info("connected to redis")
	return nil
}

// Disconnect closes the client. Safe to call when not connected.
func (s *Store) Disconnect() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	s.logger.Info("disconnecting from redis")
	return client.Close()
}

// GetScene returns the serialized scene for a session. ok is false when no
// scene has been stored.
func (s *Store) GetScene(ctx context.Context, sessionKey string) (scene string, ok bool, err error) {
	client, err := s.conn()
	if err != nil {
		return "", false, err
	}
	v, err := client.Get(ctx, Key(sessionKey)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get scene: %w", err)
	}
	return v, true, nil
}

// SaveScene stores the serialized scene for a session. A zero ttl keeps it
// until overwritten.
func (s *Store) SaveScene(ctx context.Context, sessionKey, scene string, ttl time.Duration) error {
	client, err := s.conn()
	if err != nil {
		return err
	}
	if err := client.Set(ctx, Key(sessionKey), scene, ttl).Err(); err != nil {
		return fmt.Errorf("save scene: %w", err)
	}
	return nil
}

// Connected reports whether Connect has succeeded and Disconnect not yet run.
func (s *Store) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client != nil
}

func (s *Store) conn() (*redis.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, ErrNotConnected
	}
	return s.client, nil
}
