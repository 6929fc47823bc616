package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

// clearEnv blanks every variable Load consults so the host environment does
// not leak into tests.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"WEBSOCKET_HOST", "WEBSOCKET_PORT", "REDIS_URL", "REDIS_HOST", "REDIS_PORT",
		"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "SCENEGATE_JWT_SECRET",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadJSON(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "scenegate.json", `{
		"server": {
			"host": "127.0.0.1",
			"port": 9000,
			"ws_path": "/ws",
			"max_message_bytes": 1048576,
			"allowed_origins": ["http://localhost:3000"],
			"shutdown_timeout": "5s",
			"ping_interval": 15
		},
		"auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"},
		"redis": {"host": "cache", "port": 6380, "db": 2},
		"storage": {"driver": "sqlite", "dsn": "test.db", "retention": "72h"},
		"agent": {"api_key": "sk-ant-test", "model": "claude-test", "max_tokens": 256},
		"speech": {"api_key": "sk-openai", "scratch_dir": "/tmp/audio"},
		"logging": {"level": "debug", "format": "text"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.Server.Addr(); got != "127.0.0.1:9000" {
		t.Errorf("Server.Addr: got %q", got)
	}
	if cfg.Server.WSPath != "/ws" {
		t.Errorf("Server.WSPath: got %q", cfg.Server.WSPath)
	}
	if cfg.Server.MaxMessageBytes != 1048576 {
		t.Errorf("Server.MaxMessageBytes: got %d", cfg.Server.MaxMessageBytes)
	}
	if cfg.Server.ShutdownTimeout.Duration != 5*time.Second {
		t.Errorf("Server.ShutdownTimeout: got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Server.PingInterval.Duration != 15*time.Second {
		t.Errorf("Server.PingInterval: got %v", cfg.Server.PingInterval)
	}
	if !cfg.Auth.Enabled() {
		t.Error("Auth should be enabled")
	}
	if got := cfg.Redis.Addr(); got != "cache:6380" || cfg.Redis.DB != 2 {
		t.Errorf("Redis: got %q db %d", got, cfg.Redis.DB)
	}
	if cfg.Storage.Retention.Duration != 72*time.Hour {
		t.Errorf("Storage.Retention: got %v", cfg.Storage.Retention)
	}
	if cfg.Agent.Provider != "anthropic" || cfg.Agent.Model != "claude-test" || cfg.Agent.MaxTokens != 256 {
		t.Errorf("Agent: got %+v", cfg.Agent)
	}
	if cfg.Speech.ScratchDir != "/tmp/audio" {
		t.Errorf("Speech.ScratchDir: got %q", cfg.Speech.ScratchDir)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "scenegate.yaml", `
server:
  port: 8800
  shutdown_timeout: 10s
  ping_interval: 20
agent:
  provider: echo
storage:
  driver: sqlite
  dsn: ":memory:"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8800 {
		t.Errorf("Server.Port: got %d", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout.Duration != 10*time.Second {
		t.Errorf("Server.ShutdownTimeout: got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Server.PingInterval.Duration != 20*time.Second {
		t.Errorf("Server.PingInterval: got %v", cfg.Server.PingInterval)
	}
	if cfg.Agent.Provider != "echo" {
		t.Errorf("Agent.Provider: got %q", cfg.Agent.Provider)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-env")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.Server.Addr(); got != "0.0.0.0:8765" {
		t.Errorf("Server.Addr: got %q", got)
	}
	if cfg.Server.WSPath != "/" {
		t.Errorf("Server.WSPath: got %q", cfg.Server.WSPath)
	}
	if cfg.Server.MaxMessageBytes != 10*1024*1024 {
		t.Errorf("Server.MaxMessageBytes: got %d", cfg.Server.MaxMessageBytes)
	}
	if cfg.Server.ShutdownTimeout.Duration != 30*time.Second {
		t.Errorf("Server.ShutdownTimeout: got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Server.PingInterval.Duration != 30*time.Second || cfg.Server.PongWait.Duration != time.Minute {
		t.Errorf("Server keepalive: got ping %v pong %v", cfg.Server.PingInterval, cfg.Server.PongWait)
	}
	if cfg.Server.HandshakeRate != 5 || cfg.Server.HandshakeBurst != 20 {
		t.Errorf("Server handshake limit: got %v/%d", cfg.Server.HandshakeRate, cfg.Server.HandshakeBurst)
	}
	if got := cfg.Redis.Addr(); got != "localhost:6379" {
		t.Errorf("Redis.Addr: got %q", got)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "scenegate.db" {
		t.Errorf("Storage: got %+v", cfg.Storage)
	}
	if cfg.Storage.Retention.Duration != 30*24*time.Hour {
		t.Errorf("Storage.Retention: got %v", cfg.Storage.Retention)
	}
	if cfg.Agent.APIKey != "sk-ant-env" {
		t.Errorf("Agent.APIKey from env: got %q", cfg.Agent.APIKey)
	}
	if cfg.Speech.ScratchDir != filepath.Join("media", "temp_audio") {
		t.Errorf("Speech.ScratchDir: got %q", cfg.Speech.ScratchDir)
	}
	if cfg.Auth.Enabled() {
		t.Error("Auth should be disabled by default")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("WEBSOCKET_HOST", "localhost")
	t.Setenv("WEBSOCKET_PORT", "9999")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6400")
	t.Setenv("OPENAI_API_KEY", "sk-openai-env")

	path := writeTempConfig(t, "c.json", `{"server": {"port": 1234}, "agent": {"provider": "echo"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Server.Addr(); got != "localhost:9999" {
		t.Errorf("Server.Addr: got %q", got)
	}
	if got := cfg.Redis.Addr(); got != "redis.internal:6400" {
		t.Errorf("Redis.Addr: got %q", got)
	}
	if cfg.Speech.APIKey != "sk-openai-env" {
		t.Errorf("Speech.APIKey: got %q", cfg.Speech.APIKey)
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing agent key", `{}`, "agent.api_key"},
		{"bad port", `{"server": {"port": 70000}, "agent": {"provider": "echo"}}`, "server.port"},
		{"bad ws path", `{"server": {"ws_path": "ws"}, "agent": {"provider": "echo"}}`, "ws_path"},
		{"short secret", `{"auth": {"jwt_secret": "short"}, "agent": {"provider": "echo"}}`, "jwt_secret"},
		{"bad driver", `{"storage": {"driver": "mysql"}, "agent": {"provider": "echo"}}`, "storage.driver"},
		{"postgres without dsn", `{"storage": {"driver": "postgres"}, "agent": {"provider": "echo"}}`, "storage.dsn"},
		{"bad provider", `{"agent": {"provider": "gpt"}}`, "agent.provider"},
		{"bad log format", `{"logging": {"format": "xml"}, "agent": {"provider": "echo"}}`, "logging.format"},
		{"bad duration", `{"server": {"shutdown_timeout": "soon"}, "agent": {"provider": "echo"}}`, "parse config"},
		{"pong wait below ping", `{"server": {"ping_interval": "90s", "pong_wait": "60s"}, "agent": {"provider": "echo"}}`, "pong_wait"},
		{"negative burst", `{"server": {"handshake_burst": -1}, "agent": {"provider": "echo"}}`, "handshake_burst"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			path := writeTempConfig(t, "c.json", tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadBadEnvPort(t *testing.T) {
	clearEnv(t)
	t.Setenv("WEBSOCKET_PORT", "eighty")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for non-numeric WEBSOCKET_PORT")
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestPongWaitFollowsPingInterval(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "c.yaml", `
server:
  ping_interval: 90s
agent:
  provider: echo
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.PongWait.Duration != 180*time.Second {
		t.Errorf("PongWait: got %v, want 3m0s", cfg.Server.PongWait)
	}
}

func TestNegativeHandshakeRateDisablesLimit(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "c.json", `{"server": {"handshake_rate": -1}, "agent": {"provider": "echo"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HandshakeRate >= 0 {
		t.Errorf("HandshakeRate: got %v, want it left negative", cfg.Server.HandshakeRate)
	}
}

func TestLoadAuthSkipsGatewayValidation(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "c.json", `{"auth": {"jwt_secret": "test-secret-at-least-32-chars-long", "issuer": "scenegate"}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load: expected the missing agent key to fail")
	}

	ac, err := LoadAuth(path)
	if err != nil {
		t.Fatalf("LoadAuth: %v", err)
	}
	if !ac.Enabled() || ac.Issuer != "scenegate" {
		t.Errorf("auth: got %+v", ac)
	}

	short := writeTempConfig(t, "short.json", `{"auth": {"jwt_secret": "short"}}`)
	if _, err := LoadAuth(short); err == nil || !strings.Contains(err.Error(), "jwt_secret") {
		t.Errorf("LoadAuth short secret: got %v", err)
	}
}
