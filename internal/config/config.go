// Package config handles gateway configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	Auth    AuthConfig    `json:"auth" yaml:"auth"`
	Redis   RedisConfig   `json:"redis" yaml:"redis"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Agent   AgentConfig   `json:"agent" yaml:"agent"`
	Speech  SpeechConfig  `json:"speech" yaml:"speech"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// ServerConfig defines the WebSocket listener.
type ServerConfig struct {
	Host            string   `json:"host,omitempty" yaml:"host,omitempty"`                           // default "0.0.0.0"
	Port            int      `json:"port,omitempty" yaml:"port,omitempty"`                           // default 8765
	WSPath          string   `json:"ws_path,omitempty" yaml:"ws_path,omitempty"`                     // default "/"
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty" yaml:"max_message_bytes,omitempty"` // default 10MB
	AllowedOrigins  []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`     // default: any
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty"`   // default 30s
	PingInterval    Duration `json:"ping_interval,omitempty" yaml:"ping_interval,omitempty"`         // default 30s; negative disables keepalive
	PongWait        Duration `json:"pong_wait,omitempty" yaml:"pong_wait,omitempty"`                 // default 2*ping_interval

	// Per-IP WebSocket handshake limit. A negative rate turns it off.
	HandshakeRate  float64 `json:"handshake_rate,omitempty" yaml:"handshake_rate,omitempty"`   // per second; default 5
	HandshakeBurst int     `json:"handshake_burst,omitempty" yaml:"handshake_burst,omitempty"` // default 20
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// AuthConfig enables token checks on the WebSocket handshake when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret,omitempty" yaml:"jwt_secret,omitempty"`
	Issuer    string `json:"issuer,omitempty" yaml:"issuer,omitempty"`
}

// Enabled reports whether handshake authentication is on.
func (a AuthConfig) Enabled() bool { return a.JWTSecret != "" }

// RedisConfig defines the scene store connection. URL wins over Host/Port.
type RedisConfig struct {
	URL      string `json:"url,omitempty" yaml:"url,omitempty"`
	Host     string `json:"host,omitempty" yaml:"host,omitempty"` // default "localhost"
	Port     int    `json:"port,omitempty" yaml:"port,omitempty"` // default 6379
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
	Disabled bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`

	SceneTTL Duration `json:"scene_ttl,omitempty" yaml:"scene_ttl,omitempty"` // 0 keeps scenes until overwritten
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// StorageConfig defines the session journal database.
type StorageConfig struct {
	Driver    string   `json:"driver,omitempty" yaml:"driver,omitempty"`       // "sqlite" (default) or "postgres"
	DSN       string   `json:"dsn,omitempty" yaml:"dsn,omitempty"`             // e.g. "scenegate.db" or ":memory:"
	Retention Duration `json:"retention,omitempty" yaml:"retention,omitempty"` // default 30 days
}

// AgentConfig selects and configures the text agent.
type AgentConfig struct {
	Provider     string `json:"provider,omitempty" yaml:"provider,omitempty"` // "anthropic" (default) or "echo"
	APIKey       string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL      string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`
	MaxTokens    int    `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
}

// SpeechConfig configures speech-to-text. Audio messages are rejected when
// no API key is set.
type SpeechConfig struct {
	APIKey     string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL    string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model      string `json:"model,omitempty" yaml:"model,omitempty"`
	Language   string `json:"language,omitempty" yaml:"language,omitempty"`
	ScratchDir string `json:"scratch_dir,omitempty" yaml:"scratch_dir,omitempty"` // default "media/temp_audio"
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // "json" or "text"
}

// Duration is a config-friendly time.Duration accepting "30s" or a number of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	case int:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

// Load reads a config file, applies environment overrides, validates it and
// fills in defaults. An empty path yields the defaults plus environment.
func Load(path string) (*Config, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAuth reads the same sources as Load but validates only the auth
// section, for tooling that never starts the gateway.
func LoadAuth(path string) (*AuthConfig, error) {
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Auth.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg.Auth, nil
}

func read(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, &cfg)
		default:
			err = json.Unmarshal(data, &cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	return &cfg, nil
}

// applyEnv overlays the deployment environment variables on the file values.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("WEBSOCKET_HOST", &c.Server.Host)
	if err := num("WEBSOCKET_PORT", &c.Server.Port); err != nil {
		return err
	}
	str("REDIS_URL", &c.Redis.URL)
	str("REDIS_HOST", &c.Redis.Host)
	if err := num("REDIS_PORT", &c.Redis.Port); err != nil {
		return err
	}
	str("ANTHROPIC_API_KEY", &c.Agent.APIKey)
	str("OPENAI_API_KEY", &c.Speech.APIKey)
	str("SCENEGATE_JWT_SECRET", &c.Auth.JWTSecret)
	return nil
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxMessageBytes < 0 {
		return fmt.Errorf("server.max_message_bytes must not be negative")
	}
	if c.Server.HandshakeBurst < 0 {
		return fmt.Errorf("server.handshake_burst must not be negative")
	}
	if c.Server.PongWait.Duration < 0 {
		return fmt.Errorf("server.pong_wait must not be negative")
	}
	if ping, pong := c.Server.PingInterval.Duration, c.Server.PongWait.Duration; ping > 0 && pong > 0 && pong <= ping {
		return fmt.Errorf("server.pong_wait (%s) must be longer than server.ping_interval (%s)", pong, ping)
	}
	if c.Server.WSPath != "" && !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with /")
	}
	if c.Redis.Port < 0 || c.Redis.Port > 65535 {
		return fmt.Errorf("redis.port %d out of range", c.Redis.Port)
	}
	if err := c.Auth.validate(); err != nil {
		return err
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for postgres")
	}
	switch c.Agent.Provider {
	case "", "anthropic":
		if c.Agent.APIKey == "" {
			return fmt.Errorf("agent.api_key (or ANTHROPIC_API_KEY) is required for the anthropic agent")
		}
	case "echo":
	default:
		return fmt.Errorf("agent.provider %q is not supported", c.Agent.Provider)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text")
	}
	return nil
}

func (a AuthConfig) validate() error {
	if a.JWTSecret != "" && len(a.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8765
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = "/"
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = 10 * 1024 * 1024 // 10MB
	}
	if c.Server.ShutdownTimeout.Duration == 0 {
		c.Server.ShutdownTimeout.Duration = 30 * time.Second
	}
	if c.Server.PingInterval.Duration == 0 {
		c.Server.PingInterval.Duration = 30 * time.Second
	}
	if c.Server.PongWait.Duration == 0 && c.Server.PingInterval.Duration > 0 {
		c.Server.PongWait.Duration = 2 * c.Server.PingInterval.Duration
	}
	if c.Server.HandshakeRate == 0 {
		c.Server.HandshakeRate = 5
	}
	if c.Server.HandshakeBurst == 0 {
		c.Server.HandshakeBurst = 20
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "scenegate.db"
	}
	if c.Storage.Retention.Duration == 0 {
		c.Storage.Retention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Agent.Provider == "" {
		c.Agent.Provider = "anthropic"
	}
	if c.Agent.MaxTokens == 0 {
		c.Agent.MaxTokens = 1024
	}
	if c.Speech.ScratchDir == "" {
		c.Speech.ScratchDir = filepath.Join("media", "temp_audio")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
