package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/wsrelay/internal/heartbeat"
)

// Default values applied by NewConfig and restored by Sanitize.
const (
	DefaultPort            = ":8080"
	DefaultPath            = "/ws"
	DefaultStatusPath      = "/ws/status"
	DefaultMaxMessageSize  = 4096
	DefaultSendBufferSize  = 256
	DefaultWriteWait       = 10 * time.Second
	DefaultCloseGrace      = time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// HeartbeatConfig controls the liveness sweep.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LogConfig selects the slog handler built by the server binary.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config holds the relay configuration including security controls.
type Config struct {
	Port           string          `yaml:"port"`
	Path           string          `yaml:"path"`
	StatusPath     string          `yaml:"status_path"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	MaxMessageSize int64           `yaml:"max_message_size"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Heartbeat      HeartbeatConfig `yaml:"heartbeat"`

	SendBufferSize  int           `yaml:"send_buffer_size"`
	WriteWait       time.Duration `yaml:"write_wait"`
	CloseGrace      time.Duration `yaml:"close_grace"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// IdentityHeader names a request header set by a trusted auth proxy.
	// Empty disables header identities.
	IdentityHeader string `yaml:"identity_header"`

	Log LogConfig `yaml:"log"`
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	return &Config{
		Port:           DefaultPort,
		Path:           DefaultPath,
		StatusPath:     DefaultStatusPath,
		AllowedOrigins: []string{"http://localhost:8080"},
		MaxMessageSize: DefaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Interval: heartbeat.DefaultInterval,
			Timeout:  heartbeat.DefaultTimeout,
		},
		SendBufferSize:  DefaultSendBufferSize,
		WriteWait:       DefaultWriteWait,
		CloseGrace:      DefaultCloseGrace,
		ShutdownTimeout: DefaultShutdownTimeout,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfigFile reads a YAML file over the defaults. Keys missing from the
// file keep their default values.
func LoadConfigFile(path string) (*Config, error) {
	cfg := NewConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	cfg.Sanitize()
	return cfg, nil
}

// NewConfigFromEnv creates a Config from CONFIG_FILE (when set) and then
// applies environment variable overrides. Unparseable values fall back to
// whatever the file or the defaults provided.
func NewConfigFromEnv() (*Config, error) {
	cfg := NewConfig()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		loaded, err := LoadConfigFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	cfg.applyEnv()
	cfg.Sanitize()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Port = port
	}
	if path := os.Getenv("WS_PATH"); path != "" {
		c.Path = path
	}
	if path := os.Getenv("WS_STATUS_PATH"); path != "" {
		c.StatusPath = path
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		c.MaxMessageSize = parseMaxMessageSize(maxSize, c.MaxMessageSize)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		c.RateLimit.Burst = parseIntValue(burst, c.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		c.RateLimit.RefillInterval = parseRefillInterval(interval, c.RateLimit.RefillInterval)
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		c.Heartbeat.Interval = parseDuration(v, c.Heartbeat.Interval)
	}
	if v := os.Getenv("HEARTBEAT_TIMEOUT"); v != "" {
		c.Heartbeat.Timeout = parseDuration(v, c.Heartbeat.Timeout)
	}
	if v := os.Getenv("SEND_BUFFER_SIZE"); v != "" {
		c.SendBufferSize = parseIntValue(v, c.SendBufferSize)
	}
	if v := os.Getenv("WRITE_WAIT"); v != "" {
		c.WriteWait = parseDuration(v, c.WriteWait)
	}
	if v := os.Getenv("CLOSE_GRACE"); v != "" {
		c.CloseGrace = parseDuration(v, c.CloseGrace)
	}
	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		c.ShutdownTimeout = parseDuration(v, c.ShutdownTimeout)
	}
	if v := os.Getenv("IDENTITY_HEADER"); v != "" {
		c.IdentityHeader = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
}

// Sanitize restores defaults for empty or non-positive settings.
func (c *Config) Sanitize() {
	def := NewConfig()

	if c.Port == "" {
		c.Port = def.Port
	}
	if c.Path == "" {
		c.Path = def.Path
	}
	if c.StatusPath == "" {
		c.StatusPath = def.StatusPath
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = def.Heartbeat.Interval
	}
	if c.Heartbeat.Timeout <= 0 {
		c.Heartbeat.Timeout = def.Heartbeat.Timeout
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = def.SendBufferSize
	}
	if c.WriteWait <= 0 {
		c.WriteWait = def.WriteWait
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = def.CloseGrace
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseRefillInterval reads whole seconds.
func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
