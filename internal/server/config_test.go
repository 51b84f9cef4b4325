package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, ":8080", cfg.Port)
	assert.Equal(t, "/ws", cfg.Path)
	assert.Equal(t, "/ws/status", cfg.StatusPath)
	assert.Equal(t, []string{"http://localhost:8080"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(4096), cfg.MaxMessageSize)
	assert.Equal(t, RateLimitConfig{Burst: 5, RefillInterval: time.Second}, cfg.RateLimit)
	assert.Equal(t, HeartbeatConfig{Interval: 30 * time.Second, Timeout: 35 * time.Second}, cfg.Heartbeat)
	assert.Equal(t, 256, cfg.SendBufferSize)
	assert.Equal(t, 10*time.Second, cfg.WriteWait)
	assert.Equal(t, time.Second, cfg.CloseGrace)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Empty(t, cfg.IdentityHeader)
	assert.Equal(t, LogConfig{Level: "info", Format: "text"}, cfg.Log)
}

func TestNewConfigFromEnv(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		check func(t *testing.T, cfg *Config)
	}{
		{
			name: "no variables keeps defaults",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, NewConfig(), cfg)
			},
		},
		{
			name: "all variables applied",
			env: map[string]string{
				"SERVER_PORT":                ":9090",
				"WS_PATH":                    "/socket",
				"WS_STATUS_PATH":             "/socket/stats",
				"ALLOWED_ORIGINS":            "http://a.example, https://b.example",
				"MAX_MESSAGE_SIZE":           "1024",
				"RATE_LIMIT_BURST":           "20",
				"RATE_LIMIT_REFILL_INTERVAL": "3",
				"HEARTBEAT_INTERVAL":         "10s",
				"HEARTBEAT_TIMEOUT":          "15s",
				"SEND_BUFFER_SIZE":           "64",
				"WRITE_WAIT":                 "2s",
				"CLOSE_GRACE":                "500ms",
				"SHUTDOWN_TIMEOUT":           "1m",
				"IDENTITY_HEADER":            "X-User-ID",
				"LOG_LEVEL":                  "DEBUG",
				"LOG_FORMAT":                 "json",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, ":9090", cfg.Port)
				assert.Equal(t, "/socket", cfg.Path)
				assert.Equal(t, "/socket/stats", cfg.StatusPath)
				assert.Equal(t, []string{"http://a.example", "https://b.example"}, cfg.AllowedOrigins)
				assert.Equal(t, int64(1024), cfg.MaxMessageSize)
				assert.Equal(t, RateLimitConfig{Burst: 20, RefillInterval: 3 * time.Second}, cfg.RateLimit)
				assert.Equal(t, HeartbeatConfig{Interval: 10 * time.Second, Timeout: 15 * time.Second}, cfg.Heartbeat)
				assert.Equal(t, 64, cfg.SendBufferSize)
				assert.Equal(t, 2*time.Second, cfg.WriteWait)
				assert.Equal(t, 500*time.Millisecond, cfg.CloseGrace)
				assert.Equal(t, time.Minute, cfg.ShutdownTimeout)
				assert.Equal(t, "X-User-ID", cfg.IdentityHeader)
				assert.Equal(t, LogConfig{Level: "debug", Format: "json"}, cfg.Log)
			},
		},
		{
			name: "invalid values fall back",
			env: map[string]string{
				"MAX_MESSAGE_SIZE":           "-5",
				"RATE_LIMIT_BURST":           "lots",
				"RATE_LIMIT_REFILL_INTERVAL": "0",
				"HEARTBEAT_INTERVAL":         "soon",
				"HEARTBEAT_TIMEOUT":          "-1s",
				"SEND_BUFFER_SIZE":           "0",
			},
			check: func(t *testing.T, cfg *Config) {
				def := NewConfig()
				assert.Equal(t, def.MaxMessageSize, cfg.MaxMessageSize)
				assert.Equal(t, def.RateLimit, cfg.RateLimit)
				assert.Equal(t, def.Heartbeat, cfg.Heartbeat)
				assert.Equal(t, def.SendBufferSize, cfg.SendBufferSize)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := NewConfigFromEnv()
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestNewConfigFromEnv_FileThenEnv(t *testing.T) {
	clearConfigEnv(t)

	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: ":7000"
path: /live
allowed_origins:
  - "*"
max_message_size: 2048
rate_limit:
  burst: 9
heartbeat:
  interval: 5s
  timeout: 12s
identity_header: X-Auth-User
log:
  format: json
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SERVER_PORT", ":7001")

	cfg, err := NewConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":7001", cfg.Port, "environment overrides the file")
	assert.Equal(t, "/live", cfg.Path)
	assert.Equal(t, "/ws/status", cfg.StatusPath, "keys missing from the file keep defaults")
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(2048), cfg.MaxMessageSize)
	assert.Equal(t, 9, cfg.RateLimit.Burst)
	assert.Equal(t, time.Second, cfg.RateLimit.RefillInterval)
	assert.Equal(t, HeartbeatConfig{Interval: 5 * time.Second, Timeout: 12 * time.Second}, cfg.Heartbeat)
	assert.Equal(t, "X-Auth-User", cfg.IdentityHeader)
	assert.Equal(t, LogConfig{Level: "info", Format: "json"}, cfg.Log)
}

func TestLoadConfigFile_Errors(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("heartbeat: [not, a, map]\n"), 0o600))
	_, err = LoadConfigFile(path)
	assert.Error(t, err)

	clearConfigEnv(t)
	t.Setenv("CONFIG_FILE", path)
	_, err = NewConfigFromEnv()
	assert.Error(t, err)
}

func TestSanitize(t *testing.T) {
	cfg := &Config{
		MaxMessageSize: -1,
		Heartbeat:      HeartbeatConfig{Interval: 0, Timeout: -time.Second},
		AllowedOrigins: []string{"http://a.example"},
	}
	origins := cfg.AllowedOrigins

	cfg.Sanitize()

	def := NewConfig()
	assert.Equal(t, def.Port, cfg.Port)
	assert.Equal(t, def.Path, cfg.Path)
	assert.Equal(t, def.MaxMessageSize, cfg.MaxMessageSize)
	assert.Equal(t, def.Heartbeat, cfg.Heartbeat)
	assert.Equal(t, def.RateLimit, cfg.RateLimit)
	assert.Equal(t, def.CloseGrace, cfg.CloseGrace)

	origins[0] = "mutated"
	assert.Equal(t, []string{"http://a.example"}, cfg.AllowedOrigins)
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG_FILE", "SERVER_PORT", "WS_PATH", "WS_STATUS_PATH", "ALLOWED_ORIGINS",
		"MAX_MESSAGE_SIZE", "RATE_LIMIT_BURST", "RATE_LIMIT_REFILL_INTERVAL",
		"HEARTBEAT_INTERVAL", "HEARTBEAT_TIMEOUT", "SEND_BUFFER_SIZE", "WRITE_WAIT",
		"CLOSE_GRACE", "SHUTDOWN_TIMEOUT", "IDENTITY_HEADER", "LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(key, "")
	}
}
