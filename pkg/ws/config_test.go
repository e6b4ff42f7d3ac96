package ws

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multpex/linkd/pkg/errors"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 90*time.Second, cfg.PongWait())
	assert.Equal(t, 10*time.Second, cfg.DefaultHandlerTimeout())
	assert.Zero(t, cfg.MaxFrameBytes)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"message size", func(c *Config) { c.MaxMessageSizeBytes = 0 }},
		{"frame limit", func(c *Config) { c.MaxFrameBytes = c.MaxMessageSizeBytes - 1 }},
		{"per identity", func(c *Config) { c.MaxConnectionsPerIdentity = -1 }},
		{"heartbeat", func(c *Config) { c.HeartbeatIntervalMs = 0 }},
		{"misses", func(c *Config) { c.HeartbeatMisses = 0 }},
		{"send queue", func(c *Config) { c.SendQueueSize = 0 }},
		{"drops", func(c *Config) { c.MaxConsecutiveDrops = 0 }},
		{"timeout", func(c *Config) { c.DefaultHandlerTimeoutMs = -5 }},
		{"inflight", func(c *Config) { c.MaxInFlightPerConn = 0 }},
		{"room size", func(c *Config) { c.MaxRoomSize = -1 }},
		{"override name", func(c *Config) { c.Handlers = []HandlerOverride{{TimeoutMs: 1}} }},
		{"override limits", func(c *Config) { c.Handlers = []HandlerOverride{{Name: "x", MaxInFlight: -1}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendQueueSize = 0
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"wildcard", []string{"*"}, "https://evil.example", true},
		{"same origin", nil, "http://example.com", true},
		{"cross origin", nil, "https://evil.example", false},
		{"no origin", nil, "", true},
		{"whitelisted", []string{"https://app.example"}, "https://app.example", true},
		{"not whitelisted", []string{"https://app.example"}, "https://evil.example", false},
		{"whitelist no origin", []string{"https://app.example"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "http://example.com/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, checkOrigin(tt.allowed)(r))
		})
	}
}
