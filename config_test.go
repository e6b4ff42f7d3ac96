package linkd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multpex/linkd/pkg/config"
	"github.com/multpex/linkd/pkg/logger"
	"github.com/multpex/linkd/pkg/relay"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"mode", func(c *Config) { c.Mode = "prod" }},
		{"addr", func(c *Config) { c.Server.Addr = "" }},
		{"shutdown", func(c *Config) { c.Shutdown.Timeout = 0 }},
		{"rate", func(c *Config) { c.RateLimit.RequestsPerSecond = 0 }},
		{"token", func(c *Config) { c.Auth.Tokens = []StaticToken{{Token: "x"}} }},
		{"presence ttl", func(c *Config) { c.Presence.TTL = 0 }},
		{"ws", func(c *Config) { c.WS.MaxMessageSizeBytes = 0 }},
		{"tracing", func(c *Config) { c.Tracing.Exporter = "zipkin" }},
		{"relay", func(c *Config) { c.Relay.Driver = relay.DriverKafka }},
		{"cache", func(c *Config) { c.Cache.Driver = "memcached" }},
		{"audit", func(c *Config) { c.Audit.Enabled = true; c.Audit.DSN = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("disabled components are not validated", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.RateLimit = RateLimitConfig{}
		cfg.Presence.Enabled = false
		cfg.Cache.Driver = "memcached"
		cfg.Audit.DSN = ""
		assert.NoError(t, cfg.Validate())
	})
}

func TestDefaultsFlatten(t *testing.T) {
	d := Defaults()

	assert.Equal(t, ":8080", d["server.addr"])
	assert.Equal(t, int64(64*1024), d["ws.maxmessagesizebytes"])
	assert.Equal(t, 5, d["ws.maxconnectionsperidentity"])
	assert.Equal(t, 15*time.Second, d["shutdown.timeout"])
	assert.Equal(t, logger.InfoLevel, d["logger.level"])
	assert.Equal(t, relay.DriverNone, d["relay.driver"])
	assert.Equal(t, "0 0 3 * * *", d["audit.purgeschedule"])

	// nil 指针不展开
	assert.NotContains(t, d, "audit.replicas")
	assert.NotContains(t, d, "relay.redis")
	assert.NotContains(t, d, "logger.rotate")
	for k := range d {
		assert.NotContains(t, k, "replicas.")
	}
}

const testYAML = `
mode: debug
node: edge-1
server:
  addr: ":9000"
auth:
  requireCredential: true
  tokens:
    - token: tok-ops
      subject: ops
      roles: [admin]
logger:
  level: warn
ws:
  heartbeatIntervalMs: 5000
  allowedOrigins:
    - https://app.example
  handlers:
    - name: chat.send
      timeoutMs: 500
      roles: [member]
presence:
  ttl: 1h
`

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linkd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testYAML), 0644))

	l := config.New[Config](
		config.WithConfigFile(path),
		config.WithDefaults(Defaults()),
	)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, "edge-1", cfg.Node)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.True(t, cfg.Auth.RequireCredential)
	require.Len(t, cfg.Auth.Tokens, 1)
	assert.Equal(t, StaticToken{Token: "tok-ops", Subject: "ops", Roles: []string{"admin"}}, cfg.Auth.Tokens[0])
	assert.Equal(t, logger.WarnLevel, cfg.Logger.Level)
	assert.Equal(t, 5000, cfg.WS.HeartbeatIntervalMs)
	assert.Equal(t, []string{"https://app.example"}, cfg.WS.AllowedOrigins)
	require.Len(t, cfg.WS.Handlers, 1)
	assert.Equal(t, "chat.send", cfg.WS.Handlers[0].Name)
	assert.Equal(t, 500, cfg.WS.Handlers[0].TimeoutMs)
	assert.Equal(t, time.Hour, cfg.Presence.TTL)

	// 文件未覆盖的键取默认值
	assert.Equal(t, 256, cfg.WS.SendQueueSize)
	assert.Equal(t, 15*time.Second, cfg.Shutdown.Timeout)
	assert.Equal(t, "linkd", cfg.Tracing.ServiceName)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("LINKD_SERVER_ADDR", ":7000")
	t.Setenv("LINKD_LOGGER_LEVEL", "debug")
	t.Setenv("LINKD_WS_MAXCONNECTIONSPERIDENTITY", "2")
	t.Setenv("LINKD_SHUTDOWN_TIMEOUT", "3s")

	l := config.New[Config](
		config.WithEnvPrefix("LINKD"),
		config.WithDefaults(Defaults()),
	)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, logger.DebugLevel, cfg.Logger.Level)
	assert.Equal(t, 2, cfg.WS.MaxConnectionsPerIdentity)
	assert.Equal(t, 3*time.Second, cfg.Shutdown.Timeout)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("LINKD_MODE", "prod")

	l := config.New[Config](
		config.WithEnvPrefix("LINKD"),
		config.WithDefaults(Defaults()),
	)
	_, err := l.Load()
	require.Error(t, err)
}

func TestStaticTokens(t *testing.T) {
	a := AuthConfig{Tokens: []StaticToken{
		{Token: "t1", Subject: "alice", Roles: []string{"admin"}},
		{Token: "t2", Subject: "bob"},
	}}
	p := a.StaticTokens()

	id, err := p.Authenticate(t.Context(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Subject)
	assert.Equal(t, []string{"admin"}, id.Roles)

	_, err = p.Authenticate(t.Context(), "nope")
	assert.Error(t, err)
}
