package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	WS struct {
		MaxMessageSizeBytes int           `mapstructure:"maxMessageSizeBytes"`
		Heartbeat           time.Duration `mapstructure:"heartbeat"`
		Origins             []string      `mapstructure:"origins"`
	} `mapstructure:"ws"`
}

func (c *testConfig) Validate() error {
	if c.WS.MaxMessageSizeBytes < 0 {
		return errors.New("maxMessageSizeBytes must not be negative")
	}
	return nil
}

const testYAML = `
server:
  addr: ":9000"
ws:
  maxMessageSizeBytes: 1024
  heartbeat: 15s
  origins:
    - https://a.example
    - https://b.example
`

func writeTestConfig(t *testing.T, dir, filename, content string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeTestConfig(t, t.TempDir(), "linkd.yaml", testYAML)

	l := New[testConfig](WithConfigFile(path))
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 1024, cfg.WS.MaxMessageSizeBytes)
	assert.Equal(t, 15*time.Second, cfg.WS.Heartbeat)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.WS.Origins)
	assert.Same(t, cfg, l.Current())
	assert.Equal(t, path, l.ConfigFileUsed())
}

func TestLoadWithNameAndPaths(t *testing.T) {
	dir := t.TempDir()
	writeTestConfig(t, dir, "linkd.yaml", testYAML)

	cfg, err := New[testConfig](WithConfigName("linkd", dir), WithConfigType("yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
}

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("LINKD_WS_MAXMESSAGESIZEBYTES", "2048")

	l := New[testConfig](
		WithEnvPrefix("LINKD"),
		WithDefaults(map[string]any{
			"server.addr":            ":8080",
			"ws.maxMessageSizeBytes": 65536,
			"ws.heartbeat":           "30s",
		}),
	)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 2048, cfg.WS.MaxMessageSizeBytes)
	assert.Equal(t, 30*time.Second, cfg.WS.Heartbeat)
}

func TestLoadNotFound(t *testing.T) {
	_, err := New[testConfig](WithConfigName("missing", t.TempDir())).Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigNotFound))
}

func TestLoadInvalid(t *testing.T) {
	path := writeTestConfig(t, t.TempDir(), "linkd.yaml", "ws:\n  maxMessageSizeBytes: -1\n")

	_, err := New[testConfig](WithConfigFile(path)).Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigInvalid))
}

func TestWatchReload(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "linkd.yaml", testYAML)

	l := New[testConfig](WithConfigFile(path))
	_, err := l.Load()
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen []int
	)
	l.OnChange(func(prev, next *testConfig) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, next.WS.MaxMessageSizeBytes)
	})
	l.Watch()
	defer l.StopWatch()

	time.Sleep(100 * time.Millisecond)
	writeTestConfig(t, dir, "linkd.yaml", "ws:\n  maxMessageSizeBytes: 4096\n")

	assert.Eventually(t, func() bool {
		return l.Current().WS.MaxMessageSizeBytes == 4096
	}, 3*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, 4096)
}

func TestWatchProtected(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "linkd.yaml", testYAML)

	errCh := make(chan error, 8)
	l := New[testConfig](
		WithConfigFile(path),
		WithProtected(true),
		WithOnError(func(err error) { errCh <- err }),
	)
	_, err := l.Load()
	require.NoError(t, err)
	l.Watch()
	defer l.StopWatch()

	time.Sleep(100 * time.Millisecond)
	writeTestConfig(t, dir, "linkd.yaml", "ws:\n  maxMessageSizeBytes: 1\n")

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrConfigProtected))
	case <-time.After(3 * time.Second):
		t.Fatal("expected protected change to be reported")
	}
	assert.Equal(t, 1024, l.Current().WS.MaxMessageSizeBytes)
}
