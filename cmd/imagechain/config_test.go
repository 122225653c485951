package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/imagechain/internal/backend"
	"github.com/rendis/imagechain/internal/engine"
)

// isolate points HOME and the working directory at empty temp dirs so no
// real config file is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "imagechain.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := loadConfig(newViper(), "")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, filepath.Join(os.Getenv("HOME"), ".imagechain", "imagechain.db"), cfg.DBPath)
	assert.Equal(t, backend.DefaultRetryPolicy(), cfg.retryPolicy())
	assert.Equal(t, engine.DefaultBackendPause, cfg.Failover.BackendPause)
	assert.False(t, cfg.Failover.CircuitBreaker.Enabled)
	assert.Equal(t, 5, cfg.Failover.CircuitBreaker.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Failover.CircuitBreaker.Cooldown)
	assert.InDelta(t, engine.DefaultCostPerStep, cfg.Metering.CostPerStep, 1e-9)
	assert.Equal(t, engine.DefaultCreditsPerStep, cfg.Metering.CreditsPerStep)
	assert.False(t, cfg.Graph.AllowBranching)
	assert.Empty(t, cfg.Backends)

	ec := cfg.engineConfig()
	assert.Nil(t, ec.CircuitBreaker)
	assert.Equal(t, engine.DefaultBackendPause, ec.BackendPause)
}

func TestLoadConfig_FileFromWorkingDirectory(t *testing.T) {
	dir := isolate(t)
	writeConfig(t, dir, `
log_level: debug
pool_size: 2
retry:
  max_retries: 5
  base_delay: 250ms
  max_delay: 4s
failover:
  backend_pause: 10ms
  circuit_breaker:
    enabled: true
    failure_threshold: 2
    cooldown: 30s
graph:
  allow_branching: true
backends:
  - name: primary
    url: https://primary.example/v1/generate
    api_key_env: PRIMARY_KEY
    timeout: 90s
    requests_per_minute: 10
  - name: secondary
    url: https://secondary.example/v1/generate
    max_retries: 0
    when: request.media_type == "image/png"
    extract:
      image: .result.image
`)

	cfg, err := loadConfig(newViper(), "")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2, cfg.PoolSize)
	assert.Equal(t, backend.RetryPolicy{MaxRetries: 5, BaseDelay: 250 * time.Millisecond, MaxDelay: 4 * time.Second}, cfg.retryPolicy())
	assert.True(t, cfg.validationOptions().AllowBranching)

	require.Len(t, cfg.Backends, 2)
	primary, secondary := cfg.Backends[0], cfg.Backends[1]
	assert.Equal(t, "PRIMARY_KEY", primary.APIKeyEnv)
	assert.Equal(t, 90*time.Second, primary.Timeout)
	assert.InDelta(t, 10, primary.RequestsPerMinute, 1e-9)
	assert.Nil(t, primary.MaxRetries)
	require.NotNil(t, secondary.MaxRetries)
	assert.Equal(t, 0, *secondary.MaxRetries)
	assert.Equal(t, ".result.image", secondary.Extract.Image)

	ec := cfg.engineConfig()
	assert.Equal(t, 10*time.Millisecond, ec.BackendPause)
	assert.True(t, ec.AllowBranching)
	require.NotNil(t, ec.CircuitBreaker)
	assert.Equal(t, 2, ec.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, ec.CircuitBreaker.Cooldown)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "pool_size: 2\nretry:\n  max_retries: 5\n")
	t.Setenv("IMAGECHAIN_POOL_SIZE", "8")
	t.Setenv("IMAGECHAIN_RETRY_MAX_RETRIES", "1")

	cfg, err := loadConfig(newViper(), path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.PoolSize)
	assert.Equal(t, 1, cfg.Retry.MaxRetries)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"pool size", "pool_size: 0\n"},
		{"negative retries", "retry:\n  max_retries: -1\n"},
		{"backend without name", "backends:\n  - url: https://x.example\n"},
		{"backend without url", "backends:\n  - name: a\n"},
		{"duplicate backend", "backends:\n  - name: a\n    url: https://x.example\n  - name: a\n    url: https://y.example\n"},
		{"malformed yaml", "pool_size: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := isolate(t)
			path := writeConfig(t, dir, tt.body)
			_, err := loadConfig(newViper(), path)
			assert.Error(t, err)
		})
	}

	isolate(t)
	_, err := loadConfig(newViper(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBuildBackends(t *testing.T) {
	isolate(t)
	retries := 0
	cfg := &Config{PoolSize: 1}
	cfg.Retry.MaxRetries = 3
	cfg.Backends = []BackendConfig{
		{Name: "primary", URL: "https://primary.example/v1", APIKeyEnv: "IMAGECHAIN_TEST_KEY"},
		{Name: "fallback", URL: "https://fallback.example/v1", MaxRetries: &retries, When: `request.media_type == "image/png"`},
	}

	_, err := buildBackends(cfg, backend.ClientOptions{})
	assert.ErrorContains(t, err, "IMAGECHAIN_TEST_KEY")

	t.Setenv("IMAGECHAIN_TEST_KEY", "secret")
	clients, err := buildBackends(cfg, backend.ClientOptions{})
	require.NoError(t, err)
	require.Len(t, clients, 2)
	assert.Equal(t, "primary", clients[0].Name())
	assert.Equal(t, "fallback", clients[1].Name())

	cfg.Backends[1].When = "request.media_type =="
	_, err = buildBackends(cfg, backend.ClientOptions{})
	assert.Error(t, err)

	_, err = buildBackends(&Config{PoolSize: 1}, backend.ClientOptions{})
	assert.ErrorContains(t, err, "no backends configured")
}
