package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "0.0.0.0:8000", cfg.Server.Addr())
	assert.Equal(t, "http://localhost:8000", cfg.Server.BaseURL)
	assert.True(t, cfg.Browser.Headless)
	assert.True(t, cfg.Browser.Stealth)
	assert.Equal(t, 30*time.Second, cfg.Browser.Timeout)
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, 100, cfg.Security.RateLimit)
	assert.Equal(t, 5*time.Minute, cfg.Jobs.MaxTimeout)

	sc, err := cfg.Browser.SessionConfig()
	require.NoError(t, err)
	assert.True(t, sc.Valid())
	assert.Equal(t, 1920, sc.Viewport().Width)
}

func TestLoadFromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
  base_url: https://agentab.example.com/
browser:
  stealth: false
  viewport_width: 1280
  viewport_height: 720
  timeout: 10s
  proxy:
    url: http://user:pw@proxy.local:3128
jobs:
  default_timeout: 10m
`), 0o644))
	t.Setenv("AGENTAB_SECURITY_RATE_LIMIT", "7")
	t.Setenv("AGENTAB_BROWSER_HEADLESS", "false")

	v, err := NewViper(path)
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "https://agentab.example.com", cfg.Server.BaseURL)
	assert.False(t, cfg.Browser.Stealth)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, 10*time.Second, cfg.Browser.Timeout)
	assert.Equal(t, 7, cfg.Security.RateLimit)
	assert.Equal(t, cfg.Jobs.MaxTimeout, cfg.Jobs.DefaultTimeout, "default clamped to max")

	sc, err := cfg.Browser.SessionConfig()
	require.NoError(t, err)
	proxy, ok := sc.Proxy()
	require.True(t, ok)
	assert.Equal(t, "user", proxy.Username)
	assert.Equal(t, "http://proxy.local:3128", proxy.Server())
}

func TestNewViperMissingExplicitFile(t *testing.T) {
	_, err := NewViper(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("server.port", 0)
	v.Set("browser.viewport_width", -1)
	v.Set("nats.enabled", true)
	v.Set("nats.url", "")

	_, err := Load(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "viewport")
	assert.Contains(t, err.Error(), "nats.url")
}

func TestClampJobTimeout(t *testing.T) {
	j := JobsConfig{DefaultTimeout: time.Minute, MaxTimeout: 5 * time.Minute}
	assert.Equal(t, time.Minute, j.ClampJobTimeout(0))
	assert.Equal(t, 2*time.Minute, j.ClampJobTimeout(2*time.Minute))
	assert.Equal(t, 5*time.Minute, j.ClampJobTimeout(time.Hour))
}
