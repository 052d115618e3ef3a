package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 60*time.Second, cfg.Price.TTL)
	assert.Equal(t, 5*time.Second, cfg.Price.Timeout)
	assert.Equal(t, devJWTSecret, cfg.Auth.JWTSecret)
	assert.Equal(t, 64, cfg.Realtime.SendBuffer)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	err := os.WriteFile(path, []byte("env: prod\nauth:\n  jwt_secret: from-file\nprice:\n  ttl: 30s\n"), 0o600)
	require.NoError(t, err)

	t.Setenv("P2P_HTTP_ADDR", ":9090")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.Equal(t, 30*time.Second, cfg.Price.TTL)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
}

func TestValidate(t *testing.T) {
	base := Config{
		Env:      "prod",
		Auth:     AuthConfig{JWTSecret: "s"},
		Price:    PriceConfig{TTL: time.Minute, Timeout: time.Second},
		Realtime: RealtimeConfig{SendBuffer: 1},
	}

	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
	}{
		{name: "Valid", mutate: func(c *Config) {}},
		{name: "MissingSecret", mutate: func(c *Config) { c.Auth.JWTSecret = "" }, expectError: true},
		{name: "ZeroTTL", mutate: func(c *Config) { c.Price.TTL = 0 }, expectError: true},
		{name: "ZeroTimeout", mutate: func(c *Config) { c.Price.Timeout = 0 }, expectError: true},
		{name: "ZeroBuffer", mutate: func(c *Config) { c.Realtime.SendBuffer = 0 }, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
