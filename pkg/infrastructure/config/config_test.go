package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestDefaultTokenLengthKeepsCollisionMargin(t *testing.T) {
	// 16 URL-safe characters = 96 bits; anything shorter weakens the
	// collision bound at large link populations.
	assert.Equal(t, 16, DefaultConfig().Registry.TokenLength)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Port, cfg.Server.Port)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"server": {"port": 9090, "admin_key": "secret"},
		"streaming": {"max_workers": 8, "buffer_blocks": 32},
		"registry": {"backend": "memory", "token_length": 10}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "secret", cfg.Server.AdminKey)
	assert.Equal(t, 8, cfg.Streaming.MaxWorkers)
	assert.Equal(t, 32, cfg.Streaming.BufferBlocks)
	assert.Equal(t, 10, cfg.Registry.TokenLength)
	// Untouched fields keep their defaults.
	assert.Equal(t, DefaultConfig().Streaming.BlockSize, cfg.Streaming.BlockSize)
}

func TestLoadConfigRejectsInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "3000")
	t.Setenv("STREAMGATE_BASE_URL", "https://files.example.com")
	t.Setenv("STREAMGATE_UPSTREAM_URL", "http://upstream:9000")
	t.Setenv("STREAMGATE_UPSTREAM_TOKEN", "tok123")
	t.Setenv("STREAMGATE_DATABASE_URL", "postgres://u:p@db/links")
	t.Setenv("STREAMGATE_LOG_LEVEL", "debug")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "https://files.example.com", cfg.Server.BaseURL)
	assert.Equal(t, "http://upstream:9000", cfg.Upstream.APIBaseURL)
	assert.Equal(t, "tok123", cfg.Upstream.AccessToken)
	assert.Equal(t, "postgres://u:p@db/links", cfg.Registry.DatabaseURL)
	assert.Equal(t, "postgres", cfg.Registry.Backend, "a database URL selects the postgres backend")
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestStreamgatePortBeatsPlatformPort(t *testing.T) {
	t.Setenv("PORT", "3000")
	t.Setenv("STREAMGATE_PORT", "4000")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.Server.Port)
}

func TestValidateRejections(t *testing.T) {
	mutate := func(f func(*Config)) *Config {
		cfg := DefaultConfig()
		f(cfg)
		return cfg
	}

	cases := []struct {
		name string
		cfg  *Config
	}{
		{"bad port", mutate(func(c *Config) { c.Server.Port = 0 })},
		{"port too high", mutate(func(c *Config) { c.Server.Port = 70000 })},
		{"no max connections", mutate(func(c *Config) { c.Server.MaxConnections = 0 })},
		{"no upstream url", mutate(func(c *Config) { c.Upstream.APIBaseURL = "" })},
		{"no pool", mutate(func(c *Config) { c.Upstream.PoolSize = 0 })},
		{"zero block size", mutate(func(c *Config) { c.Streaming.BlockSize = 0 })},
		{"buffer below batch", mutate(func(c *Config) { c.Streaming.BufferBlocks = 1 })},
		{"unknown backend", mutate(func(c *Config) { c.Registry.Backend = "redis" })},
		{"postgres without url", mutate(func(c *Config) { c.Registry.Backend = "postgres" })},
		{"sweep too slow", mutate(func(c *Config) { c.Registry.SweepIntervalSeconds = 120 })},
		{"zero timeout", mutate(func(c *Config) { c.Upstream.TimeoutSeconds = 0 })},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.cfg.Validate())
		})
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	cfg.Server.Port = 1234
	cfg.Streaming.MaxWorkers = 7
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 1234, loaded.Server.Port)
	assert.Equal(t, 7, loaded.Streaming.MaxWorkers)
}
