package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config holds all streamgate configuration
type Config struct {
	// HTTP edge
	Server ServerConfig `json:"server"`

	// Upstream object store connection
	Upstream UpstreamConfig `json:"upstream"`

	// Streaming pipeline tuning
	Streaming StreamingConfig `json:"streaming"`

	// Link registry backend
	Registry RegistryConfig `json:"registry"`

	// System configuration
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig holds HTTP edge settings
type ServerConfig struct {
	Port int `json:"port"`

	// BaseURL is the public base URL used to synthesize self-referential
	// links (watch/dl/stream URLs). Empty means derive from the request.
	BaseURL string `json:"base_url"`

	// AdminKey guards the operator API. Empty disables the operator API.
	AdminKey string `json:"admin_key"`

	// MaxConnections caps concurrently accepted TCP connections.
	// Admission control: worker fan-out per stream times the concurrent
	// request count must not exceed the upstream pool size.
	MaxConnections int `json:"max_connections"`

	// IdleWriteTimeoutSeconds aborts a stream whose client stops reading.
	IdleWriteTimeoutSeconds int `json:"idle_write_timeout_seconds"`
}

// UpstreamConfig holds upstream store connection settings
type UpstreamConfig struct {
	APIBaseURL     string `json:"api_base_url"`
	AccessToken    string `json:"access_token"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	PoolSize       int    `json:"pool_size"`
}

// StreamingConfig holds the tuning parameters of the block pipeline
type StreamingConfig struct {
	// BlockSize must match the upstream store's fixed block size.
	BlockSize int `json:"block_size"`

	// MaxWorkers caps per-request fetch concurrency (W).
	MaxWorkers int `json:"max_workers"`

	// BatchBlocks is the number of consecutive blocks fetched per
	// upstream call (K).
	BatchBlocks int `json:"batch_blocks"`

	// BufferBlocks is the maximum number of ready-but-unconsumed blocks
	// held in memory per stream (M). Peak heap per request is roughly
	// BufferBlocks * BlockSize.
	BufferBlocks int `json:"buffer_blocks"`

	// MaxRetries bounds per-batch retry attempts against the upstream.
	MaxRetries int `json:"max_retries"`
}

// RegistryConfig holds link registry settings
type RegistryConfig struct {
	// Backend selects "memory" or "postgres".
	Backend string `json:"backend"`

	DatabaseURL    string `json:"database_url"`
	MigrationsPath string `json:"migrations_path"`

	// TokenLength is clamped to [8, 16] at generation time. The default of
	// 16 carries 96 bits of entropy; shorter lengths trade collision margin
	// for shorter URLs.
	TokenLength int `json:"token_length"`

	SweepIntervalSeconds int `json:"sweep_interval_seconds"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                    8080,
			MaxConnections:          256,
			IdleWriteTimeoutSeconds: 60,
		},
		Upstream: UpstreamConfig{
			APIBaseURL:     "http://127.0.0.1:8081",
			TimeoutSeconds: 30,
			PoolSize:       32,
		},
		Streaming: StreamingConfig{
			BlockSize:    1 << 20,
			MaxWorkers:   4,
			BatchBlocks:  4,
			BufferBlocks: 16,
			MaxRetries:   5,
		},
		Registry: RegistryConfig{
			Backend:              "memory",
			MigrationsPath:       "file://migrations",
			TokenLength:          16,
			SweepIntervalSeconds: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig loads configuration from file with environment variable overrides
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	// Load from file if it exists
	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Apply environment variable overrides
	config.applyEnvironmentOverrides()

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnvironmentOverrides() {
	// PORT is honored for platform compatibility (Heroku/Render style).
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("STREAMGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("STREAMGATE_BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("STREAMGATE_ADMIN_KEY"); v != "" {
		c.Server.AdminKey = v
	}
	if v := os.Getenv("STREAMGATE_UPSTREAM_URL"); v != "" {
		c.Upstream.APIBaseURL = v
	}
	if v := os.Getenv("STREAMGATE_UPSTREAM_TOKEN"); v != "" {
		c.Upstream.AccessToken = v
	}
	if v := os.Getenv("STREAMGATE_DATABASE_URL"); v != "" {
		c.Registry.DatabaseURL = v
		c.Registry.Backend = "postgres"
	}
	if v := os.Getenv("STREAMGATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be in (0, 65535], got %d", c.Server.Port)
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive")
	}
	if c.Upstream.APIBaseURL == "" {
		return fmt.Errorf("upstream api_base_url is required")
	}
	if c.Upstream.PoolSize <= 0 {
		return fmt.Errorf("upstream pool_size must be positive")
	}
	if c.Streaming.BlockSize <= 0 {
		return fmt.Errorf("streaming block_size must be positive")
	}
	if c.Streaming.MaxWorkers <= 0 {
		return fmt.Errorf("streaming max_workers must be positive")
	}
	if c.Streaming.BatchBlocks <= 0 {
		return fmt.Errorf("streaming batch_blocks must be positive")
	}
	if c.Streaming.BufferBlocks < c.Streaming.BatchBlocks {
		return fmt.Errorf("streaming buffer_blocks must be >= batch_blocks")
	}
	if c.Streaming.MaxRetries <= 0 {
		return fmt.Errorf("streaming max_retries must be positive")
	}
	switch c.Registry.Backend {
	case "memory":
	case "postgres":
		if c.Registry.DatabaseURL == "" {
			return fmt.Errorf("registry database_url is required for postgres backend")
		}
	default:
		return fmt.Errorf("unknown registry backend %q", c.Registry.Backend)
	}
	if c.Registry.SweepIntervalSeconds <= 0 || c.Registry.SweepIntervalSeconds > 60 {
		return fmt.Errorf("registry sweep_interval_seconds must be in (0, 60]")
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		return fmt.Errorf("upstream timeout_seconds must be positive")
	}
	return nil
}

// SaveToFile writes the configuration to the given path as JSON
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
