// Streamlog - Durable Device Log Ingestion and Live Streaming
// Copyright 2026 Streamlog contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamlog-dev/streamlog

// Package config loads layered configuration: struct defaults, then an
// optional YAML file, then environment variables. ENV > file > defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/streamlog-dev/streamlog/internal/live"
	"github.com/streamlog-dev/streamlog/internal/queue"
	"github.com/streamlog-dev/streamlog/internal/storage"
)

// DefaultConfigPaths lists where a config file is searched, in order. The
// first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/streamlog/config.yaml",
	"/etc/streamlog/config.yml",
}

// ConfigPathEnvVar overrides the config file search entirely.
const ConfigPathEnvVar = "CONFIG_PATH"

// Config is the full server configuration tree.
type Config struct {
	Server    ServerConfig       `koanf:"server"`
	Queue     queue.Config       `koanf:"queue"`
	ListStore ListStoreConfig    `koanf:"liststore"`
	Database  storage.Config     `koanf:"database"`
	Security  SecurityConfig     `koanf:"security"`
	Gateway   live.GatewayConfig `koanf:"gateway"`
	Logging   LoggingConfig      `koanf:"logging"`
}

// ServerConfig covers the HTTP listener.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Addr is the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ListStoreConfig covers the Badger store backing the durable queue and
// the application directory.
type ListStoreConfig struct {
	Path       string `koanf:"path"`
	SyncWrites bool   `koanf:"sync_writes"`
}

// SecurityConfig covers tokens, rate limiting, and CORS.
type SecurityConfig struct {
	// JWTSecret signs device and viewer tokens. Required; there is no
	// insecure default.
	JWTSecret string `koanf:"jwt_secret"`

	// TokenTTL bounds issued token lifetime.
	TokenTTL time.Duration `koanf:"token_ttl"`

	// APIRateLimit caps HTTP requests per client IP per minute.
	APIRateLimit int `koanf:"api_rate_limit"`

	// CORSOrigins lists allowed browser origins for the HTTP API.
	CORSOrigins []string `koanf:"cors_origins"`
}

// LoggingConfig covers the zerolog setup.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Queue: queue.DefaultConfig(),
		ListStore: ListStoreConfig{
			Path:       "/data/streamlog/queue",
			SyncWrites: true,
		},
		Database: storage.Config{
			Path:      "/data/streamlog/events.duckdb",
			MaxMemory: "2GB",
		},
		Security: SecurityConfig{
			TokenTTL:     30 * 24 * time.Hour,
			APIRateLimit: 300,
			CORSOrigins:  []string{"*"},
		},
		Gateway: live.GatewayConfig{
			EventsPerSecond: 100,
			EventBurst:      200,
			CheckOrigin:     true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// CORS origins arrive from env as one comma-separated string.
	if raw := k.String("security.cors_origins"); raw != "" && strings.Contains(raw, ",") {
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if err := k.Set("security.cors_origins", parts); err != nil {
			return nil, fmt.Errorf("failed to split cors origins: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is required")
	}
	if len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("security.jwt_secret must be at least 32 bytes, got %d", len(c.Security.JWTSecret))
	}
	if c.Queue.BatchSize < 1 {
		return fmt.Errorf("queue.batch_size must be positive, got %d", c.Queue.BatchSize)
	}
	if c.Queue.FlushInterval <= 0 {
		return fmt.Errorf("queue.flush_interval must be positive, got %s", c.Queue.FlushInterval)
	}
	if c.Queue.QueueList == c.Queue.ProcessingList {
		return fmt.Errorf("queue.queue_list and queue.processing_list must differ")
	}
	if c.ListStore.Path == "" {
		return fmt.Errorf("liststore.path is required")
	}
	return nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
		return ""
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps environment variable names to koanf paths:
// HTTP_PORT -> server.port, QUEUE_BATCH_SIZE -> queue.batch_size.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		"http_host":               "server.host",
		"http_port":               "server.port",
		"http_read_timeout":       "server.read_timeout",
		"http_write_timeout":      "server.write_timeout",
		"http_shutdown_timeout":   "server.shutdown_timeout",
		"queue_list":              "queue.queue_list",
		"queue_processing_list":   "queue.processing_list",
		"queue_batch_size":        "queue.batch_size",
		"queue_flush_interval":    "queue.flush_interval",
		"liststore_path":          "liststore.path",
		"liststore_sync_writes":   "liststore.sync_writes",
		"duckdb_path":             "database.path",
		"duckdb_max_memory":       "database.max_memory",
		"jwt_secret":              "security.jwt_secret",
		"token_ttl":               "security.token_ttl",
		"api_rate_limit":          "security.api_rate_limit",
		"cors_origins":            "security.cors_origins",
		"gateway_events_per_sec":  "gateway.events_per_second",
		"gateway_event_burst":     "gateway.event_burst",
		"gateway_check_origin":    "gateway.check_origin",
		"log_level":               "logging.level",
		"log_format":              "logging.format",
		"log_caller":              "logging.caller",
	}
	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	// Unknown variables are ignored rather than guessed into the tree.
	return ""
}
