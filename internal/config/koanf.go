// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

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
)

// DefaultConfigPaths lists the paths where config files are searched in order of priority.
// The first file found will be used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/transcript-pipeline/config.yaml",
	"/etc/transcript-pipeline/config.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config struct with all sensible default values.
// These defaults are applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			URL:                 "nats://127.0.0.1:4222",
			EmbeddedServer:      false,
			StoreDir:            "/data/nats/jetstream",
			MaxMemory:           1 << 30,  // 1GB
			MaxStore:            10 << 30, // 10GB
			StreamRetentionDays: 7,
			SubscribersCount:    4,
			DurableName:         "transcript-pipeline",
			QueueGroup:          "pipeline",

			RouterRetryCount:           3,
			RouterRetryInitialInterval: 100 * time.Millisecond,
			RouterThrottlePerSecond:    0, // unlimited
			RouterDeduplicationEnabled: false,
			RouterDeduplicationTTL:     5 * time.Minute,
			RouterPoisonQueueEnabled:   true,
			RouterPoisonQueueTopic:     "failed-records-dlq",
			RouterCloseTimeout:         30 * time.Second,
		},
		CDC: CDCConfig{
			PollingInterval: 5 * time.Second,
			BatchSize:       100,
			Mode:            "NORMAL",
		},
		Assembler: AssemblerConfig{
			MaxWait:          5 * time.Minute,
			NormalTimeout:    3 * time.Minute,
			SoftCap:          1000,
			LoopWindow:       30 * time.Second,
			LoopThreshold:    10,
			AutoRecoverEvery: 5 * time.Second,
		},
		Indexer: IndexerConfig{
			BatchSize:    10,
			BatchTimeout: 30 * time.Second,
		},
		DLQ: DLQConfig{
			MaxAttempts:           3,
			RetryDelay:            60 * time.Second,
			MaxBackoff:            10 * time.Minute,
			NotificationThreshold: 10,
		},
		SourceDB: SourceDBConfig{
			DSN:             "",
			MaxConns:        50,
			MinConns:        10,
			MaxConnLifetime: time.Hour,
			ConnectTimeout:  10 * time.Second,
		},
		SearchIndex: SearchIndexConfig{
			Addresses:   nil,
			IndexPrefix: "transcripts",
		},
		Server: ServerConfig{
			Port:        8080,
			Host:        "0.0.0.0",
			Timeout:     30 * time.Second,
			Environment: "development",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// LoadWithKoanf loads configuration using the layered Koanf pipeline:
//  1. Defaults: Built-in sensible defaults
//  2. Config File: Optional YAML config file (if exists)
//  3. Environment Variables: Override any setting
//
// This function is the preferred way to load configuration and provides:
//   - Type-safe configuration unmarshaling
//   - Clear precedence: ENV > File > Defaults
//   - Support for nested configuration via koanf struct tags
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: Load defaults from struct
	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: Load config file (optional)
	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: Load environment variables (highest priority)
	// Transform environment variable names to koanf paths:
	// SOURCEDB_DSN -> sourcedb.dsn
	// DLQ_MAX_ATTEMPTS -> dlq.max_attempts
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Post-process slice fields from comma-separated strings
	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	// Unmarshal into Config struct
	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the path to the first file found, or empty string if none found.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// sliceConfigPaths defines which config paths should be parsed as comma-separated slices.
var sliceConfigPaths = []string{
	"searchindex.addresses",
}

// processSliceFields converts comma-separated string values to slices for known slice fields.
// This is necessary because env vars come in as strings, but the config expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		if strVal, ok := val.(string); ok {
			if strVal == "" {
				continue
			}
			parts := strings.Split(strVal, ",")
			trimmed := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					trimmed = append(trimmed, p)
				}
			}
			if len(trimmed) > 0 {
				if err := k.Set(path, trimmed); err != nil {
					return fmt.Errorf("failed to set %s: %w", path, err)
				}
			}
		}
	}
	return nil
}

// envTransformFunc transforms environment variable names to koanf config paths.
//
// Examples:
//   - SOURCEDB_DSN -> sourcedb.dsn
//   - DLQ_MAX_ATTEMPTS -> dlq.max_attempts
//   - CDC_POLLING_INTERVAL -> cdc.polling_interval
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Bus (NATS) mappings
		"nats_url":            "bus.url",
		"nats_embedded":       "bus.embedded_server",
		"nats_store_dir":      "bus.store_dir",
		"nats_max_memory":     "bus.max_memory",
		"nats_max_store":      "bus.max_store",
		"nats_retention_days": "bus.stream_retention_days",
		"nats_subscribers":    "bus.subscribers_count",
		"nats_durable_name":   "bus.durable_name",
		"nats_queue_group":    "bus.queue_group",

		"nats_router_retry_count":    "bus.router_retry_count",
		"nats_router_retry_interval": "bus.router_retry_initial_interval",
		"nats_router_throttle":       "bus.router_throttle_per_second",
		"nats_router_dedup_enabled":  "bus.router_deduplication_enabled",
		"nats_router_dedup_ttl":      "bus.router_deduplication_ttl",
		"nats_router_poison_enabled": "bus.router_poison_queue_enabled",
		"nats_router_poison_topic":   "bus.router_poison_queue_topic",
		"nats_router_close_timeout":  "bus.router_close_timeout",

		// CDC extractor (C2) mappings
		"cdc_polling_interval": "cdc.polling_interval",
		"cdc_batch_size":       "cdc.batch_size",
		"cdc_mode":             "cdc.mode",

		// Conversation assembler (C3) mappings
		"assembler_max_wait":          "assembler.max_wait",
		"assembler_normal_timeout":    "assembler.normal_timeout",
		"assembler_soft_cap":          "assembler.soft_cap",
		"assembler_loop_window":       "assembler.loop_window",
		"assembler_loop_threshold":    "assembler.loop_threshold",
		"assembler_auto_recover_every": "assembler.auto_recover_every",

		// ML-result indexer (C4) mappings
		"indexer_batch_size":    "indexer.batch_size",
		"indexer_batch_timeout": "indexer.batch_timeout",

		// DLQ processor (C5) mappings
		"dlq_max_attempts":           "dlq.max_attempts",
		"dlq_retry_delay":            "dlq.retry_delay",
		"dlq_max_backoff":            "dlq.max_backoff",
		"dlq_notification_threshold": "dlq.notification_threshold",

		// Source database mappings
		"sourcedb_dsn":               "sourcedb.dsn",
		"sourcedb_max_conns":         "sourcedb.max_conns",
		"sourcedb_min_conns":         "sourcedb.min_conns",
		"sourcedb_max_conn_lifetime": "sourcedb.max_conn_lifetime",
		"sourcedb_connect_timeout":   "sourcedb.connect_timeout",

		// Search index façade (C6) mappings
		"searchindex_addresses":    "searchindex.addresses",
		"searchindex_username":     "searchindex.username",
		"searchindex_password":     "searchindex.password",
		"searchindex_index_prefix": "searchindex.index_prefix",

		// Server mappings
		"http_port":   "server.port",
		"http_host":   "server.host",
		"http_timeout": "server.timeout",
		"environment": "server.environment",

		// Logging mappings
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	// For unmapped keys, return empty string to skip them.
	// This prevents random environment variables from polluting config.
	return ""
}

// GetKoanfInstance returns a new Koanf instance for advanced usage.
func GetKoanfInstance() *koanf.Koanf {
	return koanf.New(".")
}

// WatchConfigFile sets up a file watcher for hot-reload capability.
// Note: The caller is responsible for mutex protection when accessing
// configuration during reloads.
func WatchConfigFile(path string, callback func()) error {
	provider := file.Provider(path)

	return provider.Watch(func(event interface{}, err error) {
		if err != nil {
			return
		}
		callback()
	})
}
