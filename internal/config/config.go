// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration loaded from environment variables
// and an optional config file. The single pipeline binary (cmd/pipeline)
// loads this one struct and hands each component (CDC extractor,
// conversation assembler, ML-result indexer, DLQ processor) only the
// sections relevant to it.
//
// Configuration Loading Order (Koanf v2):
//  1. Defaults: Built-in sensible defaults for all settings
//  2. Config File: Optional YAML config file (config.yaml) for persistent settings
//  3. Environment Variables: Override any setting via environment variables
//
// Configuration Categories:
//
//  1. Bus: NATS JetStream connection and Watermill router settings shared by
//     every stage (internal/eventprocessor).
//  2. CDC: polling cadence and batch size for the change-log extractor (C2).
//  3. Assembler: conversation-buffer windowing for C3.
//  4. Indexer: ML-enrichment batching for C4.
//  5. DLQ: retry budget and backoff for C5.
//  6. SourceDB: relational source database connection (C2, C5).
//  7. SearchIndex: search index façade connection (C6).
//  8. Server / Logging: ambient HTTP health surface and structured logging.
//
// Thread Safety:
// Config is immutable after Load() and safe for concurrent read access from
// multiple goroutines.
type Config struct {
	Bus         BusConfig         `koanf:"bus"`
	CDC         CDCConfig         `koanf:"cdc"`
	Assembler   AssemblerConfig   `koanf:"assembler"`
	Indexer     IndexerConfig     `koanf:"indexer"`
	DLQ         DLQConfig         `koanf:"dlq"`
	SourceDB    SourceDBConfig    `koanf:"sourcedb"`
	SearchIndex SearchIndexConfig `koanf:"searchindex"`
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// BusConfig holds NATS JetStream connection and Watermill router settings.
//
// Environment Variables:
//   - NATS_URL: NATS server connection URL
//   - NATS_EMBEDDED: run an embedded NATS server instead of connecting out
//   - NATS_STORE_DIR: JetStream storage directory
//   - NATS_RETENTION_DAYS: how long JetStream retains messages
//   - NATS_ROUTER_RETRY_COUNT / NATS_ROUTER_RETRY_INTERVAL: handler retry middleware
//   - NATS_ROUTER_THROTTLE: messages/sec throttle (0 = unlimited)
//   - NATS_ROUTER_POISON_ENABLED / NATS_ROUTER_POISON_TOPIC: loaded into
//     BusConfig but not passed to the router; cmd/pipeline always routes
//     failed messages to failed-records-dlq via the DLQ fallback middleware
type BusConfig struct {
	URL                 string `koanf:"url"`
	EmbeddedServer      bool   `koanf:"embedded_server"`
	StoreDir            string `koanf:"store_dir"`
	MaxMemory           int64  `koanf:"max_memory"`
	MaxStore            int64  `koanf:"max_store"`
	StreamRetentionDays int    `koanf:"stream_retention_days"`

	SubscribersCount int    `koanf:"subscribers_count"`
	DurableName      string `koanf:"durable_name"`
	QueueGroup       string `koanf:"queue_group"`

	RouterRetryCount           int           `koanf:"router_retry_count"`
	RouterRetryInitialInterval time.Duration `koanf:"router_retry_initial_interval"`
	RouterThrottlePerSecond    int           `koanf:"router_throttle_per_second"`
	RouterDeduplicationEnabled bool          `koanf:"router_deduplication_enabled"`
	RouterDeduplicationTTL     time.Duration `koanf:"router_deduplication_ttl"`
	RouterPoisonQueueEnabled   bool          `koanf:"router_poison_queue_enabled"`
	RouterPoisonQueueTopic     string        `koanf:"router_poison_queue_topic"`
	RouterCloseTimeout         time.Duration `koanf:"router_close_timeout"`
}

// CDCConfig holds the change-data-capture extractor's (C2) polling settings.
//
// Environment Variables:
//   - CDC_POLLING_INTERVAL: how often the extractor polls the changelog table
//   - CDC_BATCH_SIZE: max rows read per poll
//   - CDC_MODE: NORMAL (tail the changelog) or HISTORICAL (backfill)
type CDCConfig struct {
	PollingInterval time.Duration `koanf:"polling_interval"`
	BatchSize       int           `koanf:"batch_size"`
	Mode            string        `koanf:"mode"`
}

// AssemblerConfig holds the conversation assembler's (C3) windowing settings.
//
// Environment Variables:
//   - ASSEMBLER_MAX_WAIT: idle time after which a buffer holding both agent
//     and customer messages is sealed
//   - ASSEMBLER_NORMAL_TIMEOUT: inactivity timeout that seals a normal call
//   - ASSEMBLER_SOFT_CAP: message-count soft cap before forcing a seal
//   - ASSEMBLER_LOOP_WINDOW / ASSEMBLER_LOOP_THRESHOLD: replay-loop detection
//   - ASSEMBLER_AUTO_RECOVER_EVERY: interval of the sweep that checks every
//     open buffer for emission
type AssemblerConfig struct {
	MaxWait          time.Duration `koanf:"max_wait"`
	NormalTimeout    time.Duration `koanf:"normal_timeout"`
	SoftCap          int           `koanf:"soft_cap"`
	LoopWindow       time.Duration `koanf:"loop_window"`
	LoopThreshold    int           `koanf:"loop_threshold"`
	AutoRecoverEvery time.Duration `koanf:"auto_recover_every"`
}

// IndexerConfig holds the ML-result indexer's (C4) batching settings.
//
// Environment Variables:
//   - INDEXER_BATCH_SIZE: documents buffered before a bulk index request
//   - INDEXER_BATCH_TIMEOUT: max time a partial batch waits before flushing
type IndexerConfig struct {
	BatchSize    int           `koanf:"batch_size"`
	BatchTimeout time.Duration `koanf:"batch_timeout"`
}

// DLQConfig holds the dead-letter-queue processor's (C5) retry settings.
//
// Environment Variables:
//   - DLQ_MAX_ATTEMPTS: retries before a record is moved to permanent failure
//   - DLQ_RETRY_DELAY: initial backoff between retries
//   - DLQ_MAX_BACKOFF: backoff ceiling
//   - DLQ_NOTIFICATION_THRESHOLD: loaded into NotificationThreshold, which no
//     component reads; no alert or counter summary is published
type DLQConfig struct {
	MaxAttempts           int           `koanf:"max_attempts"`
	RetryDelay            time.Duration `koanf:"retry_delay"`
	MaxBackoff            time.Duration `koanf:"max_backoff"`
	NotificationThreshold int           `koanf:"notification_threshold"`
}

// SourceDBConfig holds the relational source database connection (the
// Verint changelog tables, CDC mode status, and the error_log /
// kafka_permanent_failures audit tables).
//
// Environment Variables:
//   - SOURCEDB_DSN: Postgres connection string
//   - SOURCEDB_MAX_CONNS / SOURCEDB_MIN_CONNS: pgxpool sizing
type SourceDBConfig struct {
	DSN             string        `koanf:"dsn"`
	MaxConns        int32         `koanf:"max_conns"`
	MinConns        int32         `koanf:"min_conns"`
	MaxConnLifetime time.Duration `koanf:"max_conn_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
}

// SearchIndexConfig holds the search index façade's (C6) connection settings.
//
// Environment Variables:
//   - SEARCHINDEX_ADDRESSES: comma-separated list of search index endpoints
//   - SEARCHINDEX_INDEX_PREFIX: tenant index name prefix (see pipeline.IndexName)
type SearchIndexConfig struct {
	Addresses   []string `koanf:"addresses"`
	Username    string   `koanf:"username"`
	Password    string   `koanf:"password"`
	IndexPrefix string   `koanf:"index_prefix"`
}

// ServerConfig holds the ambient HTTP health/metrics surface settings.
type ServerConfig struct {
	Port        int           `koanf:"port"`
	Host        string        `koanf:"host"`
	Timeout     time.Duration `koanf:"timeout"`
	Environment string        `koanf:"environment"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	Level string `koanf:"level"`
	// Format is the output format: json or console.
	Format string `koanf:"format"`
	// Caller includes caller file and line number in logs.
	Caller bool `koanf:"caller"`
}

// Validate checks required fields and returns an error describing every
// problem found, not just the first one.
func (c *Config) Validate() error {
	var errs []string

	if c.Bus.URL == "" && !c.Bus.EmbeddedServer {
		errs = append(errs, "bus.url is required unless bus.embedded_server is enabled")
	}
	if c.SourceDB.DSN == "" {
		errs = append(errs, "sourcedb.dsn is required")
	}
	if c.CDC.BatchSize <= 0 {
		errs = append(errs, "cdc.batch_size must be positive")
	}
	if c.Indexer.BatchSize <= 0 {
		errs = append(errs, "indexer.batch_size must be positive")
	}
	if c.DLQ.MaxAttempts <= 0 {
		errs = append(errs, "dlq.max_attempts must be positive")
	}
	if len(c.SearchIndex.Addresses) == 0 {
		errs = append(errs, "searchindex.addresses is required")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %v", errs)
}

// Load reads configuration from defaults, an optional config file, and
// environment variables, in that order of increasing precedence.
func Load() (*Config, error) {
	return LoadWithKoanf()
}
