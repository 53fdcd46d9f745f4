// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

/*
Package config provides centralized configuration management for every
pipeline stage: the CDC extractor (C2), conversation assembler (C3),
ML-result indexer (C4), DLQ processor (C5), and the search index façade (C6).

# Configuration Sources

The package reads configuration from, in increasing order of precedence:
  - Built-in defaults
  - An optional YAML config file (config.yaml, or $CONFIG_PATH)
  - Environment variables

# Configuration Structure

The package organizes configuration into one section per pipeline concern:

  - BusConfig: NATS JetStream connection and Watermill router middleware
  - CDCConfig: changelog polling interval and batch size (C2)
  - AssemblerConfig: conversation buffer windowing and loop detection (C3)
  - IndexerConfig: ML-result batching (C4)
  - DLQConfig: retry budget and backoff (C5)
  - SourceDBConfig: relational source database connection pool
  - SearchIndexConfig: search index façade connection (C6)
  - ServerConfig / LoggingConfig: ambient HTTP health surface and logging

# Usage Example

	import "github.com/calltext/transcript-pipeline/internal/config"

	cfg, err := config.Load()
	if err != nil {
	    log.Fatalf("failed to load config: %v", err)
	}

	fmt.Printf("polling changelog every %s\n", cfg.CDC.PollingInterval)
	fmt.Printf("source database: %s\n", cfg.SourceDB.DSN)

# Validation

Load() validates required fields (sourcedb.dsn, searchindex.addresses, the
bus endpoint, and the batch-size invariants) and returns every violation
found in one error rather than failing on the first.

# Thread Safety

The Config struct is immutable after Load() returns, making it safe for
concurrent access from multiple goroutines without synchronization.
*/
package config
