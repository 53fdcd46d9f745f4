// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

/*
Package metrics provides Prometheus metrics collection and export for observability.

This package implements application instrumentation using the Prometheus client
library. metrics.go holds the ambient metrics shared by every component (the
dead letter queue, the message bus, application identity/uptime); pipeline.go
holds the per-stage metrics for the CDC extractor (C2), conversation
assembler (C3), ML-result indexer (C4), and search index façade (C6).

# Metrics Endpoint

Metrics are exposed at the /metrics endpoint in Prometheus text format:

	curl http://localhost:9090/metrics

# Available Metrics

Dead Letter Queue:
  - dlq_entries_total, dlq_entries_by_category, dlq_messages_added_total,
    dlq_messages_removed_total, dlq_messages_expired_total,
    dlq_retry_attempts_total, dlq_retry_successes_total,
    dlq_retry_failures_total, dlq_oldest_entry_age_seconds

Message Bus (C1):
  - nats_messages_published_total, nats_messages_consumed_total,
    nats_messages_processed_total, nats_messages_deduplicated_total,
    nats_messages_parse_failed_total, nats_processing_duration_seconds,
    nats_batch_flush_duration_seconds, nats_batch_size, nats_queue_depth,
    nats_consumer_lag

CDC Extractor (C2):
  - cdc_rows_polled_total, cdc_poll_duration_seconds, cdc_poll_errors_total

Conversation Assembler (C3):
  - assembler_active_buffers, assembler_sealed_total,
    assembler_loops_detected_total

ML-Result Indexer (C4):
  - indexer_batches_flushed_total, indexer_batch_size,
    indexer_document_errors_total

Search Index Façade (C6):
  - searchindex_request_duration_seconds

System:
  - app_info, app_uptime_seconds

# Usage Example

	func main() {
	    metrics.SetAppInfo(version, runtime.Version())
	    http.Handle("/metrics", promhttp.Handler())
	}

# Thread Safety

All metric recording functions are thread-safe; the Prometheus client
library handles synchronization internally.
*/
package metrics
