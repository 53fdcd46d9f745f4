// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CDC extractor (C2), conversation assembler (C3), ML-result indexer (C4),
// and search index façade (C6) metrics. Named and shaped after the existing
// DLQ/NATS blocks: one counter/gauge/histogram var block plus a thin
// Record*/Update* helper per metric.
var (
	CDCRowsPolled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdc_rows_polled_total",
			Help: "Total number of changelog rows read by the CDC extractor",
		},
		[]string{"mode"}, // NORMAL, HISTORICAL
	)

	CDCPollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cdc_poll_duration_seconds",
			Help:    "Duration of one changelog poll cycle",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	CDCPollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdc_poll_errors_total",
			Help: "Total number of changelog poll cycles that returned an error",
		},
		[]string{"mode"},
	)

	AssemblerActiveBuffers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assembler_active_buffers",
			Help: "Current number of open conversation buffers",
		},
	)

	AssemblerSealed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assembler_sealed_total",
			Help: "Total number of conversation buffers sealed and emitted",
		},
		[]string{"reason"}, // inactivity, max_wait, soft_cap, source_drain
	)

	AssemblerLoopsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assembler_loops_detected_total",
			Help: "Total number of replay loops detected and short-circuited",
		},
	)

	AssemblerCircuitBreakersTripped = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assembler_circuit_breakers_tripped",
			Help: "Current number of calls with a tripped replay-loop circuit breaker",
		},
	)

	IndexerBatchesFlushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "indexer_batches_flushed_total",
			Help: "Total number of document batches bulk-indexed",
		},
	)

	IndexerBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "indexer_batch_size",
			Help:    "Number of documents in each bulk index request",
			Buckets: []float64{1, 5, 10, 25, 50, 100},
		},
	)

	IndexerDocumentErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "indexer_document_errors_total",
			Help: "Total number of documents rejected by a bulk index request",
		},
	)

	SearchIndexRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "searchindex_request_duration_seconds",
			Help:    "Duration of search index façade requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"}, // ensure_index, bulk_index, keyword_search, vector_search, hybrid_search, search_by_call_id
	)
)

// RecordCDCPoll records the outcome of one changelog poll cycle.
func RecordCDCPoll(mode string, rows int, duration time.Duration, err error) {
	CDCRowsPolled.WithLabelValues(mode).Add(float64(rows))
	CDCPollDuration.WithLabelValues(mode).Observe(duration.Seconds())
	if err != nil {
		CDCPollErrors.WithLabelValues(mode).Inc()
	}
}

// RecordAssemblerSeal records a conversation buffer being sealed and emitted.
func RecordAssemblerSeal(reason string) {
	AssemblerSealed.WithLabelValues(reason).Inc()
}

// RecordAssemblerLoop records a detected replay loop.
func RecordAssemblerLoop() {
	AssemblerLoopsDetected.Inc()
}

// UpdateAssemblerCircuitBreakersTripped sets the current tripped-circuit gauge.
func UpdateAssemblerCircuitBreakersTripped(n int) {
	AssemblerCircuitBreakersTripped.Set(float64(n))
}

// UpdateAssemblerActiveBuffers sets the current open-buffer gauge.
func UpdateAssemblerActiveBuffers(n int) {
	AssemblerActiveBuffers.Set(float64(n))
}

// RecordIndexerBatch records a bulk-index request and its per-document error count.
func RecordIndexerBatch(size, errored int) {
	IndexerBatchesFlushed.Inc()
	IndexerBatchSize.Observe(float64(size))
	if errored > 0 {
		IndexerDocumentErrors.Add(float64(errored))
	}
}

// RecordSearchIndexRequest records the duration of a search index façade call.
func RecordSearchIndexRequest(operation string, duration time.Duration) {
	SearchIndexRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
