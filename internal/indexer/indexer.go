// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/calltext/transcript-pipeline/internal/cache"
	"github.com/calltext/transcript-pipeline/internal/eventprocessor"
	"github.com/calltext/transcript-pipeline/internal/logging"
	"github.com/calltext/transcript-pipeline/internal/pipeline"
)

// tenantCacheTTL bounds how long a CallID->CustomerID join entry survives.
// An MLResult normally follows its ConversationAssembly within seconds; this
// only needs to outlive the ML enrichment service's own processing latency.
const tenantCacheTTL = 24 * time.Hour

// Config controls the batching behavior of the underlying Appender.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns the batching defaults.
func DefaultConfig() Config {
	return Config{BatchSize: 100, FlushInterval: 5 * time.Second}
}

// Indexer is the ML-result indexer (C4). It joins each MLResult against the
// CustomerID its ConversationAssembly carried (MLResult itself has no tenant
// field), converts the joined pair into an IndexDocument, and batches the
// writes through an Appender backed by a tenant-grouping Store.
type Indexer struct {
	tenants  cache.Cacher
	appender *eventprocessor.Appender[pipeline.IndexDocument]
}

// New creates an Indexer writing through client via a batching Appender.
// publisher may be nil, in which case opensearch-bulk-index notifications
// are not emitted.
func New(client BulkIndexer, publisher NotificationPublisher, cfg Config) (*Indexer, error) {
	store, err := NewStore(client, publisher)
	if err != nil {
		return nil, err
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}

	appender, err := eventprocessor.NewAppender[pipeline.IndexDocument](store, eventprocessor.AppenderConfig{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("indexer: create appender: %w", err)
	}

	return &Indexer{
		tenants:  cache.NewTTL(tenantCacheTTL),
		appender: appender,
	}, nil
}

// Serve implements suture.Service: it starts the appender's periodic flush
// loop and blocks until ctx is canceled, flushing any buffered documents on
// the way out.
func (ix *Indexer) Serve(ctx context.Context) error {
	if err := ix.appender.Start(ctx); err != nil {
		return fmt.Errorf("indexer: start appender: %w", err)
	}
	<-ctx.Done()
	if err := ix.appender.Close(); err != nil {
		logging.Error().Err(err).Msg("failed to close indexer appender")
	}
	return ctx.Err()
}

// String implements fmt.Stringer for suture's log output.
func (ix *Indexer) String() string { return "ml-result-indexer" }

// HandleAssembly records the CallID->CustomerID mapping from a sealed
// ConversationAssembly, so a later MLResult for the same call can be
// stamped with its owning tenant. This is the conv-assembled subscriber's
// handler.
func (ix *Indexer) HandleAssembly(_ context.Context, assembly *pipeline.ConversationAssembly) error {
	ix.tenants.Set(assembly.CallID, assembly.CustomerID)
	return nil
}

// HandleMLResult validates an MLResult, joins it against the cached
// CustomerID for its call, and appends the resulting IndexDocument for
// batched writing. This is the ml-processing-queue subscriber's handler.
func (ix *Indexer) HandleMLResult(ctx context.Context, result *pipeline.MLResult) error {
	if err := result.Validate(); err != nil {
		return fmt.Errorf("indexer: invalid ml result: %w", err)
	}

	customerID, ok := ix.tenants.Get(result.CallID)
	if !ok {
		logging.Warn().Str("callId", result.CallID).
			Msg("no cached tenant for ml result, conversation assembly not seen or expired")
		return fmt.Errorf("indexer: no cached tenant for call %s", result.CallID)
	}

	doc := pipeline.NewIndexDocument(result, customerID.(string))
	return ix.appender.Append(ctx, *doc)
}
