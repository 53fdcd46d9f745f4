// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

// Package indexer implements the ML-result indexer (C4): it joins each
// MLResult against the CustomerID its conversation assembly carried,
// batches the resulting IndexDocuments, and bulk-writes them to the
// per-tenant search index (C6).
package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/calltext/transcript-pipeline/internal/logging"
	"github.com/calltext/transcript-pipeline/internal/metrics"
	"github.com/calltext/transcript-pipeline/internal/pipeline"
)

// BulkIndexer is the subset of searchindex.Client the indexer writes
// through. Defined locally so this package has no compile-time dependency
// on the OpenSearch driver, mirroring internal/dlqproc.Store.
type BulkIndexer interface {
	EnsureIndex(ctx context.Context, customerID string) error
	BulkIndex(ctx context.Context, customerID string, docs []pipeline.IndexDocument) (errored int, err error)
}

// NotificationPublisher publishes an IndexNotification onto
// opensearch-bulk-index. Implemented by internal/eventprocessor.Publisher
// via PublishIndexNotification.
type NotificationPublisher interface {
	PublishIndexNotification(ctx context.Context, notification *pipeline.IndexNotification) error
}

// Store adapts BulkIndexer to internal/eventprocessor.BatchStore[IndexDocument]
// for use with Appender: one InsertBatch call may carry documents for
// several tenants, so it groups by CustomerID before writing, one bulk
// request per tenant.
type Store struct {
	client    BulkIndexer
	publisher NotificationPublisher
}

// NewStore creates an IndexDocument batch store over client. publisher may
// be nil, in which case bulk-index notifications are simply not emitted.
func NewStore(client BulkIndexer, publisher NotificationPublisher) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("indexer: search index client is required")
	}
	return &Store{client: client, publisher: publisher}, nil
}

// InsertBatch implements eventprocessor.BatchStore[pipeline.IndexDocument].
// On success it publishes an opensearch-bulk-index notification with the
// indexed callIds; on failure it publishes a failed notification and
// returns the error, and the Appender keeps the batch buffered for its
// next flush.
func (s *Store) InsertBatch(ctx context.Context, docs []pipeline.IndexDocument) error {
	if len(docs) == 0 {
		return nil
	}

	groups := make(map[string][]pipeline.IndexDocument)
	for _, doc := range docs {
		groups[doc.CustomerID] = append(groups[doc.CustomerID], doc)
	}

	callIDs := make([]string, 0, len(docs))
	for _, doc := range docs {
		callIDs = append(callIDs, doc.CallID)
	}

	var totalErrored int
	for customerID, group := range groups {
		if err := s.client.EnsureIndex(ctx, customerID); err != nil {
			s.notify(ctx, callIDs, len(docs), err)
			return fmt.Errorf("ensure index for tenant %s: %w", customerID, err)
		}
		errored, err := s.client.BulkIndex(ctx, customerID, group)
		if err != nil {
			s.notify(ctx, callIDs, len(docs), err)
			return fmt.Errorf("bulk index %d documents for tenant %s: %w", len(group), customerID, err)
		}
		totalErrored += errored
	}

	metrics.RecordIndexerBatch(len(docs), totalErrored)
	s.notify(ctx, callIDs, len(docs), nil)
	return nil
}

// notify publishes the opensearch-bulk-index observability notification
// for one InsertBatch call. A publish failure is logged, not returned: the
// bulk index write itself already succeeded or failed, and the
// notification is best-effort observability, not part of that outcome.
func (s *Store) notify(ctx context.Context, callIDs []string, batchSize int, batchErr error) {
	if s.publisher == nil {
		return
	}

	notification := &pipeline.IndexNotification{
		CallIDs:   callIDs,
		Status:    pipeline.IndexNotificationSuccess,
		BatchSize: batchSize,
		At:        time.Now().UTC(),
	}
	if batchErr != nil {
		notification.Status = pipeline.IndexNotificationFailed
		notification.Error = batchErr.Error()
	}

	if err := s.publisher.PublishIndexNotification(ctx, notification); err != nil {
		logging.Warn().Err(err).Int("batchSize", batchSize).Msg("failed to publish opensearch-bulk-index notification")
	}
}
