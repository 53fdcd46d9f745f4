// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

package dlqproc

import (
	"context"
	"time"

	"github.com/calltext/transcript-pipeline/internal/logging"
	"github.com/calltext/transcript-pipeline/internal/pipeline"
)

// Store is the persistence backend PersistentHandler writes entries
// through to. internal/sourcedb.PostgresDLQStore is the production
// implementation; defined here (rather than imported) so dlqproc has no
// compile-time dependency on the database driver.
type Store interface {
	Save(ctx context.Context, entry *Entry) error
	Get(ctx context.Context, key string) (*Entry, error)
	Update(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]*Entry, error)
	DeleteExpired(ctx context.Context, olderThan time.Time) (int64, error)
	Count(ctx context.Context) (int64, error)
	MovePermanent(ctx context.Context, entry *Entry) error
}

// PersistentHandler wraps Handler with write-behind persistence: the
// in-memory MinHeap stays authoritative for the hot retry path, while
// every mutation is mirrored to Store asynchronously so entries survive a
// restart. Each async write uses a fresh background context with its own
// short timeout, never the caller's (often already-canceling) context, so
// a request's cancellation can't abort a persistence write that is
// logically independent of it.
type PersistentHandler struct {
	*Handler
	store Store
}

// NewPersistentHandler creates a DLQ handler with persistence, loading any
// entries recovered from a previous run.
func NewPersistentHandler(cfg Config, store Store) (*PersistentHandler, error) {
	handler, err := NewHandler(cfg)
	if err != nil {
		return nil, err
	}

	h := &PersistentHandler{Handler: handler, store: store}
	if err := h.loadPersistedEntries(); err != nil {
		logging.Warn().Err(err).Msg("failed to load persisted DLQ entries")
	}
	return h, nil
}

func (h *PersistentHandler) loadPersistedEntries() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := h.store.List(ctx)
	if err != nil {
		return err
	}

	h.mu.Lock()
	for _, entry := range entries {
		h.entries.Push(entry.Key, entry, entry.FirstFailure)
	}
	h.mu.Unlock()

	if len(entries) > 0 {
		logging.Info().Int("count", len(entries)).Msg("loaded DLQ entries from persistent storage")
	}
	return nil
}

// AddEntry adds a failed record to both the in-memory handler and the
// persistent store. Callers must never pass a record for which
// record.IsLoopCandidate() is true (the DLQ stream must never re-emit to
// itself).
func (h *PersistentHandler) AddEntry(key string, record *pipeline.DLQRecord, err error) *Entry {
	entry := h.Handler.AddEntry(key, record, err)
	if entry == nil {
		return nil
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if saveErr := h.store.Save(ctx, entry); saveErr != nil {
			logging.Error().Err(saveErr).Str("message_key", key).Msg("failed to persist DLQ entry")
		}
	}()

	return entry
}

// IncrementRetry updates the retry count in memory and mirrors it to the
// store. Once the retry budget is exhausted, the entry is moved to the
// permanent-failures table instead of being left in error_log forever.
func (h *PersistentHandler) IncrementRetry(key string, err error) bool {
	moreRetries := h.Handler.IncrementRetry(key, err)

	entry := h.GetEntry(key)
	if entry == nil {
		return moreRetries
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if moreRetries {
			if updateErr := h.store.Update(ctx, entry); updateErr != nil {
				logging.Error().Err(updateErr).Str("message_key", key).Msg("failed to persist DLQ retry update")
			}
			return
		}

		if moveErr := h.store.MovePermanent(ctx, entry); moveErr != nil {
			logging.Error().Err(moveErr).Str("message_key", key).Msg("failed to record permanent DLQ failure")
		}
	}()

	return moreRetries
}

// RemoveEntry removes the entry from both memory and the store, used when
// a retry finally succeeds.
func (h *PersistentHandler) RemoveEntry(key string) bool {
	removed := h.Handler.RemoveEntry(key)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if deleteErr := h.store.Delete(ctx, key); deleteErr != nil {
			logging.Error().Err(deleteErr).Str("message_key", key).Msg("failed to delete persisted DLQ entry")
		}
	}()

	return removed
}

// Cleanup removes expired entries from memory and the store.
func (h *PersistentHandler) Cleanup() int {
	count := h.Handler.Cleanup()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		cutoff := time.Now().Add(-h.config.RetentionTime)
		if _, deleteErr := h.store.DeleteExpired(ctx, cutoff); deleteErr != nil {
			logging.Error().Err(deleteErr).Msg("failed to cleanup persisted DLQ entries")
		}
	}()

	return count
}
