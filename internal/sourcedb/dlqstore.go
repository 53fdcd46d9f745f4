// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

package sourcedb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/calltext/transcript-pipeline/internal/dlqproc"
	"github.com/calltext/transcript-pipeline/internal/logging"
	"github.com/calltext/transcript-pipeline/internal/pipeline"
)

// DLQStore defines the persistence backend for in-flight DLQ entries,
// backing dlqproc.PersistentHandler's write-behind model.
type DLQStore interface {
	Save(ctx context.Context, entry *dlqproc.Entry) error
	Get(ctx context.Context, key string) (*dlqproc.Entry, error)
	Update(ctx context.Context, entry *dlqproc.Entry) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]*dlqproc.Entry, error)
	DeleteExpired(ctx context.Context, olderThan time.Time) (int64, error)
	Count(ctx context.Context) (int64, error)

	// MovePermanent removes the entry from error_log and inserts it into
	// kafka_permanent_failures, exactly once, when its retry budget is
	// exhausted.
	MovePermanent(ctx context.Context, entry *dlqproc.Entry) error
}

// PostgresDLQStore implements DLQStore against the error_log and
// kafka_permanent_failures tables described in sourcedb.EnsureSchema.
type PostgresDLQStore struct {
	db *DB
}

// NewPostgresDLQStore creates a Postgres-backed DLQ store. Callers must
// have already run DB.EnsureSchema.
func NewPostgresDLQStore(db *DB) *PostgresDLQStore {
	return &PostgresDLQStore{db: db}
}

// Save persists a DLQ entry to error_log, upserting on conflict.
func (s *PostgresDLQStore) Save(ctx context.Context, entry *dlqproc.Entry) error {
	if entry == nil || entry.Record == nil {
		return errors.New("entry and record cannot be nil")
	}

	const query = `
		INSERT INTO error_log (
			message_key, original_stream, original_message, error,
			first_error_at, last_error, last_failure, next_retry,
			attempts, category
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (message_key) DO UPDATE SET
			last_error = EXCLUDED.last_error,
			last_failure = EXCLUDED.last_failure,
			next_retry = EXCLUDED.next_retry,
			attempts = EXCLUDED.attempts
	`

	_, err := s.db.Pool.Exec(ctx, query,
		entry.Key,
		entry.Record.OriginalStream,
		entry.Record.OriginalMessage,
		entry.Record.Error,
		entry.FirstFailure,
		entry.LastError,
		entry.LastFailure,
		entry.NextRetry,
		entry.Record.Attempts,
		int(entry.Category),
	)
	if err != nil {
		return fmt.Errorf("save DLQ entry: %w", err)
	}
	return nil
}

// Get retrieves a DLQ entry by its message key.
func (s *PostgresDLQStore) Get(ctx context.Context, key string) (*dlqproc.Entry, error) {
	const query = `
		SELECT message_key, original_stream, original_message, error,
			first_error_at, last_error, last_failure, next_retry,
			attempts, category
		FROM error_log WHERE message_key = $1
	`
	row := s.db.Pool.QueryRow(ctx, query, key)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

// Update modifies an existing entry's retry bookkeeping.
func (s *PostgresDLQStore) Update(ctx context.Context, entry *dlqproc.Entry) error {
	if entry == nil || entry.Record == nil {
		return errors.New("entry and record cannot be nil")
	}

	const query = `
		UPDATE error_log SET
			last_error = $1, last_failure = $2, next_retry = $3, attempts = $4
		WHERE message_key = $5
	`
	tag, err := s.db.Pool.Exec(ctx, query,
		entry.LastError, entry.LastFailure, entry.NextRetry, entry.Record.Attempts, entry.Key,
	)
	if err != nil {
		return fmt.Errorf("update DLQ entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("DLQ entry not found: %s", entry.Key)
	}
	return nil
}

// Delete removes an entry from error_log.
func (s *PostgresDLQStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.Pool.Exec(ctx, `DELETE FROM error_log WHERE message_key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete DLQ entry: %w", err)
	}
	return nil
}

// List returns every error_log entry, oldest first, for in-memory recovery
// on startup.
func (s *PostgresDLQStore) List(ctx context.Context) ([]*dlqproc.Entry, error) {
	const query = `
		SELECT message_key, original_stream, original_message, error,
			first_error_at, last_error, last_failure, next_retry,
			attempts, category
		FROM error_log ORDER BY first_error_at ASC
	`
	rows, err := s.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list DLQ entries: %w", err)
	}
	defer rows.Close()

	var entries []*dlqproc.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			logging.Warn().Err(err).Msg("failed to scan DLQ entry row")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// DeleteExpired removes entries older than olderThan.
func (s *PostgresDLQStore) DeleteExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM error_log WHERE first_error_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete expired DLQ entries: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		logging.Info().Int64("deleted", n).Time("older_than", olderThan).Msg("deleted expired DLQ entries")
	}
	return tag.RowsAffected(), nil
}

// Count returns the total number of entries in error_log.
func (s *PostgresDLQStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM error_log`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count DLQ entries: %w", err)
	}
	return count, nil
}

// MovePermanent records a permanently-failed record exactly once: insert
// into kafka_permanent_failures, then delete from error_log, inside one
// transaction so a crash between the two never loses or duplicates the
// record.
func (s *PostgresDLQStore) MovePermanent(ctx context.Context, entry *dlqproc.Entry) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin permanent-failure transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const insert = `
		INSERT INTO kafka_permanent_failures (
			message_key, original_stream, original_message, error, first_error_at, attempts
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_key) DO NOTHING
	`
	if _, err := tx.Exec(ctx, insert,
		entry.Key, entry.Record.OriginalStream, entry.Record.OriginalMessage,
		entry.Record.Error, entry.Record.FirstErrorAt, entry.Record.Attempts,
	); err != nil {
		return fmt.Errorf("insert permanent failure: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM error_log WHERE message_key = $1`, entry.Key); err != nil {
		return fmt.Errorf("delete error_log row after permanent failure: %w", err)
	}

	return tx.Commit(ctx)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*dlqproc.Entry, error) {
	var key, originalStream, originalMessage, errMsg, lastError string
	var attempts, category int
	var firstErrorAt, lastFailure, nextRetry time.Time

	if err := row.Scan(
		&key, &originalStream, &originalMessage, &errMsg,
		&firstErrorAt, &lastError, &lastFailure, &nextRetry,
		&attempts, &category,
	); err != nil {
		return nil, err
	}

	record := &pipeline.DLQRecord{
		OriginalStream:  originalStream,
		OriginalMessage: originalMessage,
		Error:           errMsg,
		FirstErrorAt:    firstErrorAt,
		Attempts:        attempts,
	}

	return &dlqproc.Entry{
		Record:        record,
		Key:           key,
		OriginalError: errMsg,
		LastError:     lastError,
		FirstFailure:  firstErrorAt,
		LastFailure:   lastFailure,
		NextRetry:     nextRetry,
		Category:      dlqproc.ErrorCategory(category),
	}, nil
}
