// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

package sourcedb

import (
	"context"
	"fmt"
	"time"

	"github.com/calltext/transcript-pipeline/internal/pipeline"
)

// ChangelogRow wraps a pipeline.ChangeEvent as one row of the Verint
// text-analysis changelog. FetchChangesSince and FetchHistoricalChanges do
// not use it; they scan straight into pipeline.ChangeEvent.
type ChangelogRow struct {
	pipeline.ChangeEvent
}

// FetchChangesSince reads up to limit changelog rows with a change_timestamp
// strictly after since, ordered oldest-first so the caller can advance its
// watermark to the last row's ChangeTimestamp. The changelog/text tables
// belong to the Verint schema; this package only reads them.
func (db *DB) FetchChangesSince(ctx context.Context, since time.Time, limit int) ([]pipeline.ChangeEvent, error) {
	const query = `
		SELECT call_id, change_type, owner, text, text_time, call_time,
		       change_log_id, ban, subscriber_no, change_timestamp
		FROM verint_change_log
		WHERE change_timestamp > $1
		ORDER BY change_timestamp ASC
		LIMIT $2
	`
	rows, err := db.Pool.Query(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch changelog rows: %w", err)
	}
	defer rows.Close()

	var events []pipeline.ChangeEvent
	for rows.Next() {
		var e pipeline.ChangeEvent
		var changeType, owner string
		if err := rows.Scan(&e.CallID, &changeType, &owner, &e.Text, &e.TextTime, &e.CallTime,
			&e.ChangeLogID, &e.BAN, &e.SubscriberNo, &e.ChangeTimestamp); err != nil {
			return nil, fmt.Errorf("scan changelog row: %w", err)
		}
		e.ChangeType = pipeline.ChangeType(changeType)
		e.Owner = pipeline.Owner(owner)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changelog rows: %w", err)
	}
	return events, nil
}

// FetchHistoricalChanges reads changelog rows for the HISTORICAL backfill
// mode: a bounded window [from, to), also ordered oldest-first.
func (db *DB) FetchHistoricalChanges(ctx context.Context, from, to time.Time, limit int) ([]pipeline.ChangeEvent, error) {
	const query = `
		SELECT call_id, change_type, owner, text, text_time, call_time,
		       change_log_id, ban, subscriber_no, change_timestamp
		FROM verint_change_log
		WHERE change_timestamp >= $1 AND change_timestamp < $2
		ORDER BY change_timestamp ASC
		LIMIT $3
	`
	rows, err := db.Pool.Query(ctx, query, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch historical changelog rows: %w", err)
	}
	defer rows.Close()

	var events []pipeline.ChangeEvent
	for rows.Next() {
		var e pipeline.ChangeEvent
		var changeType, owner string
		if err := rows.Scan(&e.CallID, &changeType, &owner, &e.Text, &e.TextTime, &e.CallTime,
			&e.ChangeLogID, &e.BAN, &e.SubscriberNo, &e.ChangeTimestamp); err != nil {
			return nil, fmt.Errorf("scan historical changelog row: %w", err)
		}
		e.ChangeType = pipeline.ChangeType(changeType)
		e.Owner = pipeline.Owner(owner)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate historical changelog rows: %w", err)
	}
	return events, nil
}

// CountMessagesForCall reports how many non-deleted changelog rows exist
// for callID, used by the conversation assembler as the source-of-truth
// drain check: once its buffer has caught up to this count, the call has
// no message still in flight and can be sealed early.
func (db *DB) CountMessagesForCall(ctx context.Context, callID string) (int, error) {
	const query = `
		SELECT COUNT(*) FROM verint_change_log
		WHERE call_id = $1 AND change_type != 'DELETE'
	`
	var count int
	if err := db.Pool.QueryRow(ctx, query, callID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count changelog rows for call %s: %w", callID, err)
	}
	return count, nil
}
