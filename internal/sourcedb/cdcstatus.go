// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

package sourcedb

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/calltext/transcript-pipeline/internal/pipeline"
)

// GetCDCModeStatus reads the persisted status row for a polling mode,
// returning nil if the row has never been written.
func (db *DB) GetCDCModeStatus(ctx context.Context, mode pipeline.CDCMode) (*pipeline.CDCModeStatus, error) {
	const query = `
		SELECT mode, last_processed_timestamp, enabled, last_updated
		FROM cdc_mode_status WHERE mode = $1
	`
	row := db.Pool.QueryRow(ctx, query, string(mode))

	var status pipeline.CDCModeStatus
	var modeStr string
	err := row.Scan(&modeStr, &status.LastProcessedTimestamp, &status.Enabled, &status.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get CDC mode status: %w", err)
	}
	status.Mode = pipeline.CDCMode(modeStr)
	return &status, nil
}

// UpsertCDCModeStatus writes a status row, last-write-wins. Multiple
// extractor instances may race this call; the row reflects whichever
// write lands last, matching the spec's shared-row ownership model.
func (db *DB) UpsertCDCModeStatus(ctx context.Context, status pipeline.CDCModeStatus) error {
	const query = `
		INSERT INTO cdc_mode_status (mode, last_processed_timestamp, enabled, last_updated)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (mode) DO UPDATE SET
			last_processed_timestamp = EXCLUDED.last_processed_timestamp,
			enabled = EXCLUDED.enabled,
			last_updated = EXCLUDED.last_updated
	`
	_, err := db.Pool.Exec(ctx, query, string(status.Mode), status.LastProcessedTimestamp, status.Enabled, status.LastUpdated)
	if err != nil {
		return fmt.Errorf("upsert CDC mode status: %w", err)
	}
	return nil
}
