// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

// Package cdc implements the change-data-capture extractor (C2): a
// suture-supervised service that polls the source changelog on a fixed
// ticker in two independent modes, NORMAL (tail) and HISTORICAL (backfill),
// publishing every row it reads as a pipeline.ChangeEvent on the cdc-raw
// bus stream and advancing a persisted watermark per mode.
package cdc

import (
	"context"
	"fmt"
	"time"

	"github.com/calltext/transcript-pipeline/internal/logging"
	"github.com/calltext/transcript-pipeline/internal/metrics"
	"github.com/calltext/transcript-pipeline/internal/pipeline"
)

// ChangelogSource is the subset of internal/sourcedb.DB the extractor reads
// through. Defined locally (rather than imported) so cdc has no
// compile-time dependency on the database driver, mirroring
// internal/dlqproc.Store.
type ChangelogSource interface {
	GetCDCModeStatus(ctx context.Context, mode pipeline.CDCMode) (*pipeline.CDCModeStatus, error)
	UpsertCDCModeStatus(ctx context.Context, status pipeline.CDCModeStatus) error
	FetchChangesSince(ctx context.Context, since time.Time, limit int) ([]pipeline.ChangeEvent, error)
	FetchHistoricalChanges(ctx context.Context, from, to time.Time, limit int) ([]pipeline.ChangeEvent, error)
}

// ChangePublisher publishes a single ChangeEvent onto the bus. The
// production implementation wraps internal/eventprocessor.PublishPayload;
// defined as an interface here because that function is generic over the
// concrete *eventprocessor.Publisher and cannot itself be mocked.
type ChangePublisher interface {
	PublishChange(ctx context.Context, event *pipeline.ChangeEvent) error
}

// Config controls the extractor's polling cadence and batch size.
type Config struct {
	PollingInterval time.Duration
	BatchSize       int
	// Mode selects which mode this Extractor instance runs. A deployment
	// typically runs one NORMAL extractor and, on demand, one HISTORICAL
	// backfill extractor, each with its own persisted watermark row.
	Mode pipeline.CDCMode
	// HistoricalFrom/HistoricalTo bound a HISTORICAL backfill window. Unused
	// in NORMAL mode.
	HistoricalFrom time.Time
	HistoricalTo   time.Time
}

// DefaultConfig returns the NORMAL-mode polling defaults.
func DefaultConfig() Config {
	return Config{
		PollingInterval: 5 * time.Second,
		BatchSize:       100,
		Mode:            pipeline.CDCModeNormal,
	}
}

// Extractor polls the source database changelog and republishes rows onto
// the bus. It implements suture.Service so the supervisor tree restarts it
// on unexpected error, per the poll-cycle error being non-fatal by design:
// a failed poll simply retries on the next tick.
type Extractor struct {
	source    ChangelogSource
	publisher ChangePublisher
	cfg       Config
}

// New creates an Extractor for the given mode configuration.
func New(source ChangelogSource, publisher ChangePublisher, cfg Config) (*Extractor, error) {
	if source == nil {
		return nil, fmt.Errorf("cdc: source is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("cdc: publisher is required")
	}
	if cfg.PollingInterval <= 0 {
		return nil, fmt.Errorf("cdc: polling interval must be positive")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("cdc: batch size must be positive")
	}
	return &Extractor{source: source, publisher: publisher, cfg: cfg}, nil
}

// Serve implements suture.Service: poll on a fixed ticker until ctx is
// canceled. Each poll cycle is independent; an error from one cycle is
// logged and metered but does not stop the loop, since the next tick
// retries from the last successfully advanced watermark.
func (e *Extractor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.poll(ctx); err != nil {
				logging.Warn().Err(err).Str("mode", string(e.cfg.Mode)).Msg("cdc poll cycle failed")
			}
		}
	}
}

// String implements fmt.Stringer for suture's log output.
func (e *Extractor) String() string {
	return "cdc-extractor-" + string(e.cfg.Mode)
}

// poll runs one changelog read-and-publish cycle, advancing the persisted
// watermark only after every row in the batch has been published.
func (e *Extractor) poll(ctx context.Context) error {
	start := time.Now()

	status, err := e.source.GetCDCModeStatus(ctx, e.cfg.Mode)
	if err != nil {
		metrics.RecordCDCPoll(string(e.cfg.Mode), 0, time.Since(start), err)
		return fmt.Errorf("load cdc mode status: %w", err)
	}

	if status != nil && !status.Enabled {
		return nil
	}

	var since time.Time
	if status != nil {
		since = status.LastProcessedTimestamp
	}

	from := e.cfg.HistoricalFrom
	if status != nil && status.LastProcessedTimestamp.After(from) {
		from = status.LastProcessedTimestamp
	}

	var events []pipeline.ChangeEvent
	switch e.cfg.Mode {
	case pipeline.CDCModeHistorical:
		events, err = e.source.FetchHistoricalChanges(ctx, from, e.cfg.HistoricalTo, e.cfg.BatchSize)
	default:
		events, err = e.source.FetchChangesSince(ctx, since, e.cfg.BatchSize)
	}
	if err != nil {
		metrics.RecordCDCPoll(string(e.cfg.Mode), 0, time.Since(start), err)
		return fmt.Errorf("fetch changelog rows: %w", err)
	}

	for i := range events {
		if err := events[i].Validate(); err != nil {
			logging.Warn().Err(err).Str("callId", events[i].CallID).Msg("skipping invalid change event")
			continue
		}
		if err := e.publisher.PublishChange(ctx, &events[i]); err != nil {
			metrics.RecordCDCPoll(string(e.cfg.Mode), len(events), time.Since(start), err)
			return fmt.Errorf("publish change event: %w", err)
		}
	}

	metrics.RecordCDCPoll(string(e.cfg.Mode), len(events), time.Since(start), nil)

	// HISTORICAL mode tracks its own progress through HistoricalFrom, and
	// must persist that watermark every tick: otherwise from is pinned at
	// HistoricalFrom forever and the backfill keeps re-fetching the same
	// first page. Once a zero-row poll confirms the window is drained, the
	// mode disables itself so the next observable read sees Enabled=false.
	if e.cfg.Mode == pipeline.CDCModeHistorical {
		next := pipeline.CDCModeStatus{
			Mode:                   e.cfg.Mode,
			LastProcessedTimestamp: from,
			Enabled:                true,
			LastUpdated:            time.Now().UTC(),
		}
		if len(events) > 0 {
			next.LastProcessedTimestamp = events[len(events)-1].ChangeTimestamp
		} else {
			next.Enabled = false
		}
		return e.source.UpsertCDCModeStatus(ctx, next)
	}

	if len(events) == 0 {
		return nil
	}

	newWatermark := events[len(events)-1].ChangeTimestamp
	return e.source.UpsertCDCModeStatus(ctx, pipeline.CDCModeStatus{
		Mode:                   e.cfg.Mode,
		LastProcessedTimestamp: newWatermark,
		Enabled:                true,
		LastUpdated:            time.Now().UTC(),
	})
}
