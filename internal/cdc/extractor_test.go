// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

package cdc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calltext/transcript-pipeline/internal/pipeline"
)

type fakeSource struct {
	mu       sync.Mutex
	status   map[pipeline.CDCMode]*pipeline.CDCModeStatus
	batch    []pipeline.ChangeEvent
	fetchErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{status: make(map[pipeline.CDCMode]*pipeline.CDCModeStatus)}
}

func (f *fakeSource) GetCDCModeStatus(ctx context.Context, mode pipeline.CDCMode) (*pipeline.CDCModeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[mode], nil
}

func (f *fakeSource) UpsertCDCModeStatus(ctx context.Context, status pipeline.CDCModeStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := status
	f.status[status.Mode] = &s
	return nil
}

func (f *fakeSource) FetchChangesSince(ctx context.Context, since time.Time, limit int) ([]pipeline.ChangeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.batch, nil
}

func (f *fakeSource) FetchHistoricalChanges(ctx context.Context, from, to time.Time, limit int) ([]pipeline.ChangeEvent, error) {
	return f.FetchChangesSince(ctx, from, limit)
}

type fakePublisher struct {
	mu        sync.Mutex
	published []pipeline.ChangeEvent
	err       error
}

func (f *fakePublisher) PublishChange(ctx context.Context, event *pipeline.ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, *event)
	return nil
}

func testEvent(callID string, changeLogID int64, at time.Time) pipeline.ChangeEvent {
	return pipeline.ChangeEvent{
		CallID:          callID,
		ChangeType:      pipeline.ChangeTypeInsert,
		Owner:           pipeline.OwnerCustomer,
		Text:            "hello",
		ChangeLogID:     changeLogID,
		BAN:             "BAN-1",
		ChangeTimestamp: at,
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	src := newFakeSource()
	pub := &fakePublisher{}

	_, err := New(nil, pub, DefaultConfig())
	assert.Error(t, err)

	_, err = New(src, nil, DefaultConfig())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.BatchSize = 0
	_, err = New(src, pub, cfg)
	assert.Error(t, err)
}

func TestExtractor_Poll_PublishesAndAdvancesWatermark(t *testing.T) {
	src := newFakeSource()
	now := time.Now().UTC()
	src.batch = []pipeline.ChangeEvent{
		testEvent("call-1", 1, now),
		testEvent("call-1", 2, now.Add(time.Second)),
	}
	pub := &fakePublisher{}

	e, err := New(src, pub, DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, e.poll(context.Background()))

	assert.Len(t, pub.published, 2)
	status, err := src.GetCDCModeStatus(context.Background(), pipeline.CDCModeNormal)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.True(t, status.LastProcessedTimestamp.Equal(src.batch[1].ChangeTimestamp))
}

func TestExtractor_Poll_SkipsInvalidEvents(t *testing.T) {
	src := newFakeSource()
	src.batch = []pipeline.ChangeEvent{
		{CallID: "", ChangeType: pipeline.ChangeTypeInsert, ChangeLogID: 1}, // invalid: no callId
		testEvent("call-1", 2, time.Now()),
	}
	pub := &fakePublisher{}

	e, err := New(src, pub, DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, e.poll(context.Background()))
	assert.Len(t, pub.published, 1)
	assert.Equal(t, "call-1", pub.published[0].CallID)
}

func TestExtractor_Poll_FetchError(t *testing.T) {
	src := newFakeSource()
	src.fetchErr = errors.New("connection refused")
	pub := &fakePublisher{}

	e, err := New(src, pub, DefaultConfig())
	require.NoError(t, err)

	assert.Error(t, e.poll(context.Background()))
	assert.Empty(t, pub.published)
}

func TestExtractor_Poll_HistoricalModeAdvancesOwnWatermark(t *testing.T) {
	src := newFakeSource()
	now := time.Now().UTC()
	src.batch = []pipeline.ChangeEvent{testEvent("call-1", 1, now)}
	pub := &fakePublisher{}

	cfg := DefaultConfig()
	cfg.Mode = pipeline.CDCModeHistorical
	cfg.HistoricalFrom = now.Add(-time.Hour)
	cfg.HistoricalTo = now.Add(time.Hour)

	e, err := New(src, pub, cfg)
	require.NoError(t, err)

	require.NoError(t, e.poll(context.Background()))
	assert.Len(t, pub.published, 1)

	status, err := src.GetCDCModeStatus(context.Background(), pipeline.CDCModeHistorical)
	require.NoError(t, err)
	require.NotNil(t, status, "a historical poll must persist its own watermark so the next tick advances past the first page")
	assert.True(t, status.LastProcessedTimestamp.Equal(now))
	assert.True(t, status.Enabled)

	normalStatus, err := src.GetCDCModeStatus(context.Background(), pipeline.CDCModeNormal)
	require.NoError(t, err)
	assert.Nil(t, normalStatus, "historical mode must never mark rows as processed against the NORMAL mode's watermark")
}

func TestExtractor_Poll_HistoricalModeDisablesOnDrain(t *testing.T) {
	src := newFakeSource()
	now := time.Now().UTC()
	src.batch = nil
	pub := &fakePublisher{}

	cfg := DefaultConfig()
	cfg.Mode = pipeline.CDCModeHistorical
	cfg.HistoricalFrom = now.Add(-time.Hour)
	cfg.HistoricalTo = now.Add(time.Hour)

	e, err := New(src, pub, cfg)
	require.NoError(t, err)

	require.NoError(t, e.poll(context.Background()))
	assert.Empty(t, pub.published)

	status, err := src.GetCDCModeStatus(context.Background(), pipeline.CDCModeHistorical)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.False(t, status.Enabled, "a zero-row historical poll must disable the mode so the next read observes it as drained")
}

func TestExtractor_Poll_DisabledModeSkipsPoll(t *testing.T) {
	src := newFakeSource()
	src.status[pipeline.CDCModeHistorical] = &pipeline.CDCModeStatus{
		Mode:    pipeline.CDCModeHistorical,
		Enabled: false,
	}
	src.batch = []pipeline.ChangeEvent{testEvent("call-1", 1, time.Now().UTC())}
	pub := &fakePublisher{}

	cfg := DefaultConfig()
	cfg.Mode = pipeline.CDCModeHistorical

	e, err := New(src, pub, cfg)
	require.NoError(t, err)

	require.NoError(t, e.poll(context.Background()))
	assert.Empty(t, pub.published, "a disabled mode must not fetch or publish")
}

func TestExtractor_Serve_StopsOnContextCancel(t *testing.T) {
	src := newFakeSource()
	pub := &fakePublisher{}

	cfg := DefaultConfig()
	cfg.PollingInterval = 5 * time.Millisecond
	e, err := New(src, pub, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = e.Serve(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
