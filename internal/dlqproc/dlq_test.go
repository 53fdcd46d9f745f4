// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

package dlqproc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calltext/transcript-pipeline/internal/pipeline"
)

func newTestRecord(stream string) *pipeline.DLQRecord {
	return &pipeline.DLQRecord{
		OriginalStream:  stream,
		OriginalMessage: `{"callId":"C1"}`,
		Error:           "boom",
	}
}

func TestHandler_AddAndGetEntry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RandomSeed = 1

	h, err := NewHandler(cfg)
	require.NoError(t, err)

	entry := h.AddEntry("k1", newTestRecord("ml-processing-queue"), NewRetryableError("connection refused", nil))
	require.NotNil(t, entry)
	assert.Equal(t, ErrorCategoryConnectivity, entry.Category)
	assert.Equal(t, 0, entry.RetryCount())

	got := h.GetEntry("k1")
	require.NotNil(t, got)
	assert.Equal(t, "k1", got.Key)
}

func TestHandler_IncrementRetry_ExhaustsBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	cfg.RandomSeed = 2

	h, err := NewHandler(cfg)
	require.NoError(t, err)

	h.AddEntry("k1", newTestRecord("ml-processing-queue"), errors.New("fail"))

	assert.True(t, h.IncrementRetry("k1", errors.New("fail again")))
	assert.True(t, h.IncrementRetry("k1", errors.New("fail again")))
	assert.False(t, h.IncrementRetry("k1", errors.New("fail again")))

	entry := h.GetEntry("k1")
	require.NotNil(t, entry)
	assert.Equal(t, 3, entry.RetryCount())
}

func TestHandler_RemoveEntry(t *testing.T) {
	h, err := NewHandler(DefaultConfig())
	require.NoError(t, err)

	h.AddEntry("k1", newTestRecord("ml-processing-queue"), errors.New("fail"))
	assert.True(t, h.RemoveEntry("k1"))
	assert.Nil(t, h.GetEntry("k1"))
	assert.False(t, h.RemoveEntry("k1"))
}

func TestHandler_Cleanup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetentionTime = time.Millisecond
	h, err := NewHandler(cfg)
	require.NoError(t, err)

	h.AddEntry("k1", newTestRecord("ml-processing-queue"), errors.New("fail"))
	time.Sleep(5 * time.Millisecond)

	removed := h.Cleanup()
	assert.Equal(t, 1, removed)
	assert.Nil(t, h.GetEntry("k1"))
}

func TestHandler_GetPendingRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond
	cfg.RandomSeed = 3
	h, err := NewHandler(cfg)
	require.NoError(t, err)

	h.AddEntry("k1", newTestRecord("ml-processing-queue"), errors.New("fail"))
	time.Sleep(5 * time.Millisecond)

	pending := h.GetPendingRetries()
	require.Len(t, pending, 1)
	assert.Equal(t, "k1", pending[0].Key)
}

func TestDLQRecord_LoopPrevention(t *testing.T) {
	record := &pipeline.DLQRecord{OriginalStream: "failed-records-dlq"}
	assert.True(t, record.IsLoopCandidate())

	record.OriginalStream = "ml-processing-queue"
	assert.False(t, record.IsLoopCandidate())
}

func TestAutoRetryWorker_SuccessRemovesEntry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond
	h, err := NewHandler(cfg)
	require.NoError(t, err)

	h.AddEntry("k1", newTestRecord("ml-processing-queue"), errors.New("fail"))
	time.Sleep(5 * time.Millisecond)

	worker := NewAutoRetryWorker(h, func(e *Entry) error { return nil }, AutoRetryConfig{
		RetryInterval:        time.Millisecond,
		MaxConcurrentRetries: 1,
	})

	worker.processPendingRetries(context.Background())
	assert.Nil(t, h.GetEntry("k1"))
}

func TestCategorizeErrorMessage(t *testing.T) {
	cases := map[string]ErrorCategory{
		"connection refused":       ErrorCategoryConnectivity,
		"request timed out":        ErrorCategoryConnectivity,
		"invalid payload":          ErrorCategoryDataFormat,
		"database error":           ErrorCategoryDataFormat,
		"capacity exceeded":        ErrorCategoryResourceLimit,
		"unauthorized request":     ErrorCategorySecurity,
		"call not found":           ErrorCategoryResourceMissing,
		"something else entirely":  ErrorCategoryUnknown,
	}
	for msg, want := range cases {
		assert.Equal(t, want, categorizeErrorMessage(msg), msg)
	}
}
