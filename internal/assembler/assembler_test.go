// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

package assembler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calltext/transcript-pipeline/internal/pipeline"
)

type fakeAssemblyPublisher struct {
	mu        sync.Mutex
	published []*pipeline.ConversationAssembly
}

func (f *fakeAssemblyPublisher) PublishAssembly(ctx context.Context, assembly *pipeline.ConversationAssembly) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, assembly)
	return nil
}

func (f *fakeAssemblyPublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// fakeMessageCounter stands in for sourcedb.DB.CountMessagesForCall.
type fakeMessageCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newFakeMessageCounter() *fakeMessageCounter {
	return &fakeMessageCounter{counts: make(map[string]int)}
}

func (f *fakeMessageCounter) CountMessagesForCall(ctx context.Context, callID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[callID], nil
}

func (f *fakeMessageCounter) set(callID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[callID] = n
}

func testChangeEvent(callID string, changeLogID int64, text string) *pipeline.ChangeEvent {
	return testOwnedChangeEvent(callID, changeLogID, text, pipeline.OwnerCustomer)
}

func testOwnedChangeEvent(callID string, changeLogID int64, text string, owner pipeline.Owner) *pipeline.ChangeEvent {
	now := time.Now().UTC()
	return &pipeline.ChangeEvent{
		CallID:      callID,
		ChangeType:  pipeline.ChangeTypeInsert,
		Owner:       owner,
		Text:        text,
		TextTime:    now,
		ChangeLogID: changeLogID,
		BAN:         "BAN-1",
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	pub := &fakeAssemblyPublisher{}

	_, err := New(nil, nil, DefaultConfig())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.SoftCap = 0
	_, err = New(pub, nil, cfg)
	assert.Error(t, err)
}

func TestAssembler_HandleChangeEvent_AccumulatesBuffer(t *testing.T) {
	pub := &fakeAssemblyPublisher{}
	a, err := New(pub, nil, DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, a.HandleChangeEvent(context.Background(), testChangeEvent("call-1", 1, "hello")))
	require.NoError(t, a.HandleChangeEvent(context.Background(), testChangeEvent("call-1", 2, "world")))

	assert.Equal(t, 1, a.ActiveBufferCount())
	assert.Equal(t, 0, pub.count(), "buffer should not seal before a cap is tripped")
}

func TestAssembler_HandleChangeEvent_SoftCapSeals(t *testing.T) {
	pub := &fakeAssemblyPublisher{}
	cfg := DefaultConfig()
	cfg.SoftCap = 2
	a, err := New(pub, nil, cfg)
	require.NoError(t, err)

	require.NoError(t, a.HandleChangeEvent(context.Background(), testChangeEvent("call-1", 1, "hello")))
	require.NoError(t, a.HandleChangeEvent(context.Background(), testChangeEvent("call-1", 2, "world")))

	assert.Equal(t, 0, a.ActiveBufferCount())
	require.Equal(t, 1, pub.count())
	assert.Equal(t, 2, pub.published[0].MessageCount)
}

func TestAssembler_HandleChangeEvent_UpsertByIdentity(t *testing.T) {
	pub := &fakeAssemblyPublisher{}
	cfg := DefaultConfig()
	cfg.SoftCap = 5
	a, err := New(pub, nil, cfg)
	require.NoError(t, err)

	require.NoError(t, a.HandleChangeEvent(context.Background(), testChangeEvent("call-1", 1, "hello")))
	require.NoError(t, a.HandleChangeEvent(context.Background(), testChangeEvent("call-1", 1, "hello corrected")))

	require.NoError(t, a.seal(context.Background(), "call-1", reasonInactivity))
	require.Equal(t, 1, pub.count())
	assert.Equal(t, 1, pub.published[0].MessageCount)
}

func TestAssembler_HandleChangeEvent_Delete(t *testing.T) {
	pub := &fakeAssemblyPublisher{}
	a, err := New(pub, nil, DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, a.HandleChangeEvent(context.Background(), testChangeEvent("call-1", 1, "hello")))
	del := testChangeEvent("call-1", 1, "")
	del.ChangeType = pipeline.ChangeTypeDelete
	require.NoError(t, a.HandleChangeEvent(context.Background(), del))

	require.NoError(t, a.seal(context.Background(), "call-1", reasonInactivity))
	require.Equal(t, 1, pub.count())
	assert.Equal(t, 0, pub.published[0].MessageCount)
}

// TestAssembler_HandleChangeEvent_LoopDetection replays the SAME offset
// (changeLogId) more than the threshold, which is the actual replay-loop
// signature: a duplicate row delivered over and over, not a busy call with
// many distinct messages.
func TestAssembler_HandleChangeEvent_LoopDetection(t *testing.T) {
	pub := &fakeAssemblyPublisher{}
	cfg := DefaultConfig()
	cfg.LoopThreshold = 3
	cfg.LoopWindow = time.Minute
	cfg.SoftCap = 1000
	a, err := New(pub, nil, cfg)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, a.HandleChangeEvent(context.Background(), testChangeEvent("call-1", 1, "x")))
	}

	assert.True(t, a.CircuitBreakerTripped("call-1"))
	assert.Equal(t, 0, a.ActiveBufferCount(), "buffer must be discarded once the breaker trips")
	assert.Equal(t, 1, a.TrippedCircuitCount())
}

// TestAssembler_HandleChangeEvent_DistinctOffsetsDoNotTrip is the inverse:
// a busy but healthy call receiving many distinct changeLogIds must never
// trip the breaker, since each offset is a genuinely new row.
func TestAssembler_HandleChangeEvent_DistinctOffsetsDoNotTrip(t *testing.T) {
	pub := &fakeAssemblyPublisher{}
	cfg := DefaultConfig()
	cfg.LoopThreshold = 3
	cfg.LoopWindow = time.Minute
	cfg.SoftCap = 1000
	a, err := New(pub, nil, cfg)
	require.NoError(t, err)

	for i := int64(1); i <= 20; i++ {
		require.NoError(t, a.HandleChangeEvent(context.Background(), testChangeEvent("call-1", i, "x")))
	}

	assert.False(t, a.CircuitBreakerTripped("call-1"))
	assert.Equal(t, 1, a.ActiveBufferCount())

	a.mu.Lock()
	buf := a.buffers["call-1"]
	a.mu.Unlock()
	require.NotNil(t, buf)
	assert.Equal(t, 20, len(buf.Messages))
}

// TestAssembler_Sweep_SealsOnMessageCountAndIdle covers emission condition
// 2: at least 10 messages and idle past the normal timeout.
func TestAssembler_Sweep_SealsOnMessageCountAndIdle(t *testing.T) {
	pub := &fakeAssemblyPublisher{}
	cfg := DefaultConfig()
	cfg.NormalTimeout = time.Millisecond
	a, err := New(pub, nil, cfg)
	require.NoError(t, err)

	for i := int64(1); i <= 10; i++ {
		require.NoError(t, a.HandleChangeEvent(context.Background(), testChangeEvent("call-1", i, "hello")))
	}
	time.Sleep(5 * time.Millisecond)

	a.sweep(context.Background())
	assert.Equal(t, 0, a.ActiveBufferCount())
	require.Equal(t, 1, pub.count())
}

// TestAssembler_Sweep_DoesNotSealSparseIdleBuffer ensures a 1-message
// buffer does NOT seal on idle time alone: condition 2/3's count gate must
// actually gate, and condition 1 requires both speaker types.
func TestAssembler_Sweep_DoesNotSealSparseIdleBuffer(t *testing.T) {
	pub := &fakeAssemblyPublisher{}
	cfg := DefaultConfig()
	cfg.NormalTimeout = time.Millisecond
	cfg.MaxWait = time.Millisecond
	a, err := New(pub, nil, cfg)
	require.NoError(t, err)

	require.NoError(t, a.HandleChangeEvent(context.Background(), testChangeEvent("call-1", 1, "hello")))
	time.Sleep(5 * time.Millisecond)

	a.sweep(context.Background())
	assert.Equal(t, 1, a.ActiveBufferCount(), "a single-message, single-speaker buffer must not seal on idle time alone")
	assert.Equal(t, 0, pub.count())
}

// TestAssembler_Sweep_SealsOnBothSpeakersAndMaxWait covers emission
// condition 1: both speaker types present and idle past MaxWait, even
// with only two messages total.
func TestAssembler_Sweep_SealsOnBothSpeakersAndMaxWait(t *testing.T) {
	pub := &fakeAssemblyPublisher{}
	cfg := DefaultConfig()
	cfg.MaxWait = time.Millisecond
	cfg.NormalTimeout = time.Hour
	a, err := New(pub, nil, cfg)
	require.NoError(t, err)

	require.NoError(t, a.HandleChangeEvent(context.Background(), testOwnedChangeEvent("call-1", 1, "hi", pipeline.OwnerAgent)))
	require.NoError(t, a.HandleChangeEvent(context.Background(), testOwnedChangeEvent("call-1", 2, "hi back", pipeline.OwnerCustomer)))
	time.Sleep(5 * time.Millisecond)

	a.sweep(context.Background())
	assert.Equal(t, 0, a.ActiveBufferCount())
	require.Equal(t, 1, pub.count())
}

// TestAssembler_Sweep_SealsOnSourceDrain covers emission condition 4: the
// source DB confirms no further rows are pending for the call, even
// though the buffer is still small and recently active.
func TestAssembler_Sweep_SealsOnSourceDrain(t *testing.T) {
	pub := &fakeAssemblyPublisher{}
	counter := newFakeMessageCounter()
	cfg := DefaultConfig()
	cfg.NormalTimeout = time.Hour
	cfg.MaxWait = time.Hour
	a, err := New(pub, counter, cfg)
	require.NoError(t, err)

	require.NoError(t, a.HandleChangeEvent(context.Background(), testChangeEvent("call-1", 1, "hello")))
	counter.set("call-1", 1)

	a.sweep(context.Background())
	assert.Equal(t, 0, a.ActiveBufferCount())
	require.Equal(t, 1, pub.count())
}

// TestAssembler_Sweep_NoSourceDrainWithoutCounter confirms condition 4 is
// simply disabled, not a panic, when no MessageCounter is configured.
func TestAssembler_Sweep_NoSourceDrainWithoutCounter(t *testing.T) {
	pub := &fakeAssemblyPublisher{}
	cfg := DefaultConfig()
	cfg.NormalTimeout = time.Hour
	cfg.MaxWait = time.Hour
	a, err := New(pub, nil, cfg)
	require.NoError(t, err)

	require.NoError(t, a.HandleChangeEvent(context.Background(), testChangeEvent("call-1", 1, "hello")))
	a.sweep(context.Background())
	assert.Equal(t, 1, a.ActiveBufferCount())
	assert.Equal(t, 0, pub.count())
}

func TestAssembler_ResetExpiredBreakers(t *testing.T) {
	pub := &fakeAssemblyPublisher{}
	cfg := DefaultConfig()
	cfg.LoopThreshold = 3
	cfg.LoopWindow = time.Minute
	a, err := New(pub, nil, cfg)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, a.HandleChangeEvent(context.Background(), testChangeEvent("call-1", 1, "x")))
	}
	require.True(t, a.CircuitBreakerTripped("call-1"))

	a.resetExpiredBreakers(time.Now().UTC())
	assert.True(t, a.CircuitBreakerTripped("call-1"), "a fresh trip must not reset before breakerTripExpiry")

	a.resetExpiredBreakers(time.Now().UTC().Add(breakerTripExpiry + time.Second))
	assert.False(t, a.CircuitBreakerTripped("call-1"))
}

func TestAssembler_Serve_StopsOnContextCancel(t *testing.T) {
	pub := &fakeAssemblyPublisher{}
	cfg := DefaultConfig()
	cfg.AutoRecoverEvery = 5 * time.Millisecond
	a, err := New(pub, nil, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = a.Serve(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
