// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

// Package assembler implements the conversation assembler (C3): it
// consumes cdc-raw ChangeEvents, accumulates them into per-call
// ConversationBuffers by (CallID, ChangeLogID) identity, and seals each
// buffer into a ConversationAssembly once the call goes quiet, hits its
// hard time cap, trips the soft message-count cap, or the source database
// confirms no further messages are pending — publishing the result on
// conv-assembled.
package assembler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/calltext/transcript-pipeline/internal/cache"
	"github.com/calltext/transcript-pipeline/internal/logging"
	"github.com/calltext/transcript-pipeline/internal/metrics"
	"github.com/calltext/transcript-pipeline/internal/pipeline"
)

// seal reasons, used for the assembler_sealed_total metric and log lines.
const (
	reasonInactivity  = "inactivity"
	reasonMaxWait     = "max_wait"
	reasonSoftCap     = "soft_cap"
	reasonSourceDrain = "source_drain"
)

// activityDampingWindow matches the buffer's own UpsertMessage contract:
// bursts of changes within this window collapse to a single LastActivity
// bump, so a rapid-fire correction doesn't reset the inactivity timer on
// every row.
const activityDampingWindow = 500 * time.Millisecond

// Circuit-breaker constants, per the replay-loop detector's auto-recovery
// rule: the breaker resets once a trip is at least breakerTripExpiry old
// and both the buffer map and the loop-tracking map are small enough that
// a backlog isn't masquerading as a healed call.
const (
	breakerResetInterval    = 30 * time.Second
	breakerTripExpiry       = 5 * time.Minute
	breakerBufferThreshold  = 500
	breakerTrackerThreshold = 50
)

// highMessageCountThreshold and veryHighMessageCountThreshold gate
// emission conditions 2 and 3 of the shouldEmit policy.
const (
	highMessageCountThreshold     = 10
	veryHighMessageCountThreshold = 50
	veryHighTimeoutMultiplier     = 1.5
)

// AssemblyPublisher publishes a sealed ConversationAssembly onto the bus.
// Implemented by internal/eventprocessor.Publisher via PublishAssembly.
type AssemblyPublisher interface {
	PublishAssembly(ctx context.Context, assembly *pipeline.ConversationAssembly) error
}

// MessageCounter queries the source-of-truth message count for a call.
// Implemented by internal/sourcedb.DB via CountMessagesForCall. Used by
// emission condition 4: once the buffer has caught up to every changelog
// row the source knows about for a call, the buffer is safe to seal
// without waiting out the idle timers. Optional — a nil MessageCounter
// simply disables condition 4.
type MessageCounter interface {
	CountMessagesForCall(ctx context.Context, callID string) (int, error)
}

// Config controls the assembler's windowing and loop-detection behavior.
type Config struct {
	// MaxWait is the hard cap on how long a buffer may stay open past its
	// last activity once both speaker types are present.
	MaxWait time.Duration
	// NormalTimeout seals a buffer after this much inactivity, once the
	// message count reaches highMessageCountThreshold.
	NormalTimeout time.Duration
	// SoftCap forces a seal once a buffer's message count reaches this
	// value, bounding memory for unusually long calls.
	SoftCap int
	// LoopWindow/LoopThreshold detect a replay loop: the same
	// (callId, changeType, offset) identity recurring more than
	// LoopThreshold times within LoopWindow.
	LoopWindow    time.Duration
	LoopThreshold int
	// AutoRecoverEvery is the periodic sweep interval that evaluates every
	// open buffer's emission eligibility.
	AutoRecoverEvery time.Duration
}

// DefaultConfig returns the windowing defaults.
func DefaultConfig() Config {
	return Config{
		MaxWait:          5 * time.Minute,
		NormalTimeout:    3 * time.Minute,
		SoftCap:          1000,
		LoopWindow:       30 * time.Second,
		LoopThreshold:    10,
		AutoRecoverEvery: 5 * time.Second,
	}
}

// loopTracker remembers the last (changeType, offset) seen for one callId
// within a sliding window, so the breaker can tell a true replay (the same
// offset recurring) from ordinary conversation growth (distinct offsets).
type loopTracker struct {
	changeType  pipeline.ChangeType
	offset      int64
	windowStart time.Time
	count       int
}

// Assembler holds every open ConversationBuffer in memory, keyed by
// CallID. The activity heap records each open buffer's LastActivity and is
// updated on every change and removal, but nothing reads from it: sweep
// scans the whole map, and the soft cap seals a single buffer once it holds
// SoftCap messages. Buffers are not evicted when the map itself grows.
type Assembler struct {
	mu        sync.Mutex
	buffers   map[string]*pipeline.ConversationBuffer
	activity  *cache.MinHeap[string]
	loops     map[string]*loopTracker
	tripped   map[string]time.Time
	cfg       Config
	publisher AssemblyPublisher
	counter   MessageCounter
}

// New creates an Assembler. counter may be nil, in which case emission
// condition 4 (the source-of-truth drain check) is disabled.
func New(publisher AssemblyPublisher, counter MessageCounter, cfg Config) (*Assembler, error) {
	if publisher == nil {
		return nil, fmt.Errorf("assembler: publisher is required")
	}
	if cfg.NormalTimeout <= 0 || cfg.MaxWait <= 0 {
		return nil, fmt.Errorf("assembler: normal timeout and max wait must be positive")
	}
	if cfg.SoftCap <= 0 {
		return nil, fmt.Errorf("assembler: soft cap must be positive")
	}
	return &Assembler{
		buffers:   make(map[string]*pipeline.ConversationBuffer),
		activity:  cache.NewMinHeap[string](0),
		loops:     make(map[string]*loopTracker),
		tripped:   make(map[string]time.Time),
		cfg:       cfg,
		publisher: publisher,
		counter:   counter,
	}, nil
}

// HandleChangeEvent applies one ChangeEvent to its call's buffer, sealing
// and publishing the buffer if the update trips the soft cap, or
// discarding the buffer if a replay loop is detected. This is the method
// wired as the cdc-raw subscriber's handler.
func (a *Assembler) HandleChangeEvent(ctx context.Context, event *pipeline.ChangeEvent) error {
	now := time.Now().UTC()

	a.mu.Lock()

	if _, isTripped := a.tripped[event.CallID]; isTripped {
		a.mu.Unlock()
		metrics.RecordAssemblerLoop()
		logging.Warn().Str("callId", event.CallID).Msg("circuit breaker tripped, dropping change event")
		return nil
	}

	if a.isLoopLocked(event.CallID, event.ChangeType, event.ChangeLogID, now) {
		delete(a.buffers, event.CallID)
		delete(a.loops, loopKey(event.CallID, event.ChangeType))
		a.activity.Remove(event.CallID)
		a.tripped[event.CallID] = now
		metrics.UpdateAssemblerActiveBuffers(len(a.buffers))
		metrics.UpdateAssemblerCircuitBreakersTripped(len(a.tripped))
		a.mu.Unlock()
		metrics.RecordAssemblerLoop()
		logging.Warn().Str("callId", event.CallID).Str("changeType", string(event.ChangeType)).
			Int64("offset", event.ChangeLogID).
			Msg("replay loop detected, circuit breaker tripped and buffer discarded")
		return nil
	}

	buf, exists := a.buffers[event.CallID]
	if !exists {
		buf = &pipeline.ConversationBuffer{
			CallID:       event.CallID,
			CustomerID:   event.BAN,
			SubscriberID: event.SubscriberNo,
			LastActivity: now,
		}
		a.buffers[event.CallID] = buf
		metrics.UpdateAssemblerActiveBuffers(len(a.buffers))
	}

	switch event.ChangeType {
	case pipeline.ChangeTypeDelete:
		changeLogID := event.ChangeLogID
		buf.RemoveMessage(changeLogID)
	default:
		msg := pipeline.ConversationMessage{
			CallID:      event.CallID,
			ChangeLogID: event.ChangeLogID,
			Speaker:     event.Speaker(),
			Text:        event.Text,
			Timestamp:   event.TextTime,
		}
		buf.UpsertMessage(msg)
	}

	if now.Sub(buf.LastActivity) >= activityDampingWindow {
		buf.LastActivity = now
	}
	a.activity.Push(event.CallID, event.CallID, buf.LastActivity)

	shouldSeal := len(buf.Messages) >= a.cfg.SoftCap
	a.mu.Unlock()

	if shouldSeal {
		return a.seal(ctx, event.CallID, reasonSoftCap)
	}
	return nil
}

// loopKey scopes the replay-loop tracker by (callId, changeType), per the
// breaker's identity: the same call can have independent INSERT/UPDATE/
// DELETE replay streams.
func loopKey(callID string, changeType pipeline.ChangeType) string {
	return callID + "|" + string(changeType)
}

// isLoopLocked reports whether (callID, changeType, offset) has recurred
// with the same offset more than LoopThreshold times within LoopWindow. A
// different offset for the same identity is ordinary conversation growth
// and resets the tracker rather than tripping it. Must be called with
// a.mu held.
func (a *Assembler) isLoopLocked(callID string, changeType pipeline.ChangeType, offset int64, now time.Time) bool {
	key := loopKey(callID, changeType)
	t, ok := a.loops[key]
	if !ok || t.offset != offset || now.Sub(t.windowStart) > a.cfg.LoopWindow {
		a.loops[key] = &loopTracker{changeType: changeType, offset: offset, windowStart: now, count: 1}
		return false
	}
	t.count++
	return t.count > a.cfg.LoopThreshold
}

// CircuitBreakerTripped reports whether callID's replay-loop circuit
// breaker is currently tripped.
func (a *Assembler) CircuitBreakerTripped(callID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.tripped[callID]
	return ok
}

// TrippedCircuitCount reports how many calls currently have a tripped
// circuit breaker.
func (a *Assembler) TrippedCircuitCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tripped)
}

// Serve implements suture.Service: a sweep ticker periodically evaluates
// every open buffer's emission eligibility, and a separate ticker
// auto-resets circuit breakers that have quiesced.
func (a *Assembler) Serve(ctx context.Context) error {
	sweepTicker := time.NewTicker(a.sweepInterval())
	defer sweepTicker.Stop()

	resetTicker := time.NewTicker(breakerResetInterval)
	defer resetTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweepTicker.C:
			a.sweep(ctx)
		case <-resetTicker.C:
			a.resetExpiredBreakers(time.Now().UTC())
		}
	}
}

// String implements fmt.Stringer for suture's log output.
func (a *Assembler) String() string { return "conversation-assembler" }

func (a *Assembler) sweepInterval() time.Duration {
	if a.cfg.AutoRecoverEvery > 0 {
		return a.cfg.AutoRecoverEvery
	}
	return time.Minute
}

// resetExpiredBreakers clears any circuit-breaker trip at least
// breakerTripExpiry old, but only while the assembler's overall state is
// quiet enough (few open buffers, few loop trackers) that a genuine
// backlog isn't being mistaken for a healed call.
func (a *Assembler) resetExpiredBreakers(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.buffers) >= breakerBufferThreshold || len(a.loops) >= breakerTrackerThreshold {
		return
	}
	for callID, trippedAt := range a.tripped {
		if now.Sub(trippedAt) >= breakerTripExpiry {
			delete(a.tripped, callID)
			logging.Info().Str("callId", callID).Msg("circuit breaker auto-reset")
		}
	}
	metrics.UpdateAssemblerCircuitBreakersTripped(len(a.tripped))
}

// sweep evaluates shouldEmit's four disjunctive conditions for every open
// buffer and seals whichever buffers qualify. Conditions 1-3 are pure
// wall-clock/message-count checks and are evaluated under the lock;
// condition 4 requires a source-DB round trip per buffer and is evaluated
// afterward, outside the lock, only for buffers conditions 1-3 didn't
// already select.
func (a *Assembler) sweep(ctx context.Context) {
	now := time.Now().UTC()

	a.mu.Lock()
	due := make(map[string]string, len(a.buffers))
	var pending []string
	for callID, buf := range a.buffers {
		if reason, ok := emissionReason(buf, now, a.cfg); ok {
			due[callID] = reason
		} else {
			pending = append(pending, callID)
		}
	}
	a.mu.Unlock()

	if a.counter != nil {
		for _, callID := range pending {
			if a.sourceDrained(ctx, callID) {
				due[callID] = reasonSourceDrain
			}
		}
	}

	for callID, reason := range due {
		if err := a.seal(ctx, callID, reason); err != nil {
			logging.Error().Err(err).Str("callId", callID).Msg("failed to seal conversation buffer")
		}
	}
}

// emissionReason implements shouldEmit conditions 1-3: the wall-clock and
// message-count gates that require no I/O.
func emissionReason(buf *pipeline.ConversationBuffer, now time.Time, cfg Config) (string, bool) {
	idle := now.Sub(buf.LastActivity)
	count := len(buf.Messages)

	if idle > cfg.MaxWait && hasBothSpeakers(buf) {
		return reasonMaxWait, true
	}
	if count >= highMessageCountThreshold && idle > cfg.NormalTimeout {
		return reasonInactivity, true
	}
	if count >= veryHighMessageCountThreshold &&
		idle > time.Duration(float64(cfg.NormalTimeout)*veryHighTimeoutMultiplier) {
		return reasonInactivity, true
	}
	return "", false
}

// hasBothSpeakers reports whether buf contains at least one agent message
// and at least one customer message.
func hasBothSpeakers(buf *pipeline.ConversationBuffer) bool {
	var agent, customer bool
	for _, m := range buf.Messages {
		switch m.Speaker {
		case "agent":
			agent = true
		case "customer":
			customer = true
		}
		if agent && customer {
			return true
		}
	}
	return false
}

// sourceDrained implements shouldEmit condition 4: the source DB's
// message count for callID has been caught up to by the buffer, meaning
// no changelog row for this call is still in flight.
func (a *Assembler) sourceDrained(ctx context.Context, callID string) bool {
	a.mu.Lock()
	buf, exists := a.buffers[callID]
	var bufCount int
	if exists {
		bufCount = len(buf.Messages)
	}
	a.mu.Unlock()
	if !exists {
		return false
	}

	dbCount, err := a.counter.CountMessagesForCall(ctx, callID)
	if err != nil {
		logging.Warn().Err(err).Str("callId", callID).Msg("source-of-truth message count check failed")
		return false
	}
	return dbCount > 0 && bufCount >= dbCount
}

// seal removes a buffer, converts it to a ConversationAssembly, and
// publishes it. Safe to call concurrently for different callIDs; callers
// must not hold a.mu.
func (a *Assembler) seal(ctx context.Context, callID, reason string) error {
	a.mu.Lock()
	buf, exists := a.buffers[callID]
	if !exists {
		a.mu.Unlock()
		return nil
	}
	delete(a.buffers, callID)
	for key := range a.loops {
		if key == loopKey(callID, pipeline.ChangeTypeInsert) ||
			key == loopKey(callID, pipeline.ChangeTypeUpdate) ||
			key == loopKey(callID, pipeline.ChangeTypeDelete) {
			delete(a.loops, key)
		}
	}
	a.activity.Remove(callID)
	metrics.UpdateAssemblerActiveBuffers(len(a.buffers))
	a.mu.Unlock()

	assembly := pipeline.NewConversationAssembly(buf)
	if err := a.publisher.PublishAssembly(ctx, assembly); err != nil {
		return fmt.Errorf("publish conversation assembly for call %s: %w", callID, err)
	}

	metrics.RecordAssemblerSeal(reason)
	logging.Info().Str("callId", callID).Str("reason", reason).Int("messageCount", assembly.MessageCount).
		Msg("sealed conversation buffer")
	return nil
}

// ActiveBufferCount reports the number of open buffers.
func (a *Assembler) ActiveBufferCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}
