// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

// Package dlqproc implements the dead-letter-queue processor (C5): bounded,
// category-aware retry of records that eventprocessor's DLQ fallback
// middleware (NewDLQFallbackMiddleware) routed off the happy path, write-behind persistence of those records to
// the source database, and a permanent-failures record once a record
// exhausts its retry budget.
package dlqproc

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calltext/transcript-pipeline/internal/cache"
	"github.com/calltext/transcript-pipeline/internal/metrics"
	"github.com/calltext/transcript-pipeline/internal/pipeline"
)

// ErrorCategory categorizes errors for DLQ routing and metrics.
type ErrorCategory int

const (
	ErrorCategoryUnknown ErrorCategory = iota
	ErrorCategoryConnectivity
	ErrorCategoryDataFormat
	ErrorCategorySecurity
	ErrorCategoryResourceMissing
	ErrorCategoryResourceLimit
)

// String returns the string representation of the error category.
func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryConnectivity:
		return "connectivity"
	case ErrorCategoryDataFormat:
		return "data_format"
	case ErrorCategorySecurity:
		return "security"
	case ErrorCategoryResourceMissing:
		return "resource_missing"
	case ErrorCategoryResourceLimit:
		return "resource_limit"
	default:
		return "unknown"
	}
}

// RetryableError represents a transient error (network issues, timeouts)
// that can be retried.
type RetryableError struct {
	Message  string
	Cause    error
	Category ErrorCategory
}

// NewRetryableError creates a new retryable error.
func NewRetryableError(message string, cause error) *RetryableError {
	return &RetryableError{Message: message, Cause: cause, Category: categorizeErrorMessage(message)}
}

func (e *RetryableError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *RetryableError) Unwrap() error { return e.Cause }

// PermanentError represents an unrecoverable error (validation, malformed
// data) that should not be retried.
type PermanentError struct {
	Message  string
	Cause    error
	Category ErrorCategory
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, cause error) *PermanentError {
	category := categorizeErrorMessage(message)
	if category == ErrorCategoryUnknown {
		category = ErrorCategoryDataFormat
	}
	return &PermanentError{Message: message, Cause: cause, Category: category}
}

func (e *PermanentError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *PermanentError) Unwrap() error { return e.Cause }

// categorizeErrorMessage maps an error message's substrings onto the
// six-category taxonomy: connectivity, data_format, security,
// resource_missing, resource_limit, unknown.
func categorizeErrorMessage(message string) ErrorCategory {
	switch {
	case containsAny(message, "connection", "connect", "refused", "reset", "network", "timeout", "deadline", "timed out", "unreachable"):
		return ErrorCategoryConnectivity
	case containsAny(message, "unauthorized", "forbidden", "permission", "authentication", "auth failed", "credential", "token expired"):
		return ErrorCategorySecurity
	case containsAny(message, "not found", "no such", "missing", "does not exist", "unknown call", "no cached tenant"):
		return ErrorCategoryResourceMissing
	case containsAny(message, "capacity", "full", "limit", "exceeded", "too many", "quota", "rate limit"):
		return ErrorCategoryResourceLimit
	case containsAny(message, "invalid", "validation", "malformed", "parse", "database", "db", "sql", "query", "decode", "unmarshal"):
		return ErrorCategoryDataFormat
	default:
		return ErrorCategoryUnknown
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if containsIgnoreCase(s, sub) {
			return true
		}
	}
	return false
}

func containsIgnoreCase(s, substr string) bool {
	if len(substr) > len(s) {
		return false
	}
	for i := 0; i <= len(s)-len(substr); i++ {
		match := true
		for j := 0; j < len(substr); j++ {
			c1, c2 := s[i+j], substr[j]
			if c1 >= 'A' && c1 <= 'Z' {
				c1 += 'a' - 'A'
			}
			if c2 >= 'A' && c2 <= 'Z' {
				c2 += 'a' - 'A'
			}
			if c1 != c2 {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// IsRetryableError checks if the error is retryable.
func IsRetryableError(err error) bool {
	var retryErr *RetryableError
	return errors.As(err, &retryErr)
}

// IsPermanentError checks if the error is permanent (non-retryable).
func IsPermanentError(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr)
}

// Entry is a failed record tracked by the DLQ handler, pairing the
// wire-level pipeline.DLQRecord with the handler's retry bookkeeping.
type Entry struct {
	Record *pipeline.DLQRecord

	// Key is the handler's lookup identity, as passed to AddEntry;
	// cmd/pipeline passes the record's DLQKey(FirstErrorAt).
	Key string

	OriginalError string
	LastError     string
	FirstFailure  time.Time
	LastFailure   time.Time
	NextRetry     time.Time
	Category      ErrorCategory
}

// RetryCount mirrors Record.Attempts, the spec's invariant counter.
func (e *Entry) RetryCount() int { return e.Record.Attempts }

// NewEntry creates a new DLQ entry for a failed record.
func NewEntry(key string, record *pipeline.DLQRecord, err error) *Entry {
	now := time.Now()
	category := ErrorCategoryUnknown

	var retryErr *RetryableError
	var permErr *PermanentError
	if errors.As(err, &retryErr) {
		category = retryErr.Category
	} else if errors.As(err, &permErr) {
		category = permErr.Category
	}

	record.FirstErrorAt = now
	return &Entry{
		Record:        record,
		Key:           key,
		OriginalError: err.Error(),
		LastError:     err.Error(),
		FirstFailure:  now,
		LastFailure:   now,
		NextRetry:     now,
		Category:      category,
	}
}

// Config holds configuration for the DLQ handler.
type Config struct {
	MaxRetries        int
	MaxEntries        int
	RetentionTime     time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	JitterFraction    float64

	// RandomSeed provides reproducible jitter for tests; 0 uses a
	// time-based seed in production.
	RandomSeed int64
}

// DefaultConfig returns production defaults matching the spec: maxAttempts
// of 3 and a retryDelay of 60s.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		MaxEntries:        10000,
		RetentionTime:     7 * 24 * time.Hour,
		InitialBackoff:    60 * time.Second,
		MaxBackoff:        10 * time.Minute,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// Stats holds runtime statistics for the DLQ.
type Stats struct {
	TotalEntries      int64
	TotalAdded        int64
	TotalRemoved      int64
	TotalRetries      int64
	TotalExpired      int64
	TotalPermanent    int64
	OldestEntry       time.Time
	NewestEntry       time.Time
	EntriesByCategory map[ErrorCategory]int64
}

// PermanentFailureRatio reports the fraction of all errors that have ended
// as permanent failures, used by HealthCheck's 50% threshold. Returns 0
// when no errors have been added yet.
func (s Stats) PermanentFailureRatio() float64 {
	if s.TotalAdded == 0 {
		return 0
	}
	return float64(s.TotalPermanent) / float64(s.TotalAdded)
}

// Handler manages the in-memory dead-letter queue: retry scheduling, entry
// bookkeeping, and cleanup. Entries are stored in a MinHeap ordered by
// FirstFailure for O(log n) insertion and eviction.
type Handler struct {
	config Config

	mu      sync.RWMutex
	entries *cache.MinHeap[*Entry]

	totalAdded    atomic.Int64
	totalRemoved  atomic.Int64
	totalRetries  atomic.Int64
	totalExpired  atomic.Int64
	totalPermanent atomic.Int64

	randMu sync.Mutex
	rng    *rand.Rand
}

// NewHandler creates a new DLQ handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.MaxRetries <= 0 {
		return nil, errors.New("max retries must be positive")
	}
	if cfg.MaxEntries <= 0 {
		return nil, errors.New("max entries must be positive")
	}
	if cfg.InitialBackoff <= 0 {
		return nil, errors.New("initial backoff must be positive")
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = cfg.InitialBackoff * 64
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2.0
	}
	if cfg.JitterFraction <= 0 || cfg.JitterFraction > 1.0 {
		cfg.JitterFraction = 0.1
	}

	seed := cfg.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Handler{
		config:  cfg,
		entries: cache.NewMinHeap[*Entry](cfg.MaxEntries),
		//nolint:gosec // G404: weak random acceptable for non-cryptographic backoff jitter
		rng: rand.New(rand.NewSource(seed)),
	}, nil
}

// AddEntry adds a failed record to the DLQ and returns the created entry.
// Loop prevention: callers must never call AddEntry for a record whose
// OriginalStream is the DLQ stream itself (pipeline.DLQRecord.IsLoopCandidate).
func (h *Handler) AddEntry(key string, record *pipeline.DLQRecord, err error) *Entry {
	entry := NewEntry(key, record, err)

	h.mu.Lock()
	defer h.mu.Unlock()

	entry.NextRetry = time.Now().Add(h.calculateBackoffLocked(0))

	evicted := h.entries.Push(key, entry, entry.FirstFailure)
	if evicted != nil {
		h.totalExpired.Add(1)
		metrics.RecordDLQExpiry(evicted.Value.Category.String())
	}

	h.totalAdded.Add(1)
	metrics.RecordDLQEntry(entry.Category.String())

	return entry
}

// GetEntry retrieves an entry by key. Returns nil if not found.
func (h *Handler) GetEntry(key string) *Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	heapEntry := h.entries.Get(key)
	if heapEntry == nil {
		return nil
	}
	return heapEntry.Value
}

// IncrementRetry increments Record.Attempts and schedules the next retry.
// Returns true if more retries are allowed.
func (h *Handler) IncrementRetry(key string, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	heapEntry := h.entries.Get(key)
	if heapEntry == nil {
		return false
	}

	entry := heapEntry.Value
	entry.Record.Attempts++
	entry.LastError = err.Error()
	entry.LastFailure = time.Now()
	entry.NextRetry = time.Now().Add(h.calculateBackoffLocked(entry.Record.Attempts))

	h.totalRetries.Add(1)

	moreRetries := entry.Record.Attempts < h.config.MaxRetries
	if !moreRetries {
		h.totalPermanent.Add(1)
	}
	metrics.RecordDLQRetry(moreRetries)

	return moreRetries
}

// RemoveEntry removes an entry. Returns true if it was found and removed.
func (h *Handler) RemoveEntry(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := h.entries.Remove(key)
	if removed != nil {
		h.totalRemoved.Add(1)
		metrics.RecordDLQRemoval(removed.Value.Category.String())
		return true
	}
	return false
}

// GetPendingRetries returns entries whose NextRetry time has passed and
// whose retry budget is not yet exhausted.
func (h *Handler) GetPendingRetries() []*Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := time.Now()
	var pending []*Entry
	for _, heapEntry := range h.entries.All() {
		entry := heapEntry.Value
		if entry.Record.Attempts < h.config.MaxRetries && !entry.NextRetry.After(now) {
			pending = append(pending, entry)
		}
	}
	return pending
}

// ListEntries returns all entries currently held in the DLQ.
func (h *Handler) ListEntries() []*Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	heapEntries := h.entries.All()
	entries := make([]*Entry, 0, len(heapEntries))
	for _, heapEntry := range heapEntries {
		entries = append(entries, heapEntry.Value)
	}
	return entries
}

// Cleanup removes entries older than RetentionTime. Returns the count
// removed.
func (h *Handler) Cleanup() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().Add(-h.config.RetentionTime)
	removed := h.entries.PopBefore(cutoff)

	for _, heapEntry := range removed {
		h.totalExpired.Add(1)
		metrics.RecordDLQExpiry(heapEntry.Value.Category.String())
	}
	return len(removed)
}

// Stats returns current DLQ statistics and updates the Prometheus gauges.
func (h *Handler) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := Stats{
		TotalEntries:      int64(h.entries.Len()),
		TotalAdded:        h.totalAdded.Load(),
		TotalRemoved:      h.totalRemoved.Load(),
		TotalRetries:      h.totalRetries.Load(),
		TotalExpired:      h.totalExpired.Load(),
		TotalPermanent:    h.totalPermanent.Load(),
		EntriesByCategory: make(map[ErrorCategory]int64),
	}

	for _, heapEntry := range h.entries.All() {
		entry := heapEntry.Value
		stats.EntriesByCategory[entry.Category]++

		if stats.OldestEntry.IsZero() || entry.FirstFailure.Before(stats.OldestEntry) {
			stats.OldestEntry = entry.FirstFailure
		}
		if stats.NewestEntry.IsZero() || entry.FirstFailure.After(stats.NewestEntry) {
			stats.NewestEntry = entry.FirstFailure
		}
	}

	oldestAge := float64(0)
	if !stats.OldestEntry.IsZero() {
		oldestAge = time.Since(stats.OldestEntry).Seconds()
	}
	byCategory := make(map[string]int64, len(stats.EntriesByCategory))
	for cat, count := range stats.EntriesByCategory {
		byCategory[cat.String()] = count
	}
	metrics.UpdateDLQGauges(stats.TotalEntries, oldestAge, byCategory)

	return stats
}

func (h *Handler) calculateBackoffLocked(retryCount int) time.Duration {
	backoff := float64(h.config.InitialBackoff) * math.Pow(h.config.BackoffMultiplier, float64(retryCount))
	if backoff > float64(h.config.MaxBackoff) {
		backoff = float64(h.config.MaxBackoff)
	}

	h.randMu.Lock()
	jitter := backoff * h.config.JitterFraction * (h.rng.Float64()*2 - 1)
	h.randMu.Unlock()

	return time.Duration(backoff + jitter)
}

// RetryHandler attempts to reprocess a DLQ entry; nil on success.
type RetryHandler func(entry *Entry) error

// AutoRetryConfig configures the background auto-retry worker.
type AutoRetryConfig struct {
	RetryInterval        time.Duration
	MaxConcurrentRetries int
}

// DefaultAutoRetryConfig returns production defaults.
func DefaultAutoRetryConfig() AutoRetryConfig {
	return AutoRetryConfig{RetryInterval: 30 * time.Second, MaxConcurrentRetries: 5}
}

// AutoRetryWorker processes pending DLQ entries on a fixed interval,
// republishing each to its origin stream via handler until it succeeds or
// exhausts its retry budget.
type AutoRetryWorker struct {
	dlq     *Handler
	handler RetryHandler
	config  AutoRetryConfig
}

// NewAutoRetryWorker creates a new auto-retry worker.
func NewAutoRetryWorker(dlq *Handler, handler RetryHandler, config AutoRetryConfig) *AutoRetryWorker {
	return &AutoRetryWorker{dlq: dlq, handler: handler, config: config}
}

// Start runs the auto-retry loop until ctx is canceled.
func (w *AutoRetryWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processPendingRetries(ctx)
		}
	}
}

// Serve implements suture.Service by running Start and reporting ctx's
// cancellation cause, so the supervisor tree can manage the worker directly.
func (w *AutoRetryWorker) Serve(ctx context.Context) error {
	w.Start(ctx)
	return ctx.Err()
}

// String implements fmt.Stringer for suture's log output.
func (w *AutoRetryWorker) String() string { return "dlq-auto-retry-worker" }

func (w *AutoRetryWorker) processPendingRetries(ctx context.Context) {
	entries := w.dlq.GetPendingRetries()
	if len(entries) == 0 {
		return
	}

	sem := make(chan struct{}, w.config.MaxConcurrentRetries)
	var wg sync.WaitGroup

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return
		case sem <- struct{}{}:
			wg.Add(1)
			go func(e *Entry) {
				defer func() { <-sem; wg.Done() }()
				w.retryEntry(e)
			}(entry)
		}
	}

	wg.Wait()
}

func (w *AutoRetryWorker) retryEntry(entry *Entry) {
	if err := w.handler(entry); err != nil {
		metrics.RecordDLQRetry(false)
		w.dlq.IncrementRetry(entry.Key, err)
		return
	}

	metrics.RecordDLQRetry(true)
	w.dlq.RemoveEntry(entry.Key)
}
