// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

/*
Package cache provides thread-safe in-memory caching with TTL support.

This package implements a simple but effective caching layer shared by several
pipeline stages, reducing lookups against the relational source DB and the
message bus for frequently needed join keys.

# Overview

The cache provides:
  - Thread-safe concurrent access (sync.RWMutex)
  - Time-to-live (TTL) expiration for automatic cleanup
  - Simple key-value storage with any value type (interface{})
  - Lazy expiration checking (on Get operations)
  - An LRU variant (lru.go) and a Bloom filter (bloom.go) for membership
    checks that don't need full value storage
  - One external dependency: github.com/goccy/go-json, used by cache.go

# Use Cases

Primary use cases:
  - The ML-result indexer's CallID->CustomerID join cache (24h TTL) — an
    MLResult carries no tenant field of its own, so the indexer looks up the
    CustomerID recorded when the call's ConversationAssembly sealed
  - The assembler's per-call buffer lookups
  - The bus router's deduplication window for at-least-once redelivery
  - The DLQ processor's retry backoff bookkeeping

# Cache Structure

The cache stores items with metadata:

	type Entry struct {
	    Data      interface{} // Cached value (any type)
	    ExpiresAt time.Time   // Expiration time
	}

# Usage Example

Basic caching:

	import "github.com/calltext/transcript-pipeline/internal/cache"

	// Create cache with 24-hour TTL
	c := cache.NewTTL(24 * time.Hour)

	// Store value
	c.Set("call-1", "ACME")

	// Retrieve value
	if value, ok := c.Get("call-1"); ok {
	    customerID := value.(string)
	    // Use cached value
	}

	// Delete specific key
	c.Delete("call-1")

	// Clear entire cache
	c.Clear()

# Cache Invalidation

The cache supports two invalidation strategies:

1. TTL-based expiration (automatic):
  - Items expire after the configured TTL
  - Checked lazily during Get operations
  - A background goroutine started by New also removes expired entries
    every 5 minutes

2. Manual invalidation:
  - Clear() removes all cache entries
  - Delete(key) removes a specific entry

# Performance Characteristics

  - Get operation: O(1) hash map lookup + TTL check
  - Set operation: O(1) hash map insert with lock
  - Delete operation: O(1) hash map delete with lock
  - Clear operation: O(1) map reassignment

# Thread Safety

All cache methods are thread-safe using sync.RWMutex:

  - Get: Acquires read lock (concurrent reads allowed)
  - Set: Acquires write lock (exclusive access)
  - Delete: Acquires write lock (exclusive access)
  - Clear: Acquires write lock (exclusive access)

Multiple goroutines can safely access the cache concurrently.

# Limitations

The current implementation has intentional limitations for simplicity:

  - No maximum cache size limit on the plain TTL cache (use the LRU variant
    when a bound is required)
  - Expired entries that are never read stay in memory until the next
    5-minute background cleanup
  - No cache persistence (in-memory only)
  - No distributed caching (single instance)

These are acceptable given each cache's bounded key space: one entry per
in-flight call, evicted well before the TTL in the common case.

# See Also

  - internal/indexer: joins MLResult against the cached tenant
  - internal/assembler: per-call conversation buffers
  - internal/eventprocessor: bus-level deduplication window
  - internal/dlqproc: retry backoff bookkeeping
*/
package cache
