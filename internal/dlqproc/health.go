// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

package dlqproc

import (
	"context"
	"time"

	"github.com/calltext/transcript-pipeline/internal/eventprocessor"
)

// permanentFailureUnhealthyRatio is the threshold past which the handler
// reports unhealthy: more than this fraction of all errors ever added
// have ended as permanent (retries exhausted) failures.
const permanentFailureUnhealthyRatio = 0.5

// HealthCheck implements eventprocessor.HealthCheckable for Handler.
func (h *Handler) HealthCheck(_ context.Context) eventprocessor.ComponentHealth {
	stats := h.Stats()

	details := map[string]interface{}{
		"entry_count":      stats.TotalEntries,
		"total_added":      stats.TotalAdded,
		"total_removed":    stats.TotalRemoved,
		"total_retries":    stats.TotalRetries,
		"total_expired":    stats.TotalExpired,
		"total_permanent":  stats.TotalPermanent,
		"permanent_ratio":  stats.PermanentFailureRatio(),
	}

	if !stats.OldestEntry.IsZero() {
		details["oldest_entry"] = stats.OldestEntry.Format(time.RFC3339)
		details["oldest_entry_age"] = time.Since(stats.OldestEntry).String()
	}

	if stats.PermanentFailureRatio() > permanentFailureUnhealthyRatio {
		return eventprocessor.ComponentHealth{
			Healthy: false,
			Message: "more than half of all DLQ errors have become permanent failures",
			Details: details,
		}
	}

	if stats.TotalEntries > int64(h.config.MaxEntries/2) {
		return eventprocessor.ComponentHealth{
			Healthy:  true,
			Degraded: true,
			Message:  "DLQ is filling up",
			Details:  details,
		}
	}

	return eventprocessor.ComponentHealth{
		Healthy: true,
		Message: "DLQ handler is operational",
		Details: details,
	}
}
