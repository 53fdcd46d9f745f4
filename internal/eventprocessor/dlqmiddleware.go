// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

package eventprocessor

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/calltext/transcript-pipeline/internal/logging"
	"github.com/calltext/transcript-pipeline/internal/pipeline"
)

// dlqPublishTimeout bounds how long the fallback middleware waits to land a
// DLQRecord before giving up and nacking the original message instead.
const dlqPublishTimeout = 10 * time.Second

// NewDLQFallbackMiddleware wraps a handler so that once Router's retry
// middleware has exhausted its attempts, the failing message is converted
// into a pipeline.DLQRecord and published to failed-records-dlq instead of
// being nacked forever. originalTopic is stamped as the record's
// OriginalStream so the auto-retry worker knows where to republish it.
//
// Unlike watermill's stock middleware.PoisonQueue, which republishes the
// original bytes unchanged, this wraps them in a DLQRecord so
// internal/dlqproc can apply its own retry/backoff/persistence semantics
// instead of treating the dead-letter stream as just another topic.
func NewDLQFallbackMiddleware(pub *Publisher, originalTopic string) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			out, err := h(msg)
			if err == nil {
				return out, nil
			}

			record := &pipeline.DLQRecord{
				OriginalStream:  originalTopic,
				OriginalMessage: string(msg.Payload),
				Error:           err.Error(),
				FirstErrorAt:    time.Now().UTC(),
			}
			if record.IsLoopCandidate() {
				logging.Error().Str("topic", originalTopic).Msg("refusing to route DLQ-stream message back to itself")
				return nil, err
			}

			ctx, cancel := context.WithTimeout(context.Background(), dlqPublishTimeout)
			defer cancel()

			if pubErr := pub.PublishDLQRecord(ctx, record); pubErr != nil {
				logging.Error().Err(pubErr).Str("topic", originalTopic).
					Msg("failed to route message to dead-letter stream, message will be nacked")
				return nil, err
			}

			return nil, nil
		}
	}
}
