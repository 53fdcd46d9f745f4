// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

package eventprocessor

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/calltext/transcript-pipeline/internal/pipeline"
)

// PublishChange adapts Publisher to cdc.ChangePublisher, so the CDC
// extractor can depend on a narrow local interface instead of this
// package's concrete type.
func (p *Publisher) PublishChange(ctx context.Context, event *pipeline.ChangeEvent) error {
	return PublishPayload(ctx, p, event)
}

// PublishAssembly adapts Publisher to assembler.AssemblyPublisher.
func (p *Publisher) PublishAssembly(ctx context.Context, assembly *pipeline.ConversationAssembly) error {
	return PublishPayload(ctx, p, assembly)
}

// PublishIndexNotification adapts Publisher to indexer.NotificationPublisher.
func (p *Publisher) PublishIndexNotification(ctx context.Context, notification *pipeline.IndexNotification) error {
	return PublishPayload(ctx, p, notification)
}

// PublishDLQRecord publishes a DLQRecord onto failed-records-dlq. Used by
// the handler-level failure middleware once a message exhausts the
// router's retry budget.
func (p *Publisher) PublishDLQRecord(ctx context.Context, record *pipeline.DLQRecord) error {
	return PublishPayload(ctx, p, record)
}

// RepublishRaw re-publishes the raw envelope bytes recovered from a
// dlqproc.Entry back onto its origin topic, for the DLQ auto-retry worker.
// Unlike PublishPayload it carries no typed payload: the bytes are exactly
// what failed the first time, so no re-serialization can introduce drift.
func (p *Publisher) RepublishRaw(ctx context.Context, topic string, raw []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), raw)
	return p.Publish(ctx, topic, msg)
}
