// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

// Package eventprocessor provides the message bus primitives shared by every
// pipeline stage: a Watermill publisher/subscriber pair over NATS JetStream,
// a circuit breaker guarding the publish path, a router wiring standard
// middleware (recovery, retry, throttling, deduplication, poison-queue
// routing), and a DLQ fallback middleware that turns a failed message into a
// DLQRecord on failed-records-dlq.
//
// # Why NATS JetStream
//
// Every pipeline component (the CDC extractor, conversation assembler,
// ML-result indexer, and DLQ processor) communicates exclusively through
// this package. Unlike optional integrations in other services, the bus is
// a hard dependency here: there is no meaningful degraded mode for a
// streaming pipeline without its stream. Stream topology (subjects,
// retention, replicas) is managed by StreamManager, whose EnsureStream
// cmd/pipeline calls on startup to create or update the stream;
// StreamInitializer does the same over an injectable JetStreamContext.
//
// # Key Components
//
//   - Publisher: Watermill publisher wrapped in a circuit breaker
//     (circuitbreaker.go) with reconnection handling
//   - Subscriber: durable JetStream consumer exposed through a fluent
//     MessageHandler/EventHandler API (subscriber.go)
//   - Router: wires Recoverer -> Retry, plus optional Throttle,
//     Deduplicator and PoisonQueue middleware, around registered handlers
//     (router.go)
//   - Serializer: goccy/go-json envelope (de)serialization (serializer.go)
//   - StreamInitializer: idempotent JetStream stream create-or-update
//     (stream_init.go)
//
// # Usage Example
//
//	pub, err := eventprocessor.NewPublisher(eventprocessor.DefaultPublisherConfig(natsURL), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer pub.Close()
//
//	err = eventprocessor.PublishPayload(ctx, pub, changeEvent)
//
// # Configuration
//
// The package uses configuration structs with sensible defaults:
//
//	cfg := eventprocessor.DefaultNATSConfig()
//	cfg.StoreDir = "/data/nats/jetstream"
//	cfg.MaxMemory = 1 << 30 // 1GB
//
// Handler errors are caught by NewDLQFallbackMiddleware (dlqmiddleware.go),
// which publishes them as DLQRecords for the DLQ processor
// (internal/dlqproc) to classify, persist, and retry with bounded backoff
// before marking them permanently failed.
package eventprocessor
