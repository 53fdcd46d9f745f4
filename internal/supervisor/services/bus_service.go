// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

package services

import (
	"context"
	"fmt"
)

// BusRunner matches the lifecycle of *eventprocessor.Router, without this
// package importing eventprocessor directly.
//
// Satisfied by *eventprocessor.Router:
//   - Run(ctx context.Context) error - blocks, dispatching messages to every
//     registered handler until ctx is canceled or Close() is called
//   - Close() error - stops the router, waiting for in-flight messages
//   - IsRunning() bool - returns whether the router is currently dispatching
type BusRunner interface {
	Run(ctx context.Context) error
	Close() error
	IsRunning() bool
}

// BusService wraps a BusRunner (the message bus's watermill Router) as a
// supervised service.
//
// It adapts the Run/Close lifecycle to suture's Serve pattern:
//  1. Calls Run(ctx), which blocks dispatching messages
//  2. On ctx cancellation Run returns; Close() is called for final cleanup
//
// Example usage:
//
//	router, _ := eventprocessor.NewRouter(cfg, nil, nil)
//	svc := services.NewBusService(router)
//	tree.AddExtractionService(svc)
type BusService struct {
	router BusRunner
	name   string
}

// NewBusService creates a service wrapper around a bus router.
func NewBusService(router BusRunner) *BusService {
	return &BusService{
		router: router,
		name:   "bus-router",
	}
}

// Serve implements suture.Service.
//
// Run blocks until ctx is canceled or the router fails; either way Close is
// called so in-flight handler work gets a chance to finish before suture
// considers the service stopped.
func (s *BusService) Serve(ctx context.Context) error {
	runErr := s.router.Run(ctx)

	if err := s.router.Close(); err != nil {
		return fmt.Errorf("bus router close: %w", err)
	}

	if runErr != nil {
		return fmt.Errorf("bus router run: %w", runErr)
	}
	return ctx.Err()
}

// String implements fmt.Stringer for logging.
// Suture uses this to identify the service in log messages.
func (s *BusService) String() string {
	return s.name
}
