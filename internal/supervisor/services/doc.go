// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

/*
Package services provides suture.Service wrappers for pipeline components.

This package adapts components with their own Run/Close lifecycle into
suture v4's context-aware Serve pattern, so the supervisor tree in
internal/supervisor can restart them uniformly.

# Overview

Each wrapper implements the suture.Service interface:

	type Service interface {
	    Serve(ctx context.Context) error
	}

The wrappers handle:
  - Lifecycle translation (Run/Close to Serve pattern)
  - Shutdown on context cancellation: Run returns, then Close is called
    (Close takes no context and has no timeout of its own)
  - Error propagation for supervisor restart decisions
  - Service identification via fmt.Stringer

# Canonical adapter pattern

BusService (bus_service.go) wraps the message bus's watermill Router, whose
Run/Close lifecycle predates suture.Service, into the Serve pattern:

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

The CDC extractor, conversation assembler, and ML-result indexer each
implement suture.Service natively (they were built against it from the
start) and so need no wrapper from this package.

# Error Handling

Return values determine supervisor behavior:

	nil         -> Service stopped cleanly, will not restart
	error       -> Service crashed, supervisor will restart
	ctx.Err()   -> Shutdown requested, normal termination

# Service Identification

All services implement fmt.Stringer for logging:

	func (s *BusService) String() string {
	    return "bus-router"
	}

# Thread Safety

All service wrappers are safe for concurrent use:
  - State is protected by atomics/mutexes where needed
  - Context cancellation is handled atomically
  - Multiple Serve calls are not supported (undefined behavior)

# See Also

  - internal/supervisor: SupervisorTree that manages these services
  - github.com/thejerf/suture/v4: Underlying supervision library
*/
package services
