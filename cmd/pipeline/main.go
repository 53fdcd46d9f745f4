// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

// Command pipeline wires together the six pipeline components into a
// single deployable process: the message bus (C1), the CDC extractor (C2),
// the conversation assembler (C3), the ML-result indexer (C4), the DLQ
// processor (C5), and the search index façade (C6), all supervised by a
// three-layer suture tree and fronted by an ambient health/metrics server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-chi/chi/v5"
	natsgo "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calltext/transcript-pipeline/internal/assembler"
	"github.com/calltext/transcript-pipeline/internal/cdc"
	"github.com/calltext/transcript-pipeline/internal/config"
	"github.com/calltext/transcript-pipeline/internal/dlqproc"
	"github.com/calltext/transcript-pipeline/internal/eventprocessor"
	"github.com/calltext/transcript-pipeline/internal/indexer"
	"github.com/calltext/transcript-pipeline/internal/logging"
	"github.com/calltext/transcript-pipeline/internal/metrics"
	"github.com/calltext/transcript-pipeline/internal/pipeline"
	"github.com/calltext/transcript-pipeline/internal/searchindex"
	"github.com/calltext/transcript-pipeline/internal/sourcedb"
	"github.com/calltext/transcript-pipeline/internal/supervisor"
	"github.com/calltext/transcript-pipeline/internal/supervisor/services"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("pipeline exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
		Output:    os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.SetAppInfo(version, runtime.Version())
	startedAt := time.Now()

	// --- Source database (C2, C5 audit tables) ---

	db, err := sourcedb.Open(ctx, sourcedb.Config{
		DSN:             cfg.SourceDB.DSN,
		MaxConns:        cfg.SourceDB.MaxConns,
		MinConns:        cfg.SourceDB.MinConns,
		MaxConnLifetime: cfg.SourceDB.MaxConnLifetime,
		ConnectTimeout:  cfg.SourceDB.ConnectTimeout,
	})
	if err != nil {
		return fmt.Errorf("open source db: %w", err)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure source db schema: %w", err)
	}

	// --- Message bus (C1) ---

	busURL := cfg.Bus.URL
	var embedded *eventprocessor.EmbeddedServer
	if cfg.Bus.EmbeddedServer {
		serverCfg := eventprocessor.DefaultServerConfig()
		serverCfg.StoreDir = cfg.Bus.StoreDir
		serverCfg.JetStreamMaxMem = cfg.Bus.MaxMemory
		serverCfg.JetStreamMaxStore = cfg.Bus.MaxStore

		embedded, err = eventprocessor.NewEmbeddedServer(&serverCfg)
		if err != nil {
			return fmt.Errorf("start embedded nats server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = embedded.Shutdown(shutdownCtx)
		}()
		busURL = embedded.ClientURL()
	}

	if err := ensureStream(ctx, busURL, cfg); err != nil {
		return fmt.Errorf("ensure bus stream: %w", err)
	}

	publisher, err := eventprocessor.NewPublisher(eventprocessor.PublisherConfig{
		URL:              busURL,
		MaxReconnects:    -1,
		ReconnectWait:    2 * time.Second,
		ReconnectBuffer:  8 * 1024 * 1024,
		EnableTrackMsgID: true,
	}, nil)
	if err != nil {
		return fmt.Errorf("create bus publisher: %w", err)
	}
	defer publisher.Close()
	publisher.SetCircuitBreaker(eventprocessor.NewCircuitBreaker(eventprocessor.DefaultCircuitBreakerConfig("bus-publisher")))

	subscriber, err := eventprocessor.NewSubscriber(&eventprocessor.SubscriberConfig{
		URL:              busURL,
		DurableName:      cfg.Bus.DurableName,
		QueueGroup:       cfg.Bus.QueueGroup,
		SubscribersCount: cfg.Bus.SubscribersCount,
		AckWaitTimeout:   30 * time.Second,
		MaxDeliver:       5,
		MaxAckPending:    1000,
		CloseTimeout:     cfg.Bus.RouterCloseTimeout,
		MaxReconnects:    -1,
		ReconnectWait:    2 * time.Second,
		StreamName:       "TRANSCRIPT_EVENTS",
	}, nil)
	if err != nil {
		return fmt.Errorf("create bus subscriber: %w", err)
	}
	defer subscriber.Close()

	router, err := eventprocessor.NewRouter(&eventprocessor.RouterConfig{
		CloseTimeout:         cfg.Bus.RouterCloseTimeout,
		RetryMaxRetries:      cfg.Bus.RouterRetryCount,
		RetryInitialInterval: cfg.Bus.RouterRetryInitialInterval,
		RetryMaxInterval:     time.Minute,
		RetryMultiplier:      2.0,
		ThrottlePerSecond:    int64(cfg.Bus.RouterThrottlePerSecond),
		DeduplicationEnabled: cfg.Bus.RouterDeduplicationEnabled,
		DeduplicationTTL:     cfg.Bus.RouterDeduplicationTTL,
	}, nil, nil)
	if err != nil {
		return fmt.Errorf("create bus router: %w", err)
	}

	// --- Search index façade (C6) ---

	searchClient, err := searchindex.New(searchindex.Config{
		Addresses:   cfg.SearchIndex.Addresses,
		Username:    cfg.SearchIndex.Username,
		Password:    cfg.SearchIndex.Password,
		IndexPrefix: cfg.SearchIndex.IndexPrefix,
		VectorSpace: searchindex.SpaceCosine,
	})
	if err != nil {
		return fmt.Errorf("create search index client: %w", err)
	}

	// --- ML-result indexer (C4) ---

	ix, err := indexer.New(searchClient, publisher, indexer.Config{
		BatchSize:     cfg.Indexer.BatchSize,
		FlushInterval: cfg.Indexer.BatchTimeout,
	})
	if err != nil {
		return fmt.Errorf("create indexer: %w", err)
	}

	// --- Conversation assembler (C3) ---

	asm, err := assembler.New(publisher, db, assembler.Config{
		MaxWait:          cfg.Assembler.MaxWait,
		NormalTimeout:    cfg.Assembler.NormalTimeout,
		SoftCap:          cfg.Assembler.SoftCap,
		LoopWindow:       cfg.Assembler.LoopWindow,
		LoopThreshold:    cfg.Assembler.LoopThreshold,
		AutoRecoverEvery: cfg.Assembler.AutoRecoverEvery,
	})
	if err != nil {
		return fmt.Errorf("create assembler: %w", err)
	}

	// --- CDC extractor (C2) ---

	extractor, err := cdc.New(db, publisher, cdc.Config{
		PollingInterval: cfg.CDC.PollingInterval,
		BatchSize:       cfg.CDC.BatchSize,
		Mode:            pipeline.CDCMode(cfg.CDC.Mode),
	})
	if err != nil {
		return fmt.Errorf("create cdc extractor: %w", err)
	}

	// --- DLQ processor (C5) ---

	dlqStore := sourcedb.NewPostgresDLQStore(db)
	dlqHandler, err := dlqproc.NewPersistentHandler(dlqproc.Config{
		MaxRetries:        cfg.DLQ.MaxAttempts,
		MaxEntries:        10000,
		RetentionTime:     7 * 24 * time.Hour,
		InitialBackoff:    cfg.DLQ.RetryDelay,
		MaxBackoff:        cfg.DLQ.MaxBackoff,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}, dlqStore)
	if err != nil {
		return fmt.Errorf("create dlq handler: %w", err)
	}

	retryWorker := dlqproc.NewAutoRetryWorker(dlqHandler.Handler, func(entry *dlqproc.Entry) error {
		retryCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return publisher.RepublishRaw(retryCtx, entry.Record.OriginalStream, []byte(entry.Record.OriginalMessage))
	}, dlqproc.AutoRetryConfig{
		RetryInterval:        cfg.DLQ.RetryDelay,
		MaxConcurrentRetries: 5,
	})

	// --- Wire the bus topics onto the router ---

	changeSerializer := eventprocessor.NewSerializer[pipeline.ChangeEvent]()
	router.AddConsumerHandler("cdc-raw-to-assembler", "cdc-raw", subscriber, func(msg *message.Message) error {
		event, err := changeSerializer.Unmarshal(msg.Payload)
		if err != nil {
			return fmt.Errorf("unmarshal change event: %w", err)
		}
		return asm.HandleChangeEvent(msg.Context(), &event)
	})
	_ = router.AddHandlerMiddleware("cdc-raw-to-assembler", eventprocessor.NewDLQFallbackMiddleware(publisher, "cdc-raw"))

	assemblySerializer := eventprocessor.NewSerializer[pipeline.ConversationAssembly]()
	router.AddConsumerHandler("conv-assembled-to-indexer-tenants", "conv-assembled", subscriber, func(msg *message.Message) error {
		assembly, err := assemblySerializer.Unmarshal(msg.Payload)
		if err != nil {
			return fmt.Errorf("unmarshal conversation assembly: %w", err)
		}
		return ix.HandleAssembly(msg.Context(), &assembly)
	})
	_ = router.AddHandlerMiddleware("conv-assembled-to-indexer-tenants", eventprocessor.NewDLQFallbackMiddleware(publisher, "conv-assembled"))

	mlResultSerializer := eventprocessor.NewSerializer[pipeline.MLResult]()
	router.AddConsumerHandler("ml-processing-queue-to-indexer", "ml-processing-queue", subscriber, func(msg *message.Message) error {
		result, err := mlResultSerializer.Unmarshal(msg.Payload)
		if err != nil {
			return fmt.Errorf("unmarshal ml result: %w", err)
		}
		return ix.HandleMLResult(msg.Context(), &result)
	})
	_ = router.AddHandlerMiddleware("ml-processing-queue-to-indexer", eventprocessor.NewDLQFallbackMiddleware(publisher, "ml-processing-queue"))

	dlqSerializer := eventprocessor.NewSerializer[pipeline.DLQRecord]()
	router.AddConsumerHandler("failed-records-dlq-to-processor", "failed-records-dlq", subscriber, func(msg *message.Message) error {
		record, err := dlqSerializer.Unmarshal(msg.Payload)
		if err != nil {
			return fmt.Errorf("unmarshal dlq record: %w", err)
		}
		if record.IsLoopCandidate() {
			logging.Error().Str("originalStream", record.OriginalStream).Msg("dropping self-referential dlq record")
			return nil
		}
		dlqHandler.AddEntry(record.DLQKey(record.FirstErrorAt), &record, errors.New(record.Error))
		return nil
	})

	busService := services.NewBusService(router)

	// --- Ambient health/metrics HTTP surface ---

	httpServer := newAmbientServer(cfg, db, publisher, startedAt)

	// --- Supervisor tree ---

	tree, err := supervisor.NewSupervisorTree(nil, supervisor.DefaultTreeConfig())
	if err != nil {
		return fmt.Errorf("create supervisor tree: %w", err)
	}

	tree.AddExtractionService(extractor)
	tree.AddAssemblyService(asm)
	tree.AddAssemblyService(ix)
	tree.AddAssemblyService(busService)
	tree.AddDeliveryService(retryWorker)
	tree.AddDeliveryService(httpServer)

	logging.Info().Str("version", version).Msg("transcript pipeline starting")
	return tree.Serve(ctx)
}

// ensureStream connects briefly to the bus to provision the consolidated
// JetStream stream before any publisher or subscriber depends on it.
func ensureStream(ctx context.Context, url string, cfg *config.Config) error {
	nc, err := natsgo.Connect(url, natsgo.RetryOnFailedConnect(true), natsgo.MaxReconnects(5))
	if err != nil {
		return fmt.Errorf("connect to bus for stream setup: %w", err)
	}
	defer nc.Close()

	streamCfg := eventprocessor.DefaultStreamConfig()
	streamCfg.MaxAge = time.Duration(cfg.Bus.StreamRetentionDays) * 24 * time.Hour

	mgr, err := eventprocessor.NewStreamManager(nc, &streamCfg)
	if err != nil {
		return err
	}

	_, err = mgr.EnsureStream(ctx)
	return err
}

// ambientServer exposes /healthz and /metrics on the configured host:port,
// independent of the business bus traffic, the same ops-only HTTP surface
// shape internal/metrics/doc.go describes.
type ambientServer struct {
	srv     *http.Server
	checker *eventprocessor.HealthChecker
}

func newAmbientServer(cfg *config.Config, db *sourcedb.DB, publisher *eventprocessor.Publisher, startedAt time.Time) *ambientServer {
	checker := eventprocessor.NewHealthChecker(eventprocessor.DefaultHealthConfig())
	checker.RegisterComponent("bus-publisher", publisher)
	checker.RegisterComponent("sourcedb", sourceDBHealthCheck{db})

	mux := chi.NewRouter()
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		overall := checker.CheckAll(r.Context())
		metrics.UpdateUptime(startedAt)

		status := http.StatusOK
		if !overall.Healthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(overall)
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	return &ambientServer{
		srv:     &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: cfg.Server.Timeout},
		checker: checker,
	}
}

// Serve implements suture.Service.
func (a *ambientServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- a.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// String implements fmt.Stringer for suture's log output.
func (a *ambientServer) String() string { return "ambient-http-server" }

type sourceDBHealthCheck struct{ db *sourcedb.DB }

func (s sourceDBHealthCheck) HealthCheck(ctx context.Context) eventprocessor.ComponentHealth {
	if err := s.db.Ping(ctx); err != nil {
		return eventprocessor.ComponentHealth{Healthy: false, Error: err.Error()}
	}
	return eventprocessor.ComponentHealth{Healthy: true, Message: "source db is reachable"}
}
