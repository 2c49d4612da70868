package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/agencydesk/chatcore/internal/breaker"
	"github.com/agencydesk/chatcore/internal/config"
	"github.com/agencydesk/chatcore/internal/files"
	"github.com/agencydesk/chatcore/internal/httpapi"
	"github.com/agencydesk/chatcore/internal/hub"
	"github.com/agencydesk/chatcore/internal/ingest"
	"github.com/agencydesk/chatcore/internal/monitoring"
	"github.com/agencydesk/chatcore/internal/presence"
	"github.com/agencydesk/chatcore/internal/rooms"
	"github.com/agencydesk/chatcore/internal/status"
	"github.com/agencydesk/chatcore/internal/store"
	"github.com/agencydesk/chatcore/internal/stream"
	"github.com/agencydesk/chatcore/internal/workers"
)

const shutdownTimeout = 30 * time.Second

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server exited with error")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	processID := fmt.Sprintf("%s-%d", hostname(), os.Getpid())

	// Broker.
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	defer rdb.Close()

	streams := stream.NewManager(rdb, stream.MaxLenTable{
		WAL:    cfg.StreamMaxLenWAL,
		Retry:  cfg.StreamMaxLenRetry,
		DLQ:    cfg.StreamMaxLenDLQ,
		Events: cfg.StreamMaxLenEvents,
	}, logger)
	if err := streams.Ping(ctx); err != nil {
		return fmt.Errorf("broker unreachable: %w", err)
	}

	// Document store behind the breaker gateway.
	mongoCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	repo, err := store.Connect(mongoCtx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		cancel()
		return fmt.Errorf("store connect: %w", err)
	}
	if err := repo.EnsureIndexes(mongoCtx); err != nil {
		cancel()
		return fmt.Errorf("store indexes: %w", err)
	}
	cancel()
	defer repo.Close(context.Background())

	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.CircuitFailureThreshold,
		ResetTimeout:     cfg.CircuitReset,
		HalfOpenMaxCalls: cfg.CircuitHalfOpenMaxCalls,
	}, logger)
	gateway := store.NewGateway(repo, brk, cfg.StoreCallTimeout)

	// Registries.
	pres := presence.NewRegistry(rdb, streams, processID, cfg.PresenceTTL, logger)
	roomReg := rooms.NewRegistry(gateway, streams, pres, logger)

	// Pipeline.
	pipeline := ingest.NewPipeline(streams, gateway, roomReg, logger)
	tracker := status.NewTracker(gateway, streams, logger)

	// Files.
	blobs, err := files.NewDiskStore(cfg.FileDir)
	if err != nil {
		return fmt.Errorf("file storage: %w", err)
	}
	fileReg := files.NewRegistry(blobs, gateway, roomReg, streams, cfg.MaxFileSize, logger)

	// Sockets.
	auth := hub.NewAuthenticator(cfg.JWTSecret)
	socketHub := hub.NewHub(hub.Config{
		MaxConnections: cfg.MaxConnections,
		PingPeriod:     cfg.SocketPingPeriod,
		PongWait:       cfg.SocketPingTimeout,
		IngestTimeout:  cfg.IngestTimeout,
		InboundPerSec:  cfg.InboundPerSec,
		InboundBurst:   cfg.InboundBurst,
		IPPerSec:       cfg.ConnRateIPRate,
		IPBurst:        cfg.ConnRateBurst,
	}, auth, pipeline, tracker, pres, roomReg, gateway, streams, logger)

	// Worker fleet.
	fleet := workers.NewSupervisor(logger)
	batch := int64(cfg.WorkerBatchSize)
	fleet.Register(newRetry(streams, gateway, pipeline, fleet, processID, cfg, batch, logger))
	fleet.Register(newFallback(streams, gateway, pipeline, fleet, processID, cfg, batch, logger))
	fleet.Register(workers.NewWALRecoveryWorker(streams, gateway, pipeline, fleet.Tally("wal-recovery"), cfg.WALTimeout, cfg.WALScanInterval, logger))
	fleet.Register(workers.NewDispatcher(streams, socketHub, fleet.Tally("dispatcher"), processID, batch, cfg.WorkerBlock, logger))
	fleet.Register(workers.NewDLQMonitor(streams, fleet.Tally("dlq-monitor"), cfg.MonitorInterval, cfg.DLQAlertThreshold, logger))
	fleet.Register(workers.NewStreamMonitor(streams, fleet.Tally("stream-monitor"), cfg.MonitorInterval, stream.MaxLenTable{
		WAL:    cfg.StreamMaxLenWAL,
		Retry:  cfg.StreamMaxLenRetry,
		DLQ:    cfg.StreamMaxLenDLQ,
		Events: cfg.StreamMaxLenEvents,
	}, logger))
	fleet.Register(workers.NewMemoryMonitor(cfg.MonitorInterval, logger))
	fleet.Start(ctx)

	go pres.RunSweeper(ctx, cfg.PresenceSweep)

	api := httpapi.New(cfg.Addr, logger, auth, socketHub, pipeline, tracker, roomReg, gateway, fileReg, streams, fleet)

	serveErr := make(chan error, 1)
	go func() { serveErr <- api.ListenAndServe() }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	// Graceful shutdown: stop accepting, drain sockets, stop workers.
	logger.Info().Msg("Shutting down")
	sdCtx, sdCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer sdCancel()

	if err := api.Shutdown(sdCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if err := socketHub.Drain(sdCtx); err != nil {
		logger.Warn().Err(err).Msg("Socket drain incomplete")
	}
	fleet.Wait()
	logger.Info().Msg("Shutdown complete")
	return nil
}

func newRetry(streams *stream.Manager, gateway store.Store, pipeline *ingest.Pipeline, fleet *workers.Supervisor, processID string, cfg *config.Config, batch int64, logger zerolog.Logger) workers.Worker {
	return workers.NewRetryWorker(streams, gateway, pipeline, fleet.Tally("retry"), processID,
		cfg.MaxRetryAttempts, batch, cfg.WorkerBlock, cfg.ClaimIdle, logger)
}

func newFallback(streams *stream.Manager, gateway store.Store, pipeline *ingest.Pipeline, fleet *workers.Supervisor, processID string, cfg *config.Config, batch int64, logger zerolog.Logger) workers.Worker {
	return workers.NewFallbackWorker(streams, gateway, pipeline, fleet.Tally("fallback"), processID,
		batch, cfg.WorkerBlock, cfg.ClaimIdle, logger)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "chatcore"
	}
	return h
}
