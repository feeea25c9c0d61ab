// Command replaysim runs a synthetic simulation against the timeline engine:
// it records live ticks, seeks back into history, changes playback speed,
// rewrites the timeline from a branch point, and returns to live, logging
// every transition. It doubles as an executable integration example.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/INLOpen/nexusreplay/archive"
	"github.com/INLOpen/nexusreplay/compressors"
	"github.com/INLOpen/nexusreplay/config"
	"github.com/INLOpen/nexusreplay/core"
	"github.com/INLOpen/nexusreplay/hooks"
	"github.com/INLOpen/nexusreplay/hooks/listeners"
	"github.com/INLOpen/nexusreplay/monitoring"
	"github.com/INLOpen/nexusreplay/store"
	"github.com/INLOpen/nexusreplay/timeline"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file // The file handle is the closer.
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// initTracerProvider creates and configures an OpenTelemetry TracerProvider.
// It sets up an exporter based on the configuration to send traces to a collector.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Info("Distributed tracing is disabled.")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error

	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("nexusreplay")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		logger.Info("Shutting down tracer provider...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}

	return tp, cleanup, nil
}

func selectCompressor(name string, logger *slog.Logger) core.Compressor {
	switch name {
	case "lz4":
		logger.Info("Using LZ4 compression for stored records.")
		return &compressors.LZ4Compressor{}
	case "zstd":
		logger.Info("Using ZSTD compression for stored records.")
		return compressors.NewZstdCompressor()
	case "snappy":
		logger.Info("Using Snappy compression for stored records.")
		return &compressors.SnappyCompressor{}
	default:
		logger.Info("Using no compression for stored records.")
		return &compressors.NoCompressionCompressor{}
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		// Use a temporary logger for pre-config errors
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		logger.Error("Failed to initialize tracer provider", "error", err)
		os.Exit(1)
	}
	defer tracerCleanup()

	var metricSrv *monitoring.MetricsServer
	if cfg.Debug.Enabled {
		metricSrv = monitoring.NewMetricsServer(&cfg.Debug, logger)
		go func() {
			if err := metricSrv.Start(); err != nil {
				logger.Error("Failed to start metrics server", "error", err)
			}
		}()
		defer metricSrv.Stop()
	}

	// --- Storage stack: bbolt store under the cache-backed archive ---
	st := store.Open(store.Options{
		DataDir:    cfg.Store.DataDir,
		Compressor: selectCompressor(cfg.Store.Compression, logger),
		Logger:     logger,
	})

	hookManager := hooks.NewHookManager(logger.With("component", "HookManager"))
	defer hookManager.Stop()

	arch, err := archive.NewArchive(archive.Options{
		Store:                   st,
		TickCacheCapacity:       cfg.Cache.TickCapacity,
		CheckpointCacheCapacity: cfg.Cache.CheckpointCapacity,
		MaxPendingWrites:        cfg.Store.MaxPendingWrites,
		Logger:                  logger,
		TracerProvider:          tp,
		HookManager:             hookManager,
	})
	if err != nil {
		logger.Error("Failed to create archive", "error", err)
		os.Exit(1)
	}
	monitoring.PublishArchiveStats("archive_stats", arch)

	// --- Hook listeners ---
	seekLatency, err := listeners.NewSeekLatencyListener(logger, 10)
	if err != nil {
		logger.Error("Failed to create seek latency listener", "error", err)
		os.Exit(1)
	}
	hookManager.Register(hooks.EventSeekCompleted, seekLatency)
	hookManager.Register(hooks.EventStorageError, listeners.NewStorageAlerterListener(logger))

	// --- Timeline controller over a synthetic simulation ---
	engine := newSimEngine(8, 0x9E3779B97F4A7C15)
	renderer := &logRenderer{logger: logger.With("component", "Renderer")}

	ctrl, err := timeline.NewController(timeline.Options{
		Archive:            arch,
		Engine:             engine,
		Renderer:           renderer,
		CheckpointInterval: cfg.Timeline.CheckpointInterval,
		BaseTickInterval:   config.ParseDuration(cfg.Timeline.BaseTickInterval, 50*time.Millisecond, logger),
		BurstMaxTicks:      cfg.Timeline.BurstMaxTicks,
		BurstBudget:        config.ParseDuration(cfg.Timeline.BurstBudget, 8*time.Millisecond, logger),
		SeekBatchSize:      cfg.Timeline.SeekBatchSize,
		Logger:             logger,
		TracerProvider:     tp,
		HookManager:        hookManager,
	})
	if err != nil {
		logger.Error("Failed to create timeline controller", "error", err)
		os.Exit(1)
	}

	var systemCollector *monitoring.SystemCollector
	if cfg.SelfMonitoring.Enabled {
		interval := config.ParseDuration(cfg.SelfMonitoring.Interval, 15*time.Second, logger)
		systemCollector = monitoring.NewSystemCollector(cfg.Store.DataDir, interval, logger)
		systemCollector.Start()
		defer systemCollector.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("replaysim running. Press Ctrl+C to exit.")
	if err := runDemo(ctx, ctrl, engine, logger); err != nil && ctx.Err() == nil {
		logger.Error("Demo run failed", "error", err)
	}

	if err := ctrl.Close(); err != nil {
		logger.Error("Failed to close controller", "error", err)
	}
	if err := arch.Close(context.Background()); err != nil {
		logger.Error("Failed to close archive", "error", err)
	}
	logger.Info("replaysim stopped", "seeks_measured", seekLatency.Count())
}

// runDemo drives one scripted session: live recording, a seek into history,
// playback at several speeds, a rewrite, and catch-up back to live.
func runDemo(ctx context.Context, ctrl *timeline.Controller, engine *simEngine, logger *slog.Logger) error {
	record := func(ticks int) error {
		for i := 0; i < ticks; i++ {
			if err := ctrl.AdvanceTick(ctx); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Millisecond):
			}
		}
		return nil
	}

	// Phase 1: live recording across a couple of checkpoint bands.
	if err := record(700); err != nil {
		return err
	}
	logger.Info("Recorded live history", "live_tick", ctrl.LiveTick())

	// Phase 2: scrub back and replay at different speeds.
	if err := ctrl.Seek(ctx, 350); err != nil {
		return err
	}
	time.Sleep(200 * time.Millisecond)
	logger.Info("After seek", "mode", ctrl.Mode().String(), "display_tick", ctrl.DisplayTick())

	ctrl.SetReplaySpeed(timeline.SpeedFactor(0.5))
	time.Sleep(300 * time.Millisecond)
	ctrl.SetReplaySpeed(timeline.SpeedFastest)
	time.Sleep(300 * time.Millisecond)
	logger.Info("After fast playback", "mode", ctrl.Mode().String(), "display_tick", ctrl.DisplayTick())

	// Phase 3: rewrite history from tick 500 on a divergent branch.
	engine.Reset(500, 0xC2B2AE3D27D4EB4F)
	if err := ctrl.BeginRewrite(ctx, 500); err != nil {
		return err
	}
	logger.Info("Rewrite started", "branch_point", uint64(500))
	if err := record(250); err != nil {
		return err
	}
	time.Sleep(200 * time.Millisecond)
	logger.Info("After rewrite catch-up", "mode", ctrl.Mode().String(), "live_tick", ctrl.LiveTick())

	// Phase 4: back to live if anything still lags.
	if err := ctrl.GoLive(ctx); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	logger.Info("Session complete", "mode", ctrl.Mode().String(), "display_tick", ctrl.DisplayTick())
	return nil
}
