package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/leonrode/hackharvard/internal/audio"
	"github.com/leonrode/hackharvard/internal/config"
	"github.com/leonrode/hackharvard/internal/metrics"
	"github.com/leonrode/hackharvard/internal/recommend"
	"github.com/leonrode/hackharvard/internal/server"
	"github.com/leonrode/hackharvard/internal/session"
	"github.com/leonrode/hackharvard/internal/topics"
	"github.com/leonrode/hackharvard/internal/transcription"
	"github.com/leonrode/hackharvard/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "recommendation-relay"
	serviceVersion    = "1.0.0"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Relays phone audio to transcription and pushes topic recommendations to a site client",
		Version:       serviceVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServer,
	}
	cmd.Flags().String("config", defaultConfigPath, "Path to configuration file")
	cmd.Flags().Int("port", 0, "Listen port (overrides config and PORT)")
	return cmd
}

func runServer(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
		if err := cfg.Server.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid port: %v\n", err)
			return err
		}
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
	)

	// Configuration summary without secrets
	logger.Info("Configuration loaded",
		slog.String("address", cfg.Server.Addr()),
		slog.String("session_mode", cfg.Session.Mode),
		slog.Int("queue_capacity", cfg.Session.QueueCapacity),
		slog.Bool("strip_headers", cfg.Audio.StripHeaders),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Float64("vad_threshold", float64(cfg.VAD.Threshold)),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.String("recommendation_model", cfg.Recommendation.Model),
		slog.String("topics_backend", cfg.Topics.Backend),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.NewMetrics(reg)
	logger.Info("Prometheus metrics initialized")

	transcriber, err := transcription.NewClient(transcription.Config{
		Endpoint:      cfg.Transcription.Endpoint,
		APIKey:        cfg.Transcription.APIKey,
		Timeout:       cfg.Transcription.GetTimeoutDuration(),
		MaxRetries:    cfg.Transcription.MaxRetries,
		MaxConcurrent: cfg.Transcription.MaxConcurrent,
		RetryBackoff:  cfg.Transcription.GetRetryBackoffDuration(),
		Language:      cfg.Transcription.Language,
		Model:         cfg.Transcription.Model,
	}, appMetrics)
	if err != nil {
		logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
		return err
	}

	recommender, err := recommend.NewClient(recommend.Config{
		Endpoint:          cfg.Recommendation.Endpoint,
		APIKey:            cfg.Recommendation.APIKey,
		Model:             cfg.Recommendation.Model,
		Temperature:       cfg.Recommendation.Temperature,
		Timeout:           cfg.Recommendation.GetTimeoutDuration(),
		MaxRetries:        cfg.Recommendation.MaxRetries,
		RetryBackoff:      cfg.Recommendation.GetRetryBackoffDuration(),
		RequestsPerSecond: cfg.Recommendation.RequestsPerSecond,
		Burst:             cfg.Recommendation.Burst,
	}, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create recommendation client", slog.String("error", err.Error()))
		return err
	}

	newStore, closeStore, err := storeFactory(ctx, cfg.Topics, logger)
	if err != nil {
		logger.Error("Failed to initialize topic store", slog.String("error", err.Error()))
		return err
	}
	defer closeStore()

	engineConfig := transcription.EngineConfig{
		Segmenter: audio.SegmenterConfig{
			SampleRate:         cfg.Audio.SampleRate,
			MinDuration:        cfg.Audio.GetChunkMinDuration(),
			MaxDuration:        cfg.Audio.GetChunkMaxDuration(),
			MinSpeechDuration:  cfg.VAD.GetMinSpeechDuration(),
			MinSilenceDuration: cfg.VAD.GetMinSilenceDuration(),
		},
		VAD: vad.Config{
			Threshold:  cfg.VAD.Threshold,
			WindowSize: cfg.VAD.WindowSize,
			SampleRate: cfg.Audio.SampleRate,
			Smoothing:  cfg.VAD.Smoothing,
		},
		Backlog: cfg.Transcription.Backlog,
	}

	manager, err := session.NewManager(logger, session.ManagerConfig{
		Hub: session.Config{
			Mode:          session.Mode(cfg.Session.Mode),
			QueueCapacity: cfg.Session.QueueCapacity,
			StopTimeout:   cfg.Session.GetStopTimeoutDuration(),
			RecordLimit:   cfg.Session.RecordLimit,
			StripHeaders:  cfg.Audio.StripHeaders,
			CycleTimeout:  cfg.Recommendation.GetTimeoutDuration() * time.Duration(cfg.Recommendation.MaxRetries+1),
			InboxSize:     cfg.Session.InboxSize,
		},
		IdleTimeout:     cfg.Session.GetIdleTimeoutDuration(),
		CleanupInterval: cfg.Session.GetCleanupIntervalDuration(),
		ShutdownTimeout: cfg.Server.GetShutdownTimeoutDuration(),
	}, session.Dependencies{
		NewEngine: func(sessionID string, store topics.Store) (transcription.Engine, error) {
			ec := engineConfig
			ec.SessionID = sessionID
			return transcription.NewHTTPEngine(ec, transcriber, store, logger, appMetrics)
		},
		NewStore:    newStore,
		Recommender: recommender,
	}, appMetrics)
	if err != nil {
		logger.Error("Failed to create session manager", slog.String("error", err.Error()))
		return err
	}

	httpServer := server.NewServer(cfg, manager, appMetrics, logger, server.Options{
		Gatherer: reg,
		Stats: map[string]server.StatsFunc{
			"transcription":  func() any { return transcriber.GetStats() },
			"recommendation": func() any { return recommender.GetStats() },
		},
	})

	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", httpServer.Addr()),
	)

	<-ctx.Done()
	logger.Info("Starting graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeoutDuration())
	defer cancel()

	// Sessions first: clients get server_shutdown and a close frame, and new
	// upgrades are refused with 503 while the listener drains
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping session manager", slog.String("error", err.Error()))
	}

	g, gctx := errgroup.WithContext(shutdownCtx)
	g.Go(func() error { return httpServer.Stop(gctx) })
	g.Go(func() error { return transcriber.Close(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Error during shutdown", slog.String("error", err.Error()))
	}

	stats := transcriber.GetStats()
	logger.Info("Final transcription statistics",
		slog.Uint64("total_requests", stats.TotalRequests),
		slog.Uint64("failed_requests", stats.FailedRequests),
		slog.Uint64("total_retries", stats.TotalRetries),
	)

	logger.Info("Service stopped")
	return nil
}

// storeFactory returns the per-session topic store constructor and a cleanup
// function for the shared backend
func storeFactory(ctx context.Context, cfg config.TopicsConfig, logger *slog.Logger) (session.StoreFactory, func(), error) {
	if cfg.Backend != "redis" {
		return func(string) topics.Store { return topics.NewMemoryStore() }, func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}

	logger.Info("Redis topic store connected",
		slog.String("addr", cfg.RedisAddr),
		slog.Int("db", cfg.RedisDB),
	)

	factory := func(sessionID string) topics.Store {
		return topics.NewRedisStore(client, sessionID,
			topics.WithPrefix(cfg.Prefix),
			topics.WithTTL(cfg.GetTTLDuration()),
		)
	}
	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Error closing redis client", slog.String("error", err.Error()))
		}
	}
	return factory, cleanup, nil
}

// initLogger creates the structured logger described by the logging config
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
