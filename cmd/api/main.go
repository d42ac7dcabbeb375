// Package main is the entry point for the assistant API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	backend "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/capitalize-ai/business-assistant/internal/config"
	"github.com/capitalize-ai/business-assistant/internal/handler"
	"github.com/capitalize-ai/business-assistant/internal/llm"
	natsclient "github.com/capitalize-ai/business-assistant/internal/nats"
	"github.com/capitalize-ai/business-assistant/internal/pending"
	"github.com/capitalize-ai/business-assistant/internal/session"
	"github.com/capitalize-ai/business-assistant/internal/store"
	"github.com/capitalize-ai/business-assistant/internal/tools"
	"github.com/capitalize-ai/business-assistant/pkg/logger"
	"github.com/capitalize-ai/business-assistant/pkg/tracing"
)

const serviceName = "business-assistant"

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("server failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting API server", zap.String("records_backend", cfg.RecordsBackend))

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() { _ = tracing.Shutdown(ctx, tp) }()
		}
	}

	checks := map[string]handler.Check{}

	// Records
	var records handler.RecordsSource
	switch cfg.RecordsBackend {
	case config.RecordsBackendSnapshot:
		records = handler.SnapshotRecords()
	case config.RecordsBackendPostgres:
		pg, err := store.OpenPostgres(cfg.DatabaseURL, store.DefaultPostgresConfig())
		if err != nil {
			return fmt.Errorf("records store: %w", err)
		}
		defer pg.Close()
		records = handler.PostgresRecords(pg)
		checks["postgres"] = pg.Ping
	default:
		return fmt.Errorf("unknown RECORDS_BACKEND %q", cfg.RecordsBackend)
	}

	// Idempotency keys are claimed before anything reaches the outbox.
	var deduper pending.Deduper
	if cfg.RedisAddr != "" {
		rdb := backend.NewClient(&backend.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		redisDeduper := pending.NewRedisDeduper(rdb, "assistant:dispatch:", cfg.DispatchDedupTTL)
		if err := redisDeduper.Ping(ctx); err != nil {
			log.Warn("redis not reachable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		checks["redis"] = redisDeduper.Ping
		deduper = redisDeduper
	} else {
		log.Warn("REDIS_ADDR not set, dispatch claims are kept in process memory")
		deduper = pending.NewMemoryDeduper(cfg.DispatchDedupTTL)
	}

	dispatchSecret := cfg.DispatchSecret
	if dispatchSecret == "" {
		log.Warn("DISPATCH_SECRET not set, sealing pending actions with JWT_SECRET")
		dispatchSecret = cfg.JWTSecret
	}
	sealer := pending.NewSealer([]byte(dispatchSecret), cfg.PendingActionTTL)

	// NATS carries the outbox and the turn audit log.
	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
		Name:     serviceName,
	}, log)
	if err != nil {
		return err
	}
	defer natsClient.Close()
	checks["nats"] = natsClient.Ping

	streams := natsclient.NewStreamManager(natsClient, natsclient.DefaultStreamConfig())
	if err := streams.EnsureStreams(ctx); err != nil {
		return err
	}

	llmClient, err := llm.Select(llm.Provider(cfg.DefaultLLM), map[llm.Provider]string{
		llm.ProviderAnthropic: cfg.AnthropicAPIKey,
		llm.ProviderOpenAI:    cfg.OpenAIAPIKey,
	})
	if err != nil {
		return err
	}
	log.Info("LLM provider selected", zap.String("provider", llmClient.Name()))

	// Actions
	gate := pending.NewGate(pending.DefaultDispatchEndpoint, sealer)
	registry, err := tools.NewRegistry(log, tools.DefaultHandlers(gate))
	if err != nil {
		return fmt.Errorf("action registry: %w", err)
	}

	controller := session.NewController(llmClient, registry, log,
		session.WithMaxRounds(cfg.AssistantMaxRounds),
		session.WithModel(cfg.AssistantModel),
		session.WithMaxTokens(cfg.AssistantMaxTokens),
		session.WithSystemPrompt(cfg.SystemPrompt),
		session.WithTracer(tracing.Tracer("assistant/session")),
	)

	assistantOpts := handler.AssistantOptions{
		MaxMessageLength: cfg.MaxMessageLength,
		TurnTimeout:      cfg.TurnTimeout,
	}
	if cfg.AuditEnabled {
		assistantOpts.Recorder = streams
	}

	router := handler.NewRouter(handler.RouterConfig{
		Assistant:         handler.NewAssistantHandler(controller, registry.Catalogue(), records, assistantOpts, log),
		Dispatch:          handler.NewDispatchHandler(pending.NewDispatcher(deduper, streams.NewOutboxPublisher(), sealer, log), log),
		Health:            handler.NewHealthHandler(checks),
		Logger:            log,
		JWTSecret:         cfg.JWTSecret,
		CORSOrigins:       cfg.CORSOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		TurnRateLimit:     cfg.TurnRateLimit,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		log.Info("shutting down server", zap.String("signal", sig.String()))
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}
