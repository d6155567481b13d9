package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"kiram-messaging/internal/api"
	"kiram-messaging/internal/chat"
	"kiram-messaging/internal/config"
	"kiram-messaging/internal/events"
	"kiram-messaging/internal/obs"
	"kiram-messaging/internal/service"
	"kiram-messaging/internal/storage/memory"
	"kiram-messaging/internal/storage/mongodb"
	"kiram-messaging/internal/storage/s3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger := obs.NewLogger("dev")
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.Env)

	store, cleanup, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	uploader := buildUploader(cfg, logger)
	publisher := buildPublisher(cfg, logger)
	defer publisher.Close()

	engine := service.NewEngine(store, uploader, publisher, logger)
	router := api.NewRouter(api.Handler{Engine: engine, Logger: logger}, cfg.Env)

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	logger.Info("kiram-messaging starting", "addr", cfg.HTTPAddr, "env", cfg.Env)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
	// Drain in-flight summary updates before exiting.
	engine.Wait()
	logger.Info("kiram-messaging stopped")
}

func buildStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (chat.Store, func(), error) {
	if cfg.MongoURI == "" {
		logger.Info("MONGO_URI not set, using in-memory store")
		return memory.NewStore(), func() {}, nil
	}
	client, err := mongodb.New(cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(ctx); err != nil {
		return nil, nil, err
	}
	logger.Info("mongo connected", "database", cfg.MongoDB)
	cleanup := func() {
		if err := client.Close(context.Background()); err != nil {
			logger.Warn("mongo disconnect failed", "error", err)
		}
	}
	return mongodb.NewStore(client, logger), cleanup, nil
}

func buildUploader(cfg config.Config, logger *slog.Logger) s3.Uploader {
	if cfg.S3Endpoint == "" {
		logger.Info("S3_ENDPOINT not set, attachments disabled")
		return s3.NoopUploader{}
	}
	client, err := s3.NewClient(cfg.S3Endpoint, cfg.S3UseSSL, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3PublicURL, logger)
	if err != nil {
		logger.Warn("s3 init failed, attachments disabled", "error", err)
		return s3.NoopUploader{}
	}
	return client
}

func buildPublisher(cfg config.Config, logger *slog.Logger) events.Publisher {
	if len(cfg.KafkaBrokers) == 0 {
		logger.Info("KAFKA_BROKERS not set, events disabled")
		return events.NoopPublisher{}
	}
	publisher, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	if err != nil {
		logger.Warn("kafka init failed, events disabled", "error", err)
		return events.NoopPublisher{}
	}
	return publisher
}
