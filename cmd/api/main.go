package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"hookrelay/internal/api"
	"hookrelay/internal/broker"
	"hookrelay/internal/config"
	"hookrelay/internal/logging"
	"hookrelay/internal/metrics"
	"hookrelay/internal/store"
	"hookrelay/internal/webhooks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(logging.Config{Level: cfg.Logger.Level, Mode: cfg.Logger.Mode, Encoding: cfg.Logger.Encoding})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	metrics.RegisterDefault()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	b, closeBroker, err := openBroker(cfg, logger)
	if err != nil {
		return err
	}
	defer closeBroker()

	worker := webhooks.NewWorker(st, logger.Named("delivery"))
	worker.HTTP = &http.Client{}
	worker.Broker = b
	worker.Timeout = cfg.Delivery.Timeout
	worker.UserAgent = cfg.Delivery.UserAgent
	worker.Policy = webhooks.RetryPolicy{
		MaxAttempts: cfg.Delivery.MaxAttempts,
		Base:        cfg.Delivery.BackoffBase,
		Jitter:      cfg.Delivery.Jitter,
	}

	pub := webhooks.NewPublisher(st, st, worker, cfg.Dispatch.Workers, cfg.Dispatch.QueueSize, logger.Named("dispatch"))
	pub.Broker = b
	pub.Start()

	srvDeps := api.NewServer(cfg, st, pub, b, logger.Named("http"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srvDeps.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("API listening", zap.String("addr", srv.Addr),
			zap.Int("dispatch_workers", cfg.Dispatch.Workers),
			zap.Int("dispatch_queue_size", cfg.Dispatch.QueueSize))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	// in-flight deliveries are cancelled at the deadline and finalized as failures
	if err := pub.Stop(shutdownCtx); err != nil {
		logger.Warn("dispatch drain incomplete", zap.Error(err))
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, func(), error) {
	if cfg.Database.URL == "" {
		logger.Info("using in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.NewPostgres(cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	if cfg.Database.Migrate {
		mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := pg.Migrate(mctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migrations applied")
	}
	return pg, func() { _ = pg.Close() }, nil
}

func openBroker(cfg *config.Config, logger *zap.Logger) (broker.EventBroker, func(), error) {
	if cfg.Redis.URL == "" {
		return broker.NewMemory(), func() {}, nil
	}
	rb, err := broker.NewRedis(cfg.Redis.URL, logger.Named("broker"))
	if err != nil {
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	logger.Info("using redis broker")
	return rb, func() { _ = rb.Close() }, nil
}
