package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/rideboard/internal/config"
	"github.com/example/rideboard/internal/events"
	httpapi "github.com/example/rideboard/internal/http"
	"github.com/example/rideboard/internal/lifecycle"
	"github.com/example/rideboard/internal/logging"
	"github.com/example/rideboard/internal/outbox"
	"github.com/example/rideboard/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("server", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		// migrations run to completion before the listener starts
		if err := storage.Migrate(ctx, ps.DB(), cfg.MigrationsDir); err != nil {
			logger.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		store = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory store; state is lost on restart")
		store = storage.NewMemoryStore()
	}

	engine := lifecycle.NewEngine(store, logger)
	api := httpapi.NewServer(engine, store, logger)

	if len(cfg.KafkaBrokers) > 0 {
		producer := events.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		pub := &outbox.Publisher{
			Store:    store,
			Sink:     producer,
			Logger:   logger,
			Interval: cfg.OutboxInterval,
			Batch:    cfg.OutboxBatch,
		}
		go pub.Run(ctx)
	} else {
		logger.Warn("KAFKA_BROKERS not set, lifecycle events stay in the outbox")
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("rideboard api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
}
