package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/rideboard/internal/config"
	"github.com/example/rideboard/internal/logging"
	"github.com/example/rideboard/internal/relay"
)

func main() {
	cfg, err := config.LoadRelayConfig()
	logger := logging.NewLogger("relay", os.Getenv("LOG_LEVEL"))
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := relay.NewHub(logger, cfg.WriteTimeout, cfg.SendBuffer)
	go hub.Run(ctx)

	srv := relay.NewServer(hub, cfg, logger)

	public := &http.Server{Addr: cfg.PublicAddr, Handler: srv.PublicHandler()}
	private := &http.Server{
		Addr:         cfg.PrivateAddr,
		Handler:      srv.PrivateHandler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	serve := func(name string, s *http.Server) {
		logger.Info("relay listener up", "name", name, "addr", s.Addr)
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listener stopped", "name", name, "error", err)
			stop()
		}
	}
	go serve("public", public)
	go serve("private", private)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = private.Shutdown(shutdownCtx)
	_ = public.Shutdown(shutdownCtx)
}
