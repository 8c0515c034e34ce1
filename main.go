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

	"github.com/yourorg/integrations-api/internal/app"
	"github.com/yourorg/integrations-api/internal/env"
	"github.com/yourorg/integrations-api/internal/logger"
	"github.com/yourorg/integrations-api/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "integrations-api:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := env.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: os.Stdout})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, "integrations-api", cfg.OTLPEndpoint, log)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	a.Start(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           BuildRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.SearchBudget + 15*time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("integrations-api listening", "port", cfg.Port)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err = <-errc:
	case <-ctx.Done():
		log.Info("shutting down")
	}

	sctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if serr := srv.Shutdown(sctx); serr != nil {
		log.Error("http shutdown", "err", serr)
	}
	if cerr := a.Close(); cerr != nil {
		log.Error("close backends", "err", cerr)
	}
	if terr := shutdownTracing(sctx); terr != nil {
		log.Warn("tracing shutdown", "err", terr)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
