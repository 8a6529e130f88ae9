// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haldis/outbox/internal/config"
	"github.com/haldis/outbox/internal/logging"
	"github.com/haldis/outbox/internal/persistence/postgres"
	"github.com/haldis/outbox/internal/repository"
	httptransport "github.com/haldis/outbox/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env, "outbox-api")

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
			log.Fatalf("schema bootstrap failed: %v", err)
		}
	}

	eventRepo := repository.NewEventRepository(pool, logger, repository.Options{
		MaxAttempts: cfg.MaxAttempts,
		Backoff: repository.BackoffPolicy{
			BaseDelay:  cfg.BackoffBaseDelay,
			Multiplier: cfg.BackoffMultiplier,
			MaxDelay:   cfg.BackoffMaxDelay,
		},
	})

	handler := httptransport.NewRouter(httptransport.Deps{
		Audit:            eventRepo,
		Stats:            eventRepo,
		Requeue:          eventRepo,
		Health:           postgres.NewSchemaHealthChecker(pool),
		Logger:           logger,
		OpsToken:         cfg.OpsToken,
		OpsRatePerMinute: cfg.OpsRatePerMinute,
		Version:          Version,
		Commit:           Commit,
		BuildDate:        BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("ops api listening",
			"addr", cfg.HTTPAddr,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
}
