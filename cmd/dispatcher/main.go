// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/haldis/outbox/internal/bus"
	"github.com/haldis/outbox/internal/config"
	"github.com/haldis/outbox/internal/dispatcher"
	"github.com/haldis/outbox/internal/logging"
	"github.com/haldis/outbox/internal/persistence/postgres"
	"github.com/haldis/outbox/internal/repository"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env, "outbox-dispatcher")

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

	writer := bus.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
	publisher := bus.NewKafkaPublisher(writer, logger)
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Error("kafka writer close failed", "error", err)
		}
	}()

	d := dispatcher.New(dispatcher.Deps{
		Source:        eventRepo,
		Publisher:     publisher,
		Logger:        logger,
		WorkerID:      cfg.WorkerID,
		BatchSize:     cfg.BatchSize,
		PollInterval:  cfg.PollInterval,
		LeaseDuration: cfg.LeaseDuration,
	})

	d.Run(ctx)
}
