// SPDX-License-Identifier: Apache-2.0

// Ops command-line tool: inspect dispatch state and requeue dead letters
// without going through the HTTP API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/haldis/outbox/internal/config"
	"github.com/haldis/outbox/internal/logging"
	"github.com/haldis/outbox/internal/persistence/postgres"
	"github.com/haldis/outbox/internal/repository"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	cfg := config.Load()
	logger := logging.NewLogger(cfg.Env, "outbox-cli")
	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	repo := repository.NewEventRepository(pool, logger, repository.Options{
		MaxAttempts: cfg.MaxAttempts,
		Backoff: repository.BackoffPolicy{
			BaseDelay:  cfg.BackoffBaseDelay,
			Multiplier: cfg.BackoffMultiplier,
			MaxDelay:   cfg.BackoffMaxDelay,
		},
	})

	switch os.Args[1] {
	case "stats":
		if err := runStats(ctx, repo); err != nil {
			logger.Error("stats failed", "error", err)
			os.Exit(1)
		}
	case "events":
		if len(os.Args) != 5 {
			printUsage(os.Stderr)
			os.Exit(2)
		}
		if err := runEvents(ctx, repo, os.Args[2], os.Args[3], os.Args[4]); err != nil {
			logger.Error("events failed", "error", err)
			os.Exit(1)
		}
	case "requeue":
		if len(os.Args) != 3 {
			printUsage(os.Stderr)
			os.Exit(2)
		}
		if err := runRequeue(ctx, repo, os.Args[2]); err != nil {
			logger.Error("requeue failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage(os.Stderr)
		os.Exit(2)
	}
}

func runStats(ctx context.Context, repo *repository.EventRepository) error {
	stats, err := repo.Stats(ctx)
	if err != nil {
		return err
	}
	return printJSON(stats)
}

func runEvents(ctx context.Context, repo *repository.EventRepository, tenant, aggregateType, aggregateID string) error {
	tenantID, err := uuid.Parse(tenant)
	if err != nil {
		return fmt.Errorf("invalid tenant id %q: %w", tenant, err)
	}

	records, err := repo.GetByAggregate(ctx, tenantID, aggregateType, aggregateID)
	if err != nil {
		return err
	}
	return printJSON(records)
}

func runRequeue(ctx context.Context, repo *repository.EventRepository, rawID string) error {
	eventID, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid event id %q: %w", rawID, err)
	}

	requeued, err := repo.Requeue(ctx, eventID)
	if err != nil {
		return err
	}
	if !requeued {
		return fmt.Errorf("event %s is not in a terminal failed state", eventID)
	}

	fmt.Printf("event %s requeued\n", eventID)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage:")
	fmt.Fprintln(w, "  cli stats                                   dispatch status counts")
	fmt.Fprintln(w, "  cli events <tenant> <agg-type> <agg-id>     audit trail for one aggregate")
	fmt.Fprintln(w, "  cli requeue <event-id>                      return a dead letter to the queue")
}
