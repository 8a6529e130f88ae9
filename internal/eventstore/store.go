// SPDX-License-Identifier: Apache-2.0

// Package eventstore is the only API business-operation handlers use to
// record domain events. Append writes through the caller's transaction and
// never touches the message bus; relaying is the dispatcher's job. That
// separation is what makes the business transaction independent of bus
// availability.
package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haldis/outbox/internal/domain"
	"github.com/haldis/outbox/internal/metrics"
	"github.com/jackc/pgx/v5"
)

// Scope carries the identity of the operation appending an event: the
// owning tenant, the aggregate instance that produced it, and the actor
// recorded for audit.
type Scope struct {
	TenantID      uuid.UUID
	AggregateType string
	AggregateID   string
	ActorID       string
	ActorName     string
}

func (s Scope) validate() error {
	if s.TenantID == uuid.Nil ||
		strings.TrimSpace(s.AggregateType) == "" ||
		strings.TrimSpace(s.AggregateID) == "" {
		return domain.ErrInvalidScope
	}
	return nil
}

type recordWriter interface {
	NextSequence(ctx context.Context, tx pgx.Tx, tenantID uuid.UUID, aggregateType, aggregateID string) (int64, error)
	Insert(ctx context.Context, tx pgx.Tx, rec *domain.EventRecord) error
}

type Store struct {
	writer   recordWriter
	registry *domain.Registry
	logger   *slog.Logger
}

func New(writer recordWriter, registry *domain.Registry, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		writer:   writer,
		registry: registry,
		logger:   logger,
	}
}

// Append persists one domain event inside the caller's transaction. The
// record commits or rolls back atomically with every other write the caller
// makes on tx. Returns the new record's id.
//
// Write failures come back as *domain.PersistenceError; the caller must let
// its transaction roll back so state and events never diverge.
func (s *Store) Append(ctx context.Context, tx pgx.Tx, event domain.Event, scope Scope) (uuid.UUID, error) {
	if err := scope.validate(); err != nil {
		return uuid.Nil, err
	}

	relayable, ok := s.registry.Classify(event.EventType())
	if !ok {
		s.logger.Error("append rejected, unregistered event type",
			"event_type", event.EventType(),
			"tenant_id", scope.TenantID,
		)
		return uuid.Nil, domain.ErrUnregisteredEventType
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return uuid.Nil, &domain.PersistenceError{Op: "serialize payload", Err: err}
	}

	seq, err := s.writer.NextSequence(ctx, tx, scope.TenantID, scope.AggregateType, scope.AggregateID)
	if err != nil {
		return uuid.Nil, &domain.PersistenceError{Op: "assign sequence", Err: err}
	}

	status := domain.DispatchNotApplicable
	if relayable {
		status = domain.DispatchPending
	}

	rec := domain.EventRecord{
		ID:             uuid.New(),
		TenantID:       scope.TenantID,
		AggregateType:  scope.AggregateType,
		AggregateID:    scope.AggregateID,
		EventType:      event.EventType(),
		Payload:        payload,
		Relayable:      relayable,
		OccurredAt:     time.Now().UTC(),
		Sequence:       seq,
		DispatchStatus: status,
		ActorID:        scope.ActorID,
		ActorName:      scope.ActorName,
	}

	if err := s.writer.Insert(ctx, tx, &rec); err != nil {
		return uuid.Nil, &domain.PersistenceError{Op: "insert record", Err: err}
	}

	metrics.IncEventsAppended(relayable)
	s.logger.Debug("event appended",
		"event_id", rec.ID,
		"event_type", rec.EventType,
		"aggregate", rec.AggregateType+"/"+rec.AggregateID,
		"sequence", rec.Sequence,
		"relayable", rec.Relayable,
	)

	return rec.ID, nil
}
