// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/google/uuid"
	"github.com/haldis/outbox/internal/domain"
)

type AuditReader interface {
	GetByAggregate(ctx context.Context, tenantID uuid.UUID, aggregateType, aggregateID string) ([]domain.EventRecord, error)
}

type StatsReader interface {
	Stats(ctx context.Context) (domain.DispatchStats, error)
}

type Requeuer interface {
	Requeue(ctx context.Context, id uuid.UUID) (bool, error)
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
