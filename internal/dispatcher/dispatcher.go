// SPDX-License-Identifier: Apache-2.0

package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/haldis/outbox/internal/bus"
	"github.com/haldis/outbox/internal/domain"
	"github.com/haldis/outbox/internal/metrics"
)

// EventSource is the repository surface the dispatcher drives. All
// coordination between concurrent dispatcher instances happens through
// ClaimBatch's atomicity; instances never talk to each other.
type EventSource interface {
	ClaimBatch(ctx context.Context, workerID string, batchSize int, leaseDuration time.Duration) ([]domain.EventRecord, error)
	MarkDispatched(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, workerID, cause string) (domain.DispatchStatus, error)
	Release(ctx context.Context, id uuid.UUID, workerID string) error
}

type Deps struct {
	Source        EventSource
	Publisher     bus.Publisher
	Logger        *slog.Logger
	WorkerID      string
	BatchSize     int
	PollInterval  time.Duration
	LeaseDuration time.Duration
}

// Dispatcher relays claimed records to the message bus. Plain struct, no
// process-wide state: running more instances is just calling New again.
type Dispatcher struct {
	source        EventSource
	publisher     bus.Publisher
	logger        *slog.Logger
	workerID      string
	batchSize     int
	pollInterval  time.Duration
	leaseDuration time.Duration
}

func New(deps Deps) *Dispatcher {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	workerID := deps.WorkerID
	if workerID == "" {
		workerID = "dispatcher-" + uuid.NewString()
	}

	batchSize := deps.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	poll := deps.PollInterval
	if poll <= 0 {
		poll = time.Second
	}

	lease := deps.LeaseDuration
	if lease <= 0 {
		lease = time.Minute
	}

	return &Dispatcher{
		source:        deps.Source,
		publisher:     deps.Publisher,
		logger:        l,
		workerID:      workerID,
		batchSize:     batchSize,
		pollInterval:  poll,
		leaseDuration: lease,
	}
}

func (d *Dispatcher) WorkerID() string { return d.workerID }

// Run polls until the context is canceled. A failed cycle is logged and
// retried on the next tick; it never crashes the loop.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started",
		"worker_id", d.workerID,
		"batch_size", d.batchSize,
		"poll_interval", d.pollInterval,
		"lease_duration", d.leaseDuration,
	)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped", "worker_id", d.workerID)
			return
		case <-ticker.C:
			d.drain(ctx)
		}
	}
}

// drain runs claim cycles back to back while full batches keep coming, so a
// deep backlog is worked off without waiting out a poll tick between claims.
// The ticker only paces the loop once a claim comes back short.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		claimed, _, err := d.ProcessOnce(ctx)
		if err != nil {
			d.logger.Error("dispatch cycle failed",
				"worker_id", d.workerID,
				"error", err,
			)
			return
		}
		if claimed < d.batchSize || ctx.Err() != nil {
			return
		}
	}
}

// ProcessOnce runs one claim/publish/complete cycle and returns how many
// records were claimed and how many of those were published. Per-record
// outcomes are independent: one publish failure marks that record failed and
// releases the rest of its aggregate's claims (publishing past it would
// break sequence order), but other aggregates in the batch proceed normally.
func (d *Dispatcher) ProcessOnce(ctx context.Context) (claimed, published int, err error) {
	batch, err := d.source.ClaimBatch(ctx, d.workerID, d.batchSize, d.leaseDuration)
	if err != nil {
		return 0, 0, err
	}

	metrics.ObserveClaimedBatchSize(len(batch))
	if len(batch) == 0 {
		return 0, 0, nil
	}

	failedAggregates := make(map[string]bool, 2)

	for _, rec := range batch {
		key := rec.AggregateKey()

		if failedAggregates[key] {
			if err := d.source.Release(ctx, rec.ID, d.workerID); err != nil {
				d.logger.Error("release after aggregate failure failed",
					"worker_id", d.workerID,
					"event_id", rec.ID,
					"error", err,
				)
			}
			metrics.IncPublishOutcome("released")
			continue
		}

		if err := d.publisher.Publish(ctx, domain.NewEnvelope(rec)); err != nil {
			d.logger.Warn("publish failed",
				"worker_id", d.workerID,
				"event_id", rec.ID,
				"event_type", rec.EventType,
				"sequence", rec.Sequence,
				"error", err,
			)
			metrics.IncPublishOutcome("failed")
			failedAggregates[key] = true

			status, mErr := d.source.MarkFailed(ctx, rec.ID, d.workerID, err.Error())
			if mErr != nil {
				d.logger.Error("mark failed errored",
					"worker_id", d.workerID,
					"event_id", rec.ID,
					"error", mErr,
				)
				continue
			}
			if status == domain.DispatchFailed {
				metrics.IncDeadLetters()
			}
			continue
		}

		if err := d.source.MarkDispatched(ctx, rec.ID); err != nil {
			// The publish went out; a completion failure here means the
			// record may be re-published after its lease expires. Consumers
			// deduplicate on event id.
			d.logger.Error("mark dispatched errored",
				"worker_id", d.workerID,
				"event_id", rec.ID,
				"error", err,
			)
			continue
		}

		metrics.IncPublishOutcome("published")
		published++
	}

	d.logger.Debug("dispatch cycle complete",
		"worker_id", d.workerID,
		"claimed", len(batch),
		"published", published,
	)

	return len(batch), published, nil
}
