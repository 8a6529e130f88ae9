// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/haldis/outbox/internal/domain"
	"github.com/haldis/outbox/internal/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// BackoffPolicy computes the retry delay for a failed record. The delay is
// scoped to the record via its next_attempt_at column, so one persistently
// failing event never hot-loops the dispatcher.
type BackoffPolicy struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// Delay returns the wait before attempt n (1-based) may be retried.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

type Options struct {
	MaxAttempts int
	Backoff     BackoffPolicy
}

// EventRepository owns every query and state transition on event records.
// No other component writes the dispatch-state columns.
type EventRepository struct {
	pool        *pgxpool.Pool
	logger      *slog.Logger
	maxAttempts int
	backoff     BackoffPolicy
}

func NewEventRepository(pool *pgxpool.Pool, logger *slog.Logger, opts Options) *EventRepository {
	if logger == nil {
		logger = slog.Default()
	}

	maxAtt := opts.MaxAttempts
	if maxAtt <= 0 {
		maxAtt = 5
	}

	backoff := opts.Backoff
	if backoff.BaseDelay <= 0 {
		backoff.BaseDelay = 2 * time.Second
	}
	if backoff.Multiplier < 1 {
		backoff.Multiplier = 2
	}
	if backoff.MaxDelay <= 0 {
		backoff.MaxDelay = 5 * time.Minute
	}

	return &EventRepository{
		pool:        pool,
		logger:      logger,
		maxAttempts: maxAtt,
		backoff:     backoff,
	}
}

func (r *EventRepository) MaxAttempts() int { return r.maxAttempts }

// Insert writes one record inside the caller's transaction, so it commits
// or rolls back atomically with the business-state change that produced it.
func (r *EventRepository) Insert(ctx context.Context, tx pgx.Tx, rec *domain.EventRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO event_records (
			id, tenant_id, aggregate_type, aggregate_id, event_type,
			payload, relayable, occurred_at, sequence,
			dispatch_status, attempt_count, actor_id, actor_name
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,0,$11,$12)
	`,
		rec.ID,
		rec.TenantID,
		rec.AggregateType,
		rec.AggregateID,
		rec.EventType,
		rec.Payload,
		rec.Relayable,
		rec.OccurredAt,
		rec.Sequence,
		rec.DispatchStatus,
		rec.ActorID,
		rec.ActorName,
	)
	if err != nil {
		r.logger.Error("insert event record failed",
			"event_id", rec.ID,
			"tenant_id", rec.TenantID,
			"aggregate", rec.AggregateType+"/"+rec.AggregateID,
			"error", err,
		)
		return err
	}

	return nil
}

// NextSequence reserves the next per-aggregate sequence number. The upsert
// takes a row lock on the aggregate's offset row, so concurrent appends to
// the same aggregate serialize, and a rolled-back transaction releases its
// number — sequences stay gapless among committed records.
func (r *EventRepository) NextSequence(ctx context.Context, tx pgx.Tx, tenantID uuid.UUID, aggregateType, aggregateID string) (int64, error) {
	var seq int64
	err := tx.QueryRow(ctx, `
		INSERT INTO aggregate_offsets (tenant_id, aggregate_type, aggregate_id, last_sequence)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (tenant_id, aggregate_type, aggregate_id)
		DO UPDATE SET last_sequence = aggregate_offsets.last_sequence + 1
		RETURNING last_sequence
	`,
		tenantID,
		aggregateType,
		aggregateID,
	).Scan(&seq)
	if err != nil {
		r.logger.Error("next sequence failed",
			"tenant_id", tenantID,
			"aggregate", aggregateType+"/"+aggregateID,
			"error", err,
		)
		return 0, err
	}

	return seq, nil
}

// ClaimBatch atomically reserves up to batchSize relayable records for one
// worker. A record is eligible when it is PENDING past its backoff gate, or
// CLAIMED under a lease older than leaseDuration (abandoned by a crashed
// worker).
//
// Claiming happens in two steps inside one transaction. First the eligible
// "heads" are locked with FOR UPDATE SKIP LOCKED — a head is a record with
// no earlier-sequence sibling still undispatched, so at most one exists per
// aggregate. Then each head is extended with the contiguous run of eligible
// successors. Successor rows are only ever taken by the worker holding the
// head lock, which is what keeps per-aggregate publish order intact across
// concurrent dispatchers.
func (r *EventRepository) ClaimBatch(ctx context.Context, workerID string, batchSize int, leaseDuration time.Duration) ([]domain.EventRecord, error) {
	if batchSize <= 0 {
		return nil, nil
	}

	started := time.Now()
	now := started.UTC()
	leaseExpiredBefore := now.Add(-leaseDuration)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	heads, err := r.lockHeads(ctx, tx, now, leaseExpiredBefore, batchSize)
	if err != nil {
		r.logger.Error("lock claim heads failed", "worker_id", workerID, "error", err)
		return nil, err
	}
	if len(heads) == 0 {
		return nil, tx.Commit(ctx)
	}

	claimed := make([]domain.EventRecord, 0, batchSize)
	for _, head := range heads {
		if len(claimed) >= batchSize {
			break
		}
		claimed = append(claimed, head)

		room := batchSize - len(claimed)
		if room == 0 {
			break
		}

		successors, err := r.lockSuccessors(ctx, tx, head, now, leaseExpiredBefore, room)
		if err != nil {
			r.logger.Error("lock claim successors failed",
				"worker_id", workerID,
				"event_id", head.ID,
				"error", err,
			)
			return nil, err
		}
		claimed = append(claimed, contiguousRun(head.Sequence, successors)...)
	}

	ids := make([]string, 0, len(claimed))
	for _, rec := range claimed {
		ids = append(ids, rec.ID.String())
	}

	if _, err := tx.Exec(ctx, `
		UPDATE event_records
		SET dispatch_status=$1,
		    claimed_by=$2,
		    claimed_at=$3,
		    next_attempt_at=NULL
		WHERE id = ANY($4::uuid[])
	`,
		domain.DispatchClaimed,
		workerID,
		now,
		ids,
	); err != nil {
		r.logger.Error("mark records claimed failed", "worker_id", workerID, "error", err)
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	for i := range claimed {
		worker := workerID
		at := now
		claimed[i].DispatchStatus = domain.DispatchClaimed
		claimed[i].ClaimedBy = &worker
		claimed[i].ClaimedAt = &at
		claimed[i].NextAttemptAt = nil
	}

	metrics.ObserveClaimLatency(time.Since(started))
	r.logger.Debug("batch claimed", "worker_id", workerID, "count", len(claimed))

	return claimed, nil
}

// lockHeads selects and row-locks eligible records that lead their
// aggregate's undispatched queue. Only relayable siblings can block a head:
// audit-only records stay NOT_APPLICABLE for life and must never gate the
// relay pipeline behind them.
func (r *EventRepository) lockHeads(ctx context.Context, tx pgx.Tx, now, leaseExpiredBefore time.Time, limit int) ([]domain.EventRecord, error) {
	rows, err := tx.Query(ctx, `
		SELECT e.id, e.tenant_id, e.aggregate_type, e.aggregate_id, e.event_type,
		       e.payload, e.occurred_at, e.sequence, e.attempt_count, e.relayable
		FROM event_records e
		WHERE e.relayable
		  AND (
			(e.dispatch_status = $1 AND (e.next_attempt_at IS NULL OR e.next_attempt_at <= $3))
			OR (e.dispatch_status = $2 AND e.claimed_at < $4)
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM event_records p
			WHERE p.tenant_id = e.tenant_id
			  AND p.aggregate_type = e.aggregate_type
			  AND p.aggregate_id = e.aggregate_id
			  AND p.sequence < e.sequence
			  AND p.relayable
			  AND p.dispatch_status <> $5
		  )
		ORDER BY e.aggregate_type, e.aggregate_id, e.sequence
		FOR UPDATE OF e SKIP LOCKED
		LIMIT $6
	`,
		domain.DispatchPending,
		domain.DispatchClaimed,
		now,
		leaseExpiredBefore,
		domain.DispatchDispatched,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanClaimRows(rows)
}

// lockSuccessors row-locks the eligible records behind a locked head.
// Audit-only rows are fetched too so the contiguity walk can step over the
// sequence numbers they occupy.
func (r *EventRepository) lockSuccessors(ctx context.Context, tx pgx.Tx, head domain.EventRecord, now, leaseExpiredBefore time.Time, limit int) ([]domain.EventRecord, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, tenant_id, aggregate_type, aggregate_id, event_type,
		       payload, occurred_at, sequence, attempt_count, relayable
		FROM event_records
		WHERE tenant_id = $1
		  AND aggregate_type = $2
		  AND aggregate_id = $3
		  AND sequence > $4
		  AND (
			NOT relayable
			OR (dispatch_status = $5 AND (next_attempt_at IS NULL OR next_attempt_at <= $7))
			OR (dispatch_status = $6 AND claimed_at < $8)
		  )
		ORDER BY sequence
		FOR UPDATE SKIP LOCKED
		LIMIT $9
	`,
		head.TenantID,
		head.AggregateType,
		head.AggregateID,
		head.Sequence,
		domain.DispatchPending,
		domain.DispatchClaimed,
		now,
		leaseExpiredBefore,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanClaimRows(rows)
}

func scanClaimRows(rows pgx.Rows) ([]domain.EventRecord, error) {
	out := make([]domain.EventRecord, 0, 8)
	for rows.Next() {
		var rec domain.EventRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.TenantID,
			&rec.AggregateType,
			&rec.AggregateID,
			&rec.EventType,
			&rec.Payload,
			&rec.OccurredAt,
			&rec.Sequence,
			&rec.AttemptCount,
			&rec.Relayable,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}

	return out, rows.Err()
}

// contiguousRun keeps only the gap-free prefix of a head's successors. A gap
// means some relayable record in between is backoff-delayed, dead, or locked
// by another transaction; claiming past it would break sequence order.
// Audit-only records fill their sequence slot but are never claimed.
func contiguousRun(headSequence int64, successors []domain.EventRecord) []domain.EventRecord {
	run := make([]domain.EventRecord, 0, len(successors))
	next := headSequence + 1
	for _, rec := range successors {
		if rec.Sequence != next {
			break
		}
		next++
		if !rec.Relayable {
			continue
		}
		run = append(run, rec)
	}
	return run
}

// MarkDispatched finalizes a successfully published record and clears its
// lease. Idempotent: repeating it on an already-dispatched record is a no-op.
func (r *EventRepository) MarkDispatched(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE event_records
		SET dispatch_status=$2,
		    claimed_by=NULL,
		    claimed_at=NULL,
		    next_attempt_at=NULL
		WHERE id=$1
		  AND dispatch_status NOT IN ($2, $3)
	`,
		id,
		domain.DispatchDispatched,
		domain.DispatchNotApplicable,
	)
	if err != nil {
		r.logger.Error("mark dispatched failed", "event_id", id, "error", err)
		return err
	}

	if tag.RowsAffected() == 0 {
		r.logger.Debug("mark dispatched no-op", "event_id", id)
	}

	return nil
}

// MarkFailed records a publish failure: increments the attempt count, stores
// the cause, and returns the record to PENDING behind a backoff gate — or
// moves it to terminal FAILED once the attempt budget is exhausted. Returns
// the resulting status so the caller can surface dead-lettering. Only the
// worker holding the claim may report the failure.
func (r *EventRepository) MarkFailed(ctx context.Context, id uuid.UUID, workerID, cause string) (domain.DispatchStatus, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	var (
		attempts  int
		status    domain.DispatchStatus
		claimedBy *string
	)
	if err := tx.QueryRow(ctx, `
		SELECT attempt_count, dispatch_status, claimed_by
		FROM event_records
		WHERE id=$1
		FOR UPDATE
	`, id).Scan(&attempts, &status, &claimedBy); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrEventNotFound
		}
		r.logger.Error("read record for failure failed", "event_id", id, "error", err)
		return "", err
	}

	// A stale failure report: the lease expired and another worker already
	// took over, or the record left CLAIMED entirely. The newer owner's
	// outcome wins.
	if status != domain.DispatchClaimed || claimedBy == nil || *claimedBy != workerID {
		r.logger.Warn("mark failed skipped, claim not held by reporter",
			"event_id", id,
			"status", status,
			"worker_id", workerID,
		)
		return status, tx.Commit(ctx)
	}

	attempts++
	next := domain.DispatchPending
	var nextAttemptAt *time.Time
	if attempts >= r.maxAttempts {
		next = domain.DispatchFailed
	} else {
		at := time.Now().UTC().Add(r.backoff.Delay(attempts))
		nextAttemptAt = &at
	}

	if _, err := tx.Exec(ctx, `
		UPDATE event_records
		SET dispatch_status=$2,
		    attempt_count=$3,
		    last_error=$4,
		    next_attempt_at=$5,
		    claimed_by=NULL,
		    claimed_at=NULL
		WHERE id=$1
	`,
		id,
		next,
		attempts,
		cause,
		nextAttemptAt,
	); err != nil {
		r.logger.Error("mark failed update failed", "event_id", id, "error", err)
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}

	if next == domain.DispatchFailed {
		r.logger.Error("event dead-lettered",
			"event_id", id,
			"attempts", attempts,
			"max_attempts", r.maxAttempts,
			"cause", cause,
		)
	}

	return next, nil
}

// Release returns a claimed record to PENDING without counting an attempt.
// Used when an earlier record of the same aggregate failed mid-batch and
// publishing this one would break sequence order. A worker can only release
// its own claim; a reclaimed record stays with its new owner.
func (r *EventRepository) Release(ctx context.Context, id uuid.UUID, workerID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE event_records
		SET dispatch_status=$2,
		    claimed_by=NULL,
		    claimed_at=NULL
		WHERE id=$1
		  AND dispatch_status=$3
		  AND claimed_by=$4
	`,
		id,
		domain.DispatchPending,
		domain.DispatchClaimed,
		workerID,
	)
	if err != nil {
		r.logger.Error("release claim failed", "event_id", id, "error", err)
	}
	return err
}

// Requeue is the operator path for dead letters: a terminal FAILED record
// gets a fresh attempt budget and becomes claimable again.
func (r *EventRepository) Requeue(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE event_records
		SET dispatch_status=$2,
		    attempt_count=0,
		    next_attempt_at=NULL,
		    claimed_by=NULL,
		    claimed_at=NULL
		WHERE id=$1
		  AND dispatch_status=$3
	`,
		id,
		domain.DispatchPending,
		domain.DispatchFailed,
	)
	if err != nil {
		r.logger.Error("requeue failed", "event_id", id, "error", err)
		return false, err
	}

	requeued := tag.RowsAffected() > 0
	if requeued {
		r.logger.Info("event requeued", "event_id", id)
	}
	return requeued, nil
}

// GetByAggregate returns the full audit trail of one aggregate in sequence
// order. Read-only; dispatch state is untouched.
func (r *EventRepository) GetByAggregate(ctx context.Context, tenantID uuid.UUID, aggregateType, aggregateID string) ([]domain.EventRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, aggregate_type, aggregate_id, event_type,
		       payload, relayable, occurred_at, sequence,
		       dispatch_status, claimed_by, claimed_at, next_attempt_at,
		       attempt_count, last_error, actor_id, actor_name
		FROM event_records
		WHERE tenant_id=$1
		  AND aggregate_type=$2
		  AND aggregate_id=$3
		ORDER BY sequence ASC
	`,
		tenantID,
		aggregateType,
		aggregateID,
	)
	if err != nil {
		r.logger.Error("get by aggregate failed",
			"tenant_id", tenantID,
			"aggregate", aggregateType+"/"+aggregateID,
			"error", err,
		)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.EventRecord, 0, 8)
	for rows.Next() {
		var rec domain.EventRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.TenantID,
			&rec.AggregateType,
			&rec.AggregateID,
			&rec.EventType,
			&rec.Payload,
			&rec.Relayable,
			&rec.OccurredAt,
			&rec.Sequence,
			&rec.DispatchStatus,
			&rec.ClaimedBy,
			&rec.ClaimedAt,
			&rec.NextAttemptAt,
			&rec.AttemptCount,
			&rec.LastError,
			&rec.ActorID,
			&rec.ActorName,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}

	return out, rows.Err()
}

// Stats reports relayable record counts by dispatch status for monitoring.
func (r *EventRepository) Stats(ctx context.Context) (domain.DispatchStats, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT dispatch_status, COUNT(*)
		FROM event_records
		WHERE relayable
		GROUP BY dispatch_status
	`)
	if err != nil {
		r.logger.Error("dispatch stats query failed", "error", err)
		return domain.DispatchStats{}, err
	}
	defer rows.Close()

	var stats domain.DispatchStats
	for rows.Next() {
		var (
			status domain.DispatchStatus
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return domain.DispatchStats{}, err
		}
		switch status {
		case domain.DispatchPending:
			stats.Pending = count
		case domain.DispatchClaimed:
			stats.Claimed = count
		case domain.DispatchDispatched:
			stats.Dispatched = count
		case domain.DispatchFailed:
			stats.Failed = count
		}
	}

	return stats, rows.Err()
}
