// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type DispatchStatus string

const (
	// DispatchNotApplicable marks audit-only records. They never enter the
	// relay pipeline and keep this status for life.
	DispatchNotApplicable DispatchStatus = "NOT_APPLICABLE"
	DispatchPending       DispatchStatus = "PENDING"
	DispatchClaimed       DispatchStatus = "CLAIMED"
	DispatchDispatched    DispatchStatus = "DISPATCHED"
	// DispatchFailed is terminal: the record exhausted its attempt budget
	// and waits for operator intervention (requeue).
	DispatchFailed DispatchStatus = "FAILED"
)

// EventRecord is one durable domain event plus its dispatch state.
// Everything up to and including Sequence is immutable after commit;
// only the dispatch-state fields mutate afterwards.
type EventRecord struct {
	ID            uuid.UUID       `json:"id"`
	TenantID      uuid.UUID       `json:"tenant_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Relayable     bool            `json:"relayable"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Sequence      int64           `json:"sequence"`

	DispatchStatus DispatchStatus `json:"dispatch_status"`
	ClaimedBy      *string        `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time     `json:"claimed_at,omitempty"`
	NextAttemptAt  *time.Time     `json:"next_attempt_at,omitempty"`
	AttemptCount   int            `json:"attempt_count"`
	LastError      *string        `json:"last_error,omitempty"`

	ActorID   string `json:"actor_id,omitempty"`
	ActorName string `json:"actor_name,omitempty"`
}

// AggregateKey identifies the aggregate instance a record belongs to.
func (r EventRecord) AggregateKey() string {
	return r.TenantID.String() + "/" + r.AggregateType + "/" + r.AggregateID
}

// Envelope is the relay message written to the bus. ID is included so
// consumers can deduplicate under at-least-once delivery.
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	TenantID      uuid.UUID       `json:"tenant_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Sequence      int64           `json:"sequence"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

func NewEnvelope(r EventRecord) Envelope {
	return Envelope{
		ID:            r.ID,
		TenantID:      r.TenantID,
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
		EventType:     r.EventType,
		Sequence:      r.Sequence,
		Payload:       r.Payload,
		OccurredAt:    r.OccurredAt,
	}
}

// PartitionKey routes all events of one aggregate to the same bus
// partition, preserving their sequence order downstream.
func (e Envelope) PartitionKey() string {
	return e.TenantID.String() + "/" + e.AggregateType + "/" + e.AggregateID
}

// DispatchStats are the monitoring counts exposed to operators.
type DispatchStats struct {
	Pending    int64 `json:"pending"`
	Claimed    int64 `json:"claimed"`
	Dispatched int64 `json:"dispatched"`
	Failed     int64 `json:"failed"`
}
