// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewEnvelope(t *testing.T) {
	occurred := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	rec := EventRecord{
		ID:             uuid.New(),
		TenantID:       uuid.New(),
		AggregateType:  "Order",
		AggregateID:    "42",
		EventType:      "order.created",
		Payload:        json.RawMessage(`{"total":100}`),
		Relayable:      true,
		OccurredAt:     occurred,
		Sequence:       7,
		DispatchStatus: DispatchClaimed,
		AttemptCount:   1,
	}

	env := NewEnvelope(rec)

	if env.ID != rec.ID {
		t.Fatalf("expected id %s got %s", rec.ID, env.ID)
	}
	if env.TenantID != rec.TenantID {
		t.Fatalf("expected tenant %s got %s", rec.TenantID, env.TenantID)
	}
	if env.EventType != "order.created" {
		t.Fatalf("expected event type order.created got %s", env.EventType)
	}
	if env.Sequence != 7 {
		t.Fatalf("expected sequence 7 got %d", env.Sequence)
	}
	if !env.OccurredAt.Equal(occurred) {
		t.Fatalf("expected occurred_at %s got %s", occurred, env.OccurredAt)
	}
	if string(env.Payload) != `{"total":100}` {
		t.Fatalf("unexpected payload %s", env.Payload)
	}
}

func TestEnvelopePartitionKeyMatchesAggregateKey(t *testing.T) {
	rec := EventRecord{
		ID:            uuid.New(),
		TenantID:      uuid.New(),
		AggregateType: "Order",
		AggregateID:   "42",
	}

	env := NewEnvelope(rec)
	if env.PartitionKey() != rec.AggregateKey() {
		t.Fatalf("expected partition key %q to match aggregate key %q",
			env.PartitionKey(), rec.AggregateKey())
	}
}
