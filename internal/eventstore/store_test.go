// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/haldis/outbox/internal/domain"
	"github.com/jackc/pgx/v5"
)

type fakeWriter struct {
	nextSeq    int64
	seqErr     error
	insertErr  error
	inserted   []domain.EventRecord
	seqCalls   int
	lastTenant uuid.UUID
}

func (f *fakeWriter) NextSequence(ctx context.Context, tx pgx.Tx, tenantID uuid.UUID, aggregateType, aggregateID string) (int64, error) {
	f.seqCalls++
	f.lastTenant = tenantID
	if f.seqErr != nil {
		return 0, f.seqErr
	}
	f.nextSeq++
	return f.nextSeq, nil
}

func (f *fakeWriter) Insert(ctx context.Context, tx pgx.Tx, rec *domain.EventRecord) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, *rec)
	return nil
}

type orderCreated struct {
	Total int `json:"total"`
}

func (orderCreated) EventType() string { return "order.created" }

type orderNoteAdded struct {
	Note string `json:"note"`
}

func (orderNoteAdded) EventType() string { return "order.note_added" }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry() *domain.Registry {
	reg := domain.NewRegistry()
	reg.Register("order.created", true)
	reg.Register("order.note_added", false)
	return reg
}

func testScope() Scope {
	return Scope{
		TenantID:      uuid.New(),
		AggregateType: "Order",
		AggregateID:   "42",
		ActorID:       "user-9",
		ActorName:     "Jo Doe",
	}
}

func TestAppendRelayableEvent(t *testing.T) {
	writer := &fakeWriter{}
	store := New(writer, testRegistry(), discardLogger())
	scope := testScope()

	id, err := store.Append(context.Background(), nil, orderCreated{Total: 100}, scope)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == uuid.Nil {
		t.Fatal("expected a record id")
	}

	if len(writer.inserted) != 1 {
		t.Fatalf("expected 1 inserted record got %d", len(writer.inserted))
	}
	rec := writer.inserted[0]

	if rec.ID != id {
		t.Fatalf("expected returned id %s to match inserted %s", id, rec.ID)
	}
	if !rec.Relayable {
		t.Fatal("expected record to be relayable")
	}
	if rec.DispatchStatus != domain.DispatchPending {
		t.Fatalf("expected status PENDING got %s", rec.DispatchStatus)
	}
	if rec.Sequence != 1 {
		t.Fatalf("expected sequence 1 got %d", rec.Sequence)
	}
	if rec.EventType != "order.created" {
		t.Fatalf("expected event type order.created got %s", rec.EventType)
	}
	if string(rec.Payload) != `{"total":100}` {
		t.Fatalf("unexpected payload %s", rec.Payload)
	}
	if rec.TenantID != scope.TenantID {
		t.Fatalf("expected tenant %s got %s", scope.TenantID, rec.TenantID)
	}
	if rec.ActorID != "user-9" || rec.ActorName != "Jo Doe" {
		t.Fatalf("expected actor to be recorded, got %s/%s", rec.ActorID, rec.ActorName)
	}
	if rec.OccurredAt.IsZero() {
		t.Fatal("expected occurred_at to be set")
	}
	if loc := rec.OccurredAt.Location(); loc != nil && loc.String() != "UTC" {
		t.Fatalf("expected occurred_at in UTC got %s", loc)
	}
}

func TestAppendAuditOnlyEvent(t *testing.T) {
	writer := &fakeWriter{}
	store := New(writer, testRegistry(), discardLogger())

	_, err := store.Append(context.Background(), nil, orderNoteAdded{Note: "hi"}, testScope())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := writer.inserted[0]
	if rec.Relayable {
		t.Fatal("expected audit-only record")
	}
	if rec.DispatchStatus != domain.DispatchNotApplicable {
		t.Fatalf("expected status NOT_APPLICABLE got %s", rec.DispatchStatus)
	}
}

func TestAppendSequencesConsecutively(t *testing.T) {
	writer := &fakeWriter{}
	store := New(writer, testRegistry(), discardLogger())
	scope := testScope()

	for i := 0; i < 3; i++ {
		if _, err := store.Append(context.Background(), nil, orderCreated{Total: i}, scope); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	for i, rec := range writer.inserted {
		if rec.Sequence != int64(i+1) {
			t.Fatalf("expected sequence %d got %d", i+1, rec.Sequence)
		}
	}
}

func TestAppendUnregisteredEventType(t *testing.T) {
	writer := &fakeWriter{}
	store := New(writer, domain.NewRegistry(), discardLogger())

	_, err := store.Append(context.Background(), nil, orderCreated{}, testScope())
	if !errors.Is(err, domain.ErrUnregisteredEventType) {
		t.Fatalf("expected ErrUnregisteredEventType got %v", err)
	}
	if writer.seqCalls != 0 {
		t.Fatal("expected no sequence assignment for rejected append")
	}
}

func TestAppendInvalidScope(t *testing.T) {
	store := New(&fakeWriter{}, testRegistry(), discardLogger())

	cases := []Scope{
		{AggregateType: "Order", AggregateID: "42"},
		{TenantID: uuid.New(), AggregateID: "42"},
		{TenantID: uuid.New(), AggregateType: "Order"},
		{TenantID: uuid.New(), AggregateType: "  ", AggregateID: "42"},
	}

	for i, scope := range cases {
		if _, err := store.Append(context.Background(), nil, orderCreated{}, scope); !errors.Is(err, domain.ErrInvalidScope) {
			t.Fatalf("case %d: expected ErrInvalidScope got %v", i, err)
		}
	}
}

func TestAppendWrapsSequenceFailure(t *testing.T) {
	cause := errors.New("deadlock detected")
	store := New(&fakeWriter{seqErr: cause}, testRegistry(), discardLogger())

	_, err := store.Append(context.Background(), nil, orderCreated{}, testScope())

	var pErr *domain.PersistenceError
	if !errors.As(err, &pErr) {
		t.Fatalf("expected PersistenceError got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be preserved")
	}
}

func TestAppendWrapsInsertFailure(t *testing.T) {
	cause := errors.New("connection reset")
	store := New(&fakeWriter{insertErr: cause}, testRegistry(), discardLogger())

	_, err := store.Append(context.Background(), nil, orderCreated{}, testScope())

	var pErr *domain.PersistenceError
	if !errors.As(err, &pErr) {
		t.Fatalf("expected PersistenceError got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be preserved")
	}
}
