// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/haldis/outbox/internal/domain"
)

const testOpsToken = "ops-secret"

type mockAudit struct {
	records []domain.EventRecord
	err     error
	called  bool
}

func (m *mockAudit) GetByAggregate(ctx context.Context, tenantID uuid.UUID, aggregateType, aggregateID string) ([]domain.EventRecord, error) {
	m.called = true
	return m.records, m.err
}

type mockStats struct {
	stats domain.DispatchStats
	err   error
}

func (m *mockStats) Stats(ctx context.Context) (domain.DispatchStats, error) {
	return m.stats, m.err
}

type mockRequeuer struct {
	requeued bool
	err      error
	lastID   uuid.UUID
}

func (m *mockRequeuer) Requeue(ctx context.Context, id uuid.UUID) (bool, error) {
	m.lastID = id
	return m.requeued, m.err
}

type mockHealth struct {
	err error
}

func (m *mockHealth) Check(ctx context.Context) error { return m.err }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(deps Deps) http.Handler {
	deps.Logger = discardLogger()
	if deps.OpsToken == "" {
		deps.OpsToken = testOpsToken
	}
	return NewRouter(deps)
}

func opsRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("Authorization", "Bearer "+testOpsToken)
	return req
}

func TestRouter_Healthz(t *testing.T) {
	router := newTestRouter(Deps{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("expected body ok got %q", rec.Body.String())
	}
}

func TestRouter_ReadyzReflectsHealthCheck(t *testing.T) {
	router := newTestRouter(Deps{Health: &mockHealth{}})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}

	router = newTestRouter(Deps{Health: &mockHealth{err: errors.New("schema missing")}})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 got %d", rec.Code)
	}
}

func TestRouter_Version(t *testing.T) {
	router := newTestRouter(Deps{Version: "1.2.3", Commit: "abc123", BuildDate: "2025-03-14"})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["version"] != "1.2.3" || resp["commit"] != "abc123" || resp["build_date"] != "2025-03-14" {
		t.Fatalf("unexpected version payload: %v", resp)
	}
}

func TestRouter_VersionDefaults(t *testing.T) {
	router := newTestRouter(Deps{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["version"] != "dev" || resp["commit"] != "none" || resp["build_date"] != "unknown" {
		t.Fatalf("unexpected default version payload: %v", resp)
	}
}

func TestRouter_OpsEndpointsRequireToken(t *testing.T) {
	router := newTestRouter(Deps{Stats: &mockStats{}})

	targets := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/dispatch/stats"},
		{http.MethodPost, "/dispatch/requeue/" + uuid.NewString()},
		{http.MethodGet, "/tenants/" + uuid.NewString() + "/aggregates/Order/42/events"},
	}

	for _, target := range targets {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(target.method, target.path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected status 401 got %d", target.method, target.path, rec.Code)
		}

		rec = httptest.NewRecorder()
		req := httptest.NewRequest(target.method, target.path, nil)
		req.Header.Set("Authorization", "Bearer wrong-token")
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected status 401 for wrong token got %d", target.method, target.path, rec.Code)
		}
	}
}

func TestRouter_DispatchStats(t *testing.T) {
	stats := &mockStats{stats: domain.DispatchStats{Pending: 3, Claimed: 1, Dispatched: 10, Failed: 2}}
	router := newTestRouter(Deps{Stats: stats})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, opsRequest(http.MethodGet, "/dispatch/stats"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}

	var resp domain.DispatchStats
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp != stats.stats {
		t.Fatalf("expected stats %+v got %+v", stats.stats, resp)
	}
}

func TestRouter_DispatchStatsError(t *testing.T) {
	router := newTestRouter(Deps{Stats: &mockStats{err: errors.New("query failed")}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, opsRequest(http.MethodGet, "/dispatch/stats"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500 got %d", rec.Code)
	}
}

func TestRouter_Requeue(t *testing.T) {
	requeuer := &mockRequeuer{requeued: true}
	router := newTestRouter(Deps{Requeue: requeuer})
	eventID := uuid.New()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, opsRequest(http.MethodPost, "/dispatch/requeue/"+eventID.String()))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if requeuer.lastID != eventID {
		t.Fatalf("expected requeue of %s got %s", eventID, requeuer.lastID)
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["id"] != eventID.String() || resp["status"] != "PENDING" {
		t.Fatalf("unexpected requeue payload: %v", resp)
	}
}

func TestRouter_RequeueNotTerminal(t *testing.T) {
	router := newTestRouter(Deps{Requeue: &mockRequeuer{requeued: false}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, opsRequest(http.MethodPost, "/dispatch/requeue/"+uuid.NewString()))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409 got %d", rec.Code)
	}
}

func TestRouter_RequeueInvalidID(t *testing.T) {
	router := newTestRouter(Deps{Requeue: &mockRequeuer{}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, opsRequest(http.MethodPost, "/dispatch/requeue/not-a-uuid"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}
}

func TestRouter_AggregateEvents(t *testing.T) {
	tenantID := uuid.New()
	audit := &mockAudit{records: []domain.EventRecord{
		{ID: uuid.New(), TenantID: tenantID, AggregateType: "Order", AggregateID: "42", EventType: "order.created", Sequence: 1},
		{ID: uuid.New(), TenantID: tenantID, AggregateType: "Order", AggregateID: "42", EventType: "order.updated", Sequence: 2},
	}}
	router := newTestRouter(Deps{Audit: audit})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, opsRequest(http.MethodGet,
		"/tenants/"+tenantID.String()+"/aggregates/Order/42/events"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if !audit.called {
		t.Fatal("expected audit reader to be called")
	}

	var resp struct {
		Events []domain.EventRecord `json:"events"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Events) != 2 {
		t.Fatalf("expected 2 events got %d", len(resp.Events))
	}
	if resp.Events[0].Sequence != 1 || resp.Events[1].Sequence != 2 {
		t.Fatal("expected events in sequence order")
	}
}

func TestRouter_AggregateEventsInvalidTenant(t *testing.T) {
	router := newTestRouter(Deps{Audit: &mockAudit{}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, opsRequest(http.MethodGet, "/tenants/not-a-uuid/aggregates/Order/42/events"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}
}

func TestRouter_AggregateEventsError(t *testing.T) {
	router := newTestRouter(Deps{Audit: &mockAudit{err: errors.New("query failed")}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, opsRequest(http.MethodGet,
		"/tenants/"+uuid.NewString()+"/aggregates/Order/42/events"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500 got %d", rec.Code)
	}
}
