// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/haldis/outbox/internal/metrics"
	"github.com/haldis/outbox/internal/transport/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Deps struct {
	Audit    AuditReader
	Stats    StatsReader
	Requeue  Requeuer
	Health   HealthChecker
	Logger   *slog.Logger
	OpsToken string

	// OpsRatePerMinute throttles operator routes per client host; zero
	// disables the limiter.
	OpsRatePerMinute int

	Version   string
	Commit    string
	BuildDate string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("health check hit")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		if err := deps.Health.Check(r.Context()); err != nil {
			logger.Warn("readiness check failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- OPS (TOKEN AUTH) ----------------

	r.Group(func(ops chi.Router) {
		ops.Use(middleware.OpsTokenAuth(deps.OpsToken, logger))
		ops.Use(middleware.OpsRateLimit(deps.OpsRatePerMinute, logger))

		// ---------------- DISPATCH STATS ----------------

		ops.Get("/dispatch/stats", func(w http.ResponseWriter, r *http.Request) {
			if deps.Stats == nil {
				http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
				return
			}

			stats, err := deps.Stats.Stats(r.Context())
			if err != nil {
				logger.Error("dispatch stats failed", "error", err)
				http.Error(w, "failed to read dispatch stats", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, stats)
		})

		// ---------------- REQUEUE DEAD LETTER ----------------

		ops.Post("/dispatch/requeue/{eventID}", func(w http.ResponseWriter, r *http.Request) {
			if deps.Requeue == nil {
				http.Error(w, "requeue unavailable", http.StatusServiceUnavailable)
				return
			}

			eventID, err := uuid.Parse(chi.URLParam(r, "eventID"))
			if err != nil {
				http.Error(w, "invalid event ID", http.StatusBadRequest)
				return
			}

			requeued, err := deps.Requeue.Requeue(r.Context(), eventID)
			if err != nil {
				logger.Error("requeue failed", "event_id", eventID, "error", err)
				http.Error(w, "failed to requeue event", http.StatusInternalServerError)
				return
			}
			if !requeued {
				http.Error(w, "event is not in a terminal failed state", http.StatusConflict)
				return
			}

			logger.Info("event requeued via API", "event_id", eventID)

			writeJSON(w, http.StatusOK, map[string]string{
				"id":     eventID.String(),
				"status": "PENDING",
			})
		})

		// ---------------- AGGREGATE AUDIT TRAIL ----------------

		ops.Get("/tenants/{tenantID}/aggregates/{aggregateType}/{aggregateID}/events", func(w http.ResponseWriter, r *http.Request) {
			if deps.Audit == nil {
				http.Error(w, "audit unavailable", http.StatusServiceUnavailable)
				return
			}

			tenantID, err := uuid.Parse(chi.URLParam(r, "tenantID"))
			if err != nil {
				http.Error(w, "invalid tenant ID", http.StatusBadRequest)
				return
			}

			aggregateType := strings.TrimSpace(chi.URLParam(r, "aggregateType"))
			aggregateID := strings.TrimSpace(chi.URLParam(r, "aggregateID"))
			if aggregateType == "" || aggregateID == "" {
				http.Error(w, "invalid aggregate reference", http.StatusBadRequest)
				return
			}

			records, err := deps.Audit.GetByAggregate(r.Context(), tenantID, aggregateType, aggregateID)
			if err != nil {
				logger.Error("aggregate audit query failed",
					"tenant_id", tenantID,
					"aggregate", aggregateType+"/"+aggregateID,
					"error", err,
				)
				http.Error(w, "failed to read aggregate events", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, map[string]any{
				"events": records,
			})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func valueOrDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
