package handler

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"
)

type HealthHandler struct {
	db      *sql.DB
	started time.Time
}

func NewHealthHandler(db *sql.DB) *HealthHandler {
	return &HealthHandler{db: db, started: time.Now().UTC()}
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "ledger-api",
		"uptime_s":  int64(time.Since(h.started).Seconds()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness pings the database with a short deadline; the ledger cannot
// serve anything without it.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbStatus := "ok"
	httpStatus := http.StatusOK
	if err := h.db.PingContext(ctx); err != nil {
		slog.Warn("readiness check failed: database unreachable", "error", err)
		dbStatus = "down"
		httpStatus = http.StatusServiceUnavailable
	}

	status := "ok"
	if httpStatus != http.StatusOK {
		status = "down"
	}

	RespondJSON(w, httpStatus, map[string]any{
		"status":    status,
		"service":   "ledger-api",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks": map[string]string{
			"database": dbStatus,
		},
	})
}
