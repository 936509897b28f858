package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/meridian-chat/meridian/internal/adapters/postgres"
	"github.com/meridian-chat/meridian/internal/ports"
)

// HealthHandler answers liveness and database health probes.
type HealthHandler struct {
	router        *postgres.Router
	replicaHealth ports.ReplicaHealth
}

func NewHealthHandler(router *postgres.Router, replicaHealth ports.ReplicaHealth) *HealthHandler {
	return &HealthHandler{router: router, replicaHealth: replicaHealth}
}

type healthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

type poolStats struct {
	Acquired int32 `json:"acquired"`
	Idle     int32 `json:"idle"`
	Total    int32 `json:"total"`
	Max      int32 `json:"max"`
}

type databaseHealthResponse struct {
	Status  string     `json:"status"`
	Primary *poolStats `json:"primary,omitempty"`
	Replica *struct {
		poolStats
		Healthy    bool    `json:"healthy"`
		LagSeconds float64 `json:"lag_seconds"`
	} `json:"replica,omitempty"`
}

// Handle is the liveness probe; it never touches dependencies.
func (h *HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, &healthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	}, http.StatusOK)
}

// HandleDatabase pings the primary and reports pool and replica state.
func (h *HealthHandler) HandleDatabase(w http.ResponseWriter, r *http.Request) {
	resp := &databaseHealthResponse{Status: "ok"}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	primary := h.router.Primary()
	if err := primary.Ping(ctx); err != nil {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	resp.Primary = statsOf(primary)

	if replica := h.router.Replica(); replica != nil {
		rep := &struct {
			poolStats
			Healthy    bool    `json:"healthy"`
			LagSeconds float64 `json:"lag_seconds"`
		}{poolStats: *statsOf(replica)}
		if h.replicaHealth != nil {
			rep.Healthy = h.replicaHealth.Healthy()
			rep.LagSeconds = h.replicaHealth.LagSeconds()
			if !rep.Healthy && resp.Status == "ok" {
				resp.Status = "degraded"
			}
		}
		resp.Replica = rep
	}

	respondJSON(w, resp, status)
}

func statsOf(pool *pgxpool.Pool) *poolStats {
	stat := pool.Stat()
	return &poolStats{
		Acquired: stat.AcquiredConns(),
		Idle:     stat.IdleConns(),
		Total:    stat.TotalConns(),
		Max:      stat.MaxConns(),
	}
}
