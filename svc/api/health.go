package api

import (
	"context"
	"encoding/json"
	"net/http"
	"pastebin/svc/db"
	"pastebin/svc/util"
	"time"
)

type HealthResponse struct {
	Status string `json:"status"`
}
type ReadyResponse struct {
	Ready    bool      `json:"ready"`
	Degraded bool      `json:"degraded"`
	Database string    `json:"database"`
	Limiter  string    `json:"limiter"`
	Pastes   *db.Stats `json:"pastes,omitempty"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// Ready fails when the store is down. A down Redis only degrades, since the
// limiter falls back to local buckets.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{
		Ready:    true,
		Database: "up",
		Limiter:  "local",
	}
	dbCtx, dbCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer dbCancel()
	if err := s.store.Ping(dbCtx); err != nil {
		util.Error().Err(err).Msg("database health check failed")
		resp.Database = "down"
		resp.Degraded = true
		resp.Ready = false
	} else if st, err := s.paste.Stats(dbCtx); err != nil {
		util.Warn().Err(err).Msg("store stats unavailable")
	} else {
		resp.Pastes = &st
	}
	if s.rdb != nil {
		resp.Limiter = "redis"
		rdbCtx, rdbCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer rdbCancel()
		if err := s.rdb.Ping(rdbCtx); err != nil {
			util.Warn().Err(err).Msg("redis health check failed")
			resp.Limiter = "redis-down"
			resp.Degraded = true
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}
