package server

import (
	"net/http"
	"time"
)

// HandleEventStatus serves GET /api/events/status: the connection count
// and the connected account IDs. Diagnostic only.
func (s *Server) HandleEventStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if _, ok := s.requireAuth(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Status())
}

// HandleHealth serves GET /health. Unauthenticated liveness probe.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	health := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}

	if err := s.db.Ping(); err != nil {
		health["status"] = "degraded"
		health["database"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, health)
		return
	}

	stats := s.ticker.Stats()
	health["ticker"] = map[string]interface{}{
		"ticksProcessed": stats.TicksProcessed,
		"tasksExecuted":  stats.TasksExecuted,
		"tasksFailed":    stats.TasksFailed,
	}
	health["connections"] = s.registry.Status().TotalClients

	writeJSON(w, http.StatusOK, health)
}
