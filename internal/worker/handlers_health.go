package worker

import (
	"net/http"
	"time"
)

// handleHealth reports liveness, store reachability and hub counters.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ready"
	code := http.StatusOK
	if !s.ready.Load() {
		status = "starting"
	}

	database := "ok"
	if s.store != nil {
		if err := s.store.Ping(); err != nil {
			database = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, code, map[string]any{
		"status":      status,
		"version":     s.version,
		"uptime":      time.Since(s.startTime).Round(time.Second).String(),
		"database":    database,
		"connections": s.hub.ConnectionCount(),
		"rooms":       s.hub.RoomCount(),
		"processes":   s.supervisor.Live(),
	})
}

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
