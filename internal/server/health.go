package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// handleHealth serves the JSON liveness snapshot.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	connected := len(s.sessions)
	keyed := s.countKeyedLocked()
	total := len(s.channels)
	public := 0
	for _, c := range s.channels {
		if !c.inviteOnly {
			public++
		}
	}
	s.mu.RUnlock()

	snapshot := map[string]interface{}{
		"status":         "ok",
		"server":         s.cfg.Server.Name,
		"version":        Version,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"started_at":     s.started.UTC().Format(time.RFC3339),
		"agents": map[string]int{
			"connected":     connected,
			"with_identity": keyed,
		},
		"channels": map[string]int{
			"total":  total,
			"public": public,
		},
		"proposals": s.proposals.Stats(),
		"timestamp": time.Now().UnixMilli(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}
