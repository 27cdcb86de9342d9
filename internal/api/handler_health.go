package api

import (
	"net/http"
	"time"
)

// timeNow is a seam for tests.
var timeNow = func() time.Time { return time.Now().UTC() }

// handleHealth serves GET /api/v1/connections/health. No authentication;
// the probe reports whether the database answers a ping.
func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connected := s.store.Connected() && s.store.Ping() == nil
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:            "ok",
			DatabaseConnected: connected,
		})
	}
}
