package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// statusMessage accompanies every status response.
const statusMessage = "websocket service running"

// statusResponse is the body of the status endpoint.
type statusResponse struct {
	Total   int            `json:"total"`
	Active  int            `json:"active"`
	Rooms   map[string]int `json:"rooms"`
	Uptime  int64          `json:"uptime"`
	Message string         `json:"message"`
}

// WebSocketHandler upgrades GET requests to WebSocket connections and hands
// them to a new session. Disallowed origins are rejected by the upgrader.
func (s *Service) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "Server is shutting down.", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	s.accept(conn, r)
}

// StatusHandler reports registry statistics as JSON.
func (s *Service) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method not allowed. Status endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	stats := s.Stats()
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(statusResponse{
		Total:   stats.Total,
		Active:  stats.Active,
		Rooms:   stats.Rooms,
		Uptime:  stats.UptimeSeconds,
		Message: statusMessage,
	})
	if err != nil {
		s.logger.Error("failed to write status response", "error", err)
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "wsrelay server is running!")
}
