package server

import "net/http"

// SetupRoutes builds the application mux: the health check on "/" plus the
// WebSocket and status endpoints mounted by svc.Initialize.
func SetupRoutes(svc *Service) (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	if err := svc.Initialize(mux, svc.cfg.Path); err != nil {
		return nil, err
	}
	return mux, nil
}
