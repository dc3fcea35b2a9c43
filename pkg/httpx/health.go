package httpx

import (
	"context"
	"net/http"
	"time"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime,omitempty"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// LivezHandler always answers 200 while the process runs.
func LivezHandler(version string) http.HandlerFunc {
	start := time.Now()
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Uptime:  time.Since(start).String(),
			Version: version,
		})
	}
}

// ReadyzHandler answers 503 while check fails.
func ReadyzHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := check(r.Context()); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
			return
		}
		WriteJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
	}
}
