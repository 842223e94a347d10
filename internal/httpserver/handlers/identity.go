package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/cutover/internal/httpserver/deps"
)

// IdentityResponse tells a caller behind the load balancer which instance
// answered.
type IdentityResponse struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	GoVersion string `json:"go_version"`
	Env       string `json:"env,omitempty"`
}

func Identity(d deps.Deps) http.HandlerFunc {
	id := d.ServerID
	if id == "" {
		id = "unknown"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(IdentityResponse{
			ID:        id,
			Timestamp: d.Now().UTC().Format(time.RFC3339Nano),
			GoVersion: d.GoVersion,
			Env:       d.Env,
		})
	}
}
