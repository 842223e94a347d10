package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/MrSnakeDoc/cutover/internal/httpserver/deps"
)

type readyzResponse struct {
	Ready    bool   `json:"ready"`
	ServerID string `json:"server_id,omitempty"`
}

// Readyz is ready as soon as an identity is configured; an anonymous sidecar
// cannot tell the traffic check anything.
func Readyz(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")

		ready := d.ServerID != ""
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(readyzResponse{
			Ready:    ready,
			ServerID: d.ServerID,
		})
	}
}
