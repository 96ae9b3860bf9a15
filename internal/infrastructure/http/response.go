package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/runtimelog"
)

// writeJSON renders v with the given status. Encoding failures are logged,
// not surfaced; by then the status line is already on the wire.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response",
			runtimelog.AttrActor, runtimelog.ActorAPI,
			"error", err)
	}
}

// writeError renders the flat admin error shape {"error": "<code>"}.
func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
