package api

import (
	"net/http"

	"github.com/goccy/go-json"
)

func (h *routerHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *routerHandlers) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	if h.host == nil {
		writeError(w, "host unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, h.host.Stats())
}

// Helper functions (package-level for reuse)

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
