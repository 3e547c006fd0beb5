package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"comic-index/internal/logging"
)

// rescanRequest is the body of POST /api/rescan.
type rescanRequest struct {
	Path string `json:"path"`
}

// TriggerRescan enqueues a manual scan for one path. Manual scans jump ahead
// of change-driven work and always re-read the archive.
func (h *Handlers) TriggerRescan(w http.ResponseWriter, r *http.Request) {
	var req rescanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Path == "" {
		writeJSONError(w, "path is required", http.StatusBadRequest)
		return
	}

	if err := h.pipeline.Rescan(req.Path); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	logging.Info("Manual rescan requested for %s", req.Path)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "queued"})
}

// TriggerSweep starts a full reconciliation sweep in the background.
func (h *Handlers) TriggerSweep(w http.ResponseWriter, _ *http.Request) {
	logging.Info("Manual sweep requested")
	go h.pipeline.FullSweep(context.Background())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "sweep started"})
}
