package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"comic-index/internal/database"
	"comic-index/internal/logging"
)

// maxQueryLimit caps a single records query.
const maxQueryLimit = 1000

// ListRecords returns index records matching the query parameters.
//
// Supported parameters: prefix, state, series, publisher, limit, offset.
func (h *Handlers) ListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := database.QueryFilter{
		PathPrefix: q.Get("prefix"),
		Series:     q.Get("series"),
		Publisher:  q.Get("publisher"),
		Limit:      100,
	}

	if state := q.Get("state"); state != "" {
		switch database.ScanState(state) {
		case database.ScanStateUnscanned, database.ScanStateQueued,
			database.ScanStateScanning, database.ScanStateClean, database.ScanStateFailed:
			filter.State = database.ScanState(state)
		default:
			writeJSONError(w, "invalid state: "+state, http.StatusBadRequest)
			return
		}
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			writeJSONError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if limit > maxQueryLimit {
			limit = maxQueryLimit
		}
		filter.Limit = limit
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeJSONError(w, "invalid offset", http.StatusBadRequest)
			return
		}
		filter.Offset = offset
	}

	records, err := h.pipeline.Query(r.Context(), filter)
	if err != nil {
		logging.Error("Records query failed: %v", err)
		writeJSONError(w, "query failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

// GetRecord returns the full index record for one path.
func (h *Handlers) GetRecord(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]

	record, err := h.pipeline.Get(r.Context(), path)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeJSONError(w, "not indexed: "+path, http.StatusNotFound)
			return
		}
		logging.Error("Record lookup failed for %s: %v", path, err)
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, record)
}

// GetScanStatus returns the scan status for one path.
func (h *Handlers) GetScanStatus(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["path"]

	status, err := h.pipeline.Status(r.Context(), path)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeJSONError(w, "not indexed: "+path, http.StatusNotFound)
			return
		}
		logging.Error("Status lookup failed for %s: %v", path, err)
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, status)
}

// statsResponse is the index summary plus a snapshot of the memory monitor.
type statsResponse struct {
	database.IndexStats
	MemoryCurrentBytes int64 `json:"memoryCurrentBytes"`
	MemoryLimitBytes   int64 `json:"memoryLimitBytes"`
}

// GetStats returns summary statistics for the index.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.pipeline.Stats(r.Context())
	if err != nil {
		logging.Error("Stats calculation failed: %v", err)
		writeJSONError(w, "stats unavailable", http.StatusInternalServerError)
		return
	}

	current, limit, _ := h.pipeline.MemoryStats()

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, statsResponse{
		IndexStats:         stats,
		MemoryCurrentBytes: current,
		MemoryLimitBytes:   limit,
	})
}
