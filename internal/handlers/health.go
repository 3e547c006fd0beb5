package handlers

import (
	"net/http"
	"runtime"
	"time"

	"comic-index/internal/startup"
)

const (
	statusHealthy  = "healthy"
	statusDegraded = "degraded"
)

// HealthResponse contains the health check response
type HealthResponse struct {
	Status      string  `json:"status"`
	Version     string  `json:"version"`
	Uptime      string  `json:"uptime"`
	QueueDepth  int     `json:"queueDepth"`
	MemoryTier  string  `json:"memoryTier"`
	MemoryUsage float64 `json:"memoryUsage"`

	// System info
	GoVersion    string `json:"goVersion"`
	NumCPU       int    `json:"numCpu"`
	NumGoroutine int    `json:"numGoroutine"`
}

// HealthCheck returns the health status of the service
func (h *Handlers) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	response := HealthResponse{
		Version:      startup.Version,
		Uptime:       time.Since(h.startTime).Round(time.Second).String(),
		QueueDepth:   h.pipeline.QueueDepth(),
		MemoryTier:   h.pipeline.MemoryTier(),
		MemoryUsage:  h.pipeline.MemoryUsage(),
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
	}

	w.Header().Set("Content-Type", "application/json")

	if h.pipeline.Healthy() {
		response.Status = statusHealthy
		w.WriteHeader(http.StatusOK)
	} else {
		// Degraded covers both a broken write path and a lost watch root.
		response.Status = statusDegraded
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	writeJSON(w, response)
}

// LivenessCheck is a simple liveness probe (always returns 200 if server is running)
func (h *Handlers) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	// For HEAD requests, only send headers (no body)
	if r.Method != http.MethodHead {
		writeJSON(w, map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessCheck reports whether the pipeline is accepting and processing work
func (h *Handlers) ReadinessCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.pipeline.Healthy() {
		w.WriteHeader(http.StatusOK)
		writeJSON(w, map[string]bool{"ready": true})
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	writeJSON(w, map[string]bool{"ready": false})
}
