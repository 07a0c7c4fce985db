package api

import (
	"context"
	"net/http"
	"time"
)

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type readyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Timestamp: time.Now().UTC()})
}

// handleReady checks that the container engine responds to a cheap listing
// call, submitted through the worker pool; only that check decides
// readiness. Whether the pool has a free slot is reported as well, but a
// saturated pool alone does not make the service not ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	if s.pool.TryAcquire() {
		checks["worker_pool"] = "ok"
	} else {
		checks["worker_pool"] = "saturated"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	err := s.pool.Submit(ctx, func(ctx context.Context) error {
		_, err := s.driver.ListSandboxContainers(ctx)
		return err
	})
	if err != nil {
		checks["container_driver"] = err.Error()
		ready = false
	} else {
		checks["container_driver"] = "ok"
	}

	status := http.StatusOK
	statusText := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		statusText = "not_ready"
	}

	writeJSON(w, status, readyResponse{
		Status:    statusText,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	})
}
