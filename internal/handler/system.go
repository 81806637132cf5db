package handler

import (
	"context"
	"net/http"
	"time"

	"paygate/pkg/logger"
)

// Check probes one dependency.
type Check struct {
	Name     string
	Probe    func(ctx context.Context) error
	Degraded time.Duration // latency above which the dependency is degraded
}

type SystemHandler struct {
	checks    []Check
	logger    logger.Logger
	startTime time.Time
}

func NewSystemHandler(log logger.Logger, checks ...Check) *SystemHandler {
	return &SystemHandler{checks: checks, logger: log, startTime: time.Now()}
}

type ServiceStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // operational, degraded, outage
	LatencyMs int64  `json:"latency_ms"`
}

// Health handles GET /health: the process is up.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}

// Ready handles GET /ready: 200 only when every dependency answers.
func (h *SystemHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	services := make([]ServiceStatus, 0, len(h.checks))
	for _, c := range h.checks {
		start := time.Now()
		err := c.Probe(ctx)
		s := ServiceStatus{Name: c.Name, Status: "operational", LatencyMs: time.Since(start).Milliseconds()}
		switch {
		case err != nil:
			s.Status = "outage"
			status = http.StatusServiceUnavailable
			h.logger.Error("Readiness check failed", map[string]interface{}{"dependency": c.Name, "error": err.Error()})
		case c.Degraded > 0 && time.Since(start) > c.Degraded:
			s.Status = "degraded"
		}
		services = append(services, s)
	}

	respondJSON(w, status, map[string]interface{}{"services": services})
}
