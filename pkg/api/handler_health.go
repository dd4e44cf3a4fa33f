package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crewkit/crewd/pkg/checkpoint"
	"github.com/crewkit/crewd/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is one component's status within the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
	Agents  int                    `json:"agents"`
}

// healthPinger is satisfied by stores that can report connectivity. The
// in-memory test store does not, so the database check is skipped there.
type healthPinger interface {
	Health(ctx context.Context) (*checkpoint.HealthStatus, error)
}

// healthHandler handles GET /health. Only the server's own components are
// checked; LLM providers are external and their failures must not make an
// orchestrator restart this process.
func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if pinger, ok := s.store.(healthPinger); ok {
		if _, err := pinger.Health(reqCtx); err != nil {
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	if s.pool != nil {
		poolHealth := s.pool.Health()
		if !poolHealth.IsHealthy {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["run_pool"] = HealthCheck{Status: healthStatusDegraded, Message: "draining"}
		} else {
			checks["run_pool"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	agents := 0
	if s.agents != nil {
		agents = len(s.agents.Names())
	}

	c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
		Agents:  agents,
	})
}
