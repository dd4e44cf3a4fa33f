package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crewkit/crewd/pkg/llm"
	"github.com/crewkit/crewd/pkg/metrics"
)

// MetricsResponse is the JSON counters view served by GET /metrics. The
// Prometheus exposition of the same collectors lives at /metrics/prometheus.
type MetricsResponse struct {
	Engine metrics.Snapshot  `json:"engine"`
	LLM    llm.UsageSnapshot `json:"llm"`
}

// metricsHandler handles GET /metrics.
func (s *Server) metricsHandler(c *gin.Context) {
	var resp MetricsResponse
	if s.metrics != nil {
		resp.Engine = s.metrics.Snapshot()
	}
	if s.usage != nil {
		resp.LLM = s.usage.Snapshot()
	} else {
		resp.LLM.ByAgent = map[string]llm.AgentUsage{}
	}
	c.JSON(http.StatusOK, &resp)
}
