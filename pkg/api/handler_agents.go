package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AgentSummary is one roster entry. Prompts stay server-side; clients get
// the name, role and tool grants only.
type AgentSummary struct {
	Name   string   `json:"name"`
	Role   string   `json:"role"`
	Tools  []string `json:"tools,omitempty"`
	Plugin bool     `json:"plugin,omitempty"`
}

// AgentsResponse is returned by GET /agents, in registration order.
type AgentsResponse struct {
	Agents []AgentSummary `json:"agents"`
	Count  int            `json:"count"`
}

// agentsHandler handles GET /agents.
func (s *Server) agentsHandler(c *gin.Context) {
	entries := s.agents.Entries()
	out := make([]AgentSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, AgentSummary{
			Name:   e.Name,
			Role:   e.Role,
			Tools:  e.Tools,
			Plugin: e.Plugin,
		})
	}
	c.JSON(http.StatusOK, &AgentsResponse{Agents: out, Count: len(out)})
}
