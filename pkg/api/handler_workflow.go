package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/crewkit/crewd/pkg/graph"
	"github.com/crewkit/crewd/pkg/state"
)

// WorkflowRequest is the body of POST /workflow/{phase}.
type WorkflowRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"threadId"`
}

// WorkflowResponse is the aggregated view after a phase sequence ran.
type WorkflowResponse struct {
	ThreadID         string          `json:"threadId"`
	Phase            string          `json:"phase"`
	Result           string          `json:"result"`
	Contributors     []string        `json:"contributors"`
	History          []state.Message `json:"history"`
	RequiresApproval bool            `json:"requiresApproval,omitempty"`
}

// workflowHandler handles POST /workflow/{phase}. The phase's fixed agent
// sequence runs with no Router in between.
func (s *Server) workflowHandler(c *gin.Context) {
	phase := c.Param("phase")
	if _, ok := graph.PhaseSequence(phase); !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unknown workflow phase"})
		return
	}

	var req WorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if req.Message == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "message is required"})
		return
	}
	if len(req.Message) > maxMessageLen {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "message exceeds maximum length of 100,000 characters"})
		return
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.New().String()
	}

	var st *state.State
	err := s.pool.Do(threadID, func(ctx context.Context) error {
		var runErr error
		st, runErr = s.executor.RunWorkflow(ctx, threadID, phase, req.Message)
		return runErr
	})
	if err != nil {
		status, body := mapRunError(err)
		c.JSON(status, body)
		return
	}

	contributors := st.Contributors
	if contributors == nil {
		contributors = []string{}
	}
	c.JSON(http.StatusOK, &WorkflowResponse{
		ThreadID:         st.ThreadID,
		Phase:            phase,
		Result:           st.LastMessage().Content,
		Contributors:     contributors,
		History:          st.Messages,
		RequiresApproval: st.RequiresApproval,
	})
}
