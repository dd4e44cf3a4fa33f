package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crewkit/crewd/pkg/checkpoint"
	"github.com/crewkit/crewd/pkg/state"
)

// ThreadResponse is the latest checkpointed view of one thread.
type ThreadResponse struct {
	ThreadID         string          `json:"threadId"`
	Step             int             `json:"step"`
	Phase            string          `json:"phase,omitempty"`
	Messages         []state.Message `json:"messages"`
	Contributors     []string        `json:"contributors"`
	TurnCount        int             `json:"turnCount"`
	RequiresApproval bool            `json:"requiresApproval,omitempty"`
	ApprovalStatus   string          `json:"approvalStatus,omitempty"`
}

// ApproveRequest is the body of POST /thread/{id}/approve. Approved is a
// pointer so a missing field is distinguishable from an explicit false.
type ApproveRequest struct {
	Approved *bool `json:"approved"`
}

// threadHandler handles GET /thread/{id}.
func (s *Server) threadHandler(c *gin.Context) {
	threadID := c.Param("id")

	st, step, err := s.store.Latest(c.Request.Context(), threadID)
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "thread not found"})
		return
	}
	if err != nil {
		status, body := mapRunError(err)
		c.JSON(status, body)
		return
	}

	contributors := st.Contributors
	if contributors == nil {
		contributors = []string{}
	}
	c.JSON(http.StatusOK, &ThreadResponse{
		ThreadID:         st.ThreadID,
		Step:             step,
		Phase:            st.Phase,
		Messages:         st.Messages,
		Contributors:     contributors,
		TurnCount:        st.TurnCount,
		RequiresApproval: st.RequiresApproval,
		ApprovalStatus:   st.ApprovalStatus,
	})
}

// approveHandler handles POST /thread/{id}/approve. The verdict resumes the
// parked run synchronously through the pool, so the response carries the
// state after the resumed steps completed.
func (s *Server) approveHandler(c *gin.Context) {
	threadID := c.Param("id")

	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if req.Approved == nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "approved is required"})
		return
	}

	var st *state.State
	err := s.pool.Do(threadID, func(ctx context.Context) error {
		var runErr error
		st, runErr = s.executor.Approve(ctx, threadID, *req.Approved)
		return runErr
	})
	if err != nil {
		status, body := mapRunError(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, chatResponse(st))
}

// stateHandler handles GET /state/{id}: the raw state dump for debugging,
// exactly as the latest checkpoint persisted it.
func (s *Server) stateHandler(c *gin.Context) {
	threadID := c.Param("id")

	st, _, err := s.store.Latest(c.Request.Context(), threadID)
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "thread not found"})
		return
	}
	if err != nil {
		status, body := mapRunError(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, st)
}
