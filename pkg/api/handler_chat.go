package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/crewkit/crewd/pkg/events"
	"github.com/crewkit/crewd/pkg/graph"
	"github.com/crewkit/crewd/pkg/state"
)

// Run modes selectable on the chat endpoints. The default walks the Router
// loop; supervisor plans the request into sub-tasks first.
const (
	ModeRouter     = "router"
	ModeSupervisor = "supervisor"
)

// maxMessageLen bounds the user message accepted on chat and workflow
// endpoints.
const maxMessageLen = 100_000

// drainGrace is how long the SSE projector keeps the stream open after the
// run returns. Every event is enqueued before the run returns; the window
// lets the subscription pump finish forwarding them.
const drainGrace = 100 * time.Millisecond

// ChatRequest is the body of POST /chat and POST /chat/stream. An empty
// threadId starts a fresh conversation.
type ChatRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"threadId"`
	Mode     string `json:"mode"`
}

// ChatResponse is the checkpointed view of a run after it finished or
// parked for approval.
type ChatResponse struct {
	ThreadID         string          `json:"threadId"`
	Result           string          `json:"result"`
	Contributors     []string        `json:"contributors"`
	History          []state.Message `json:"history"`
	RequiresApproval bool            `json:"requiresApproval,omitempty"`
	ApprovalStatus   string          `json:"approvalStatus,omitempty"`
}

func chatResponse(st *state.State) *ChatResponse {
	contributors := st.Contributors
	if contributors == nil {
		contributors = []string{}
	}
	return &ChatResponse{
		ThreadID:         st.ThreadID,
		Result:           st.LastMessage().Content,
		Contributors:     contributors,
		History:          st.Messages,
		RequiresApproval: st.RequiresApproval,
		ApprovalStatus:   st.ApprovalStatus,
	}
}

// bindChat validates the shared chat request shape and resolves the thread
// id, minting one for a fresh conversation. A false return means the error
// response has already been written.
func (s *Server) bindChat(c *gin.Context) (ChatRequest, string, bool) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return req, "", false
	}
	if req.Message == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "message is required"})
		return req, "", false
	}
	if len(req.Message) > maxMessageLen {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "message exceeds maximum length of 100,000 characters"})
		return req, "", false
	}
	switch req.Mode {
	case "", ModeRouter, ModeSupervisor:
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "mode must be router or supervisor"})
		return req, "", false
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.New().String()
	}
	return req, threadID, true
}

// chatHandler handles POST /chat. The run executes synchronously through
// the pool; the response carries the final checkpointed view.
func (s *Server) chatHandler(c *gin.Context) {
	req, threadID, ok := s.bindChat(c)
	if !ok {
		return
	}

	var st *state.State
	err := s.pool.Do(threadID, func(ctx context.Context) error {
		var runErr error
		st, runErr = s.executor.Run(ctx, graph.RunRequest{
			ThreadID:   threadID,
			Message:    req.Message,
			Supervisor: req.Mode == ModeSupervisor,
		})
		return runErr
	})
	if err != nil {
		status, body := mapRunError(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, chatResponse(st))
}

// chatStreamHandler handles POST /chat/stream. It subscribes before the run
// starts so no frame is missed, then projects bus events as SSE. A client
// disconnect ends the projection only; the run finishes and checkpoints.
func (s *Server) chatStreamHandler(c *gin.Context) {
	req, threadID, ok := s.bindChat(c)
	if !ok {
		return
	}

	sub := s.bus.Subscribe(threadID)
	defer func() {
		if s.metrics != nil {
			s.metrics.AddDroppedChunks(sub.Dropped())
		}
		sub.Close()
	}()

	runErr := make(chan error, 1)
	go func() {
		err := s.pool.Do(threadID, func(ctx context.Context) error {
			_, err := s.executor.Run(ctx, graph.RunRequest{
				ThreadID:   threadID,
				Message:    req.Message,
				Supervisor: req.Mode == ModeSupervisor,
			})
			return err
		})
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			// A cancelled or timed-out run ends without publishing its own
			// error frame. Going through the bus keeps the frame ordered
			// behind everything the run already published.
			_, body := mapRunError(err)
			s.bus.Publish(threadID, events.ErrorPayload{
				ThreadID:  threadID,
				Content:   body.Error,
				Timestamp: events.Timestamp(),
			})
		}
		runErr <- err
	}()

	s.projectSSE(c, sub, runErr)
}

// projectSSE forwards one subscription to the response. Nothing is written
// until the first event arrives, so a pre-run rejection still maps to a
// plain HTTP error. Once the run returns the stream stays open one drain
// window past the last forwarded event.
func (s *Server) projectSSE(c *gin.Context, sub *events.Subscription, runErr <-chan error) {
	started := false
	var drain <-chan time.Time

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if !started {
				setSSEHeaders(c.Writer)
				started = true
			}
			if err := writeSSE(c.Writer, ev); err != nil {
				return
			}
			if drain != nil {
				drain = time.After(drainGrace)
			}

		case err := <-runErr:
			runErr = nil
			if err != nil && !started {
				status, body := mapRunError(err)
				c.JSON(status, body)
				return
			}
			drain = time.After(drainGrace)

		case <-drain:
			return

		case <-c.Request.Context().Done():
			return
		}
	}
}
