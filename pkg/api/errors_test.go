package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crewkit/crewd/pkg/graph"
	"github.com/crewkit/crewd/pkg/queue"
)

func TestMapRunError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "busy thread",
			err:        graph.ErrThreadBusy,
			wantStatus: http.StatusConflict,
			wantBody:   "thread is busy with another run",
		},
		{
			name:       "active pool slot",
			err:        fmt.Errorf("t1: %w", queue.ErrThreadActive),
			wantStatus: http.StatusConflict,
			wantBody:   "thread is busy with another run",
		},
		{
			name:       "awaiting approval",
			err:        fmt.Errorf("thread t1: %w", graph.ErrAwaitingApproval),
			wantStatus: http.StatusConflict,
			wantBody:   "thread is awaiting approval",
		},
		{
			name:       "unknown thread",
			err:        graph.ErrUnknownThread,
			wantStatus: http.StatusNotFound,
			wantBody:   "thread not found",
		},
		{
			name:       "not awaiting approval",
			err:        graph.ErrNotAwaitingApproval,
			wantStatus: http.StatusBadRequest,
			wantBody:   "thread is not awaiting approval",
		},
		{
			name:       "unknown phase",
			err:        graph.ErrUnknownPhase,
			wantStatus: http.StatusBadRequest,
			wantBody:   "unknown workflow phase",
		},
		{
			name:       "pool at capacity",
			err:        queue.ErrAtCapacity,
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "run pool is at capacity",
		},
		{
			name:       "pool draining",
			err:        queue.ErrDraining,
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "server is shutting down",
		},
		{
			name:       "timeout",
			err:        fmt.Errorf("run timed out after 5s: %w", context.DeadlineExceeded),
			wantStatus: http.StatusGatewayTimeout,
			wantBody:   "run timed out",
		},
		{
			name:       "unrecognized error stays opaque",
			err:        errors.New("pq: connection reset"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   "internal server error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := mapRunError(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantBody, body.Error)
		})
	}
}
