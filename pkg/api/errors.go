package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/crewkit/crewd/pkg/graph"
	"github.com/crewkit/crewd/pkg/queue"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// mapRunError translates engine and pool errors into an HTTP status and a
// client-safe message. Anything unrecognized is a 500 with the detail kept
// in the log, not the response.
func mapRunError(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, graph.ErrThreadBusy), errors.Is(err, queue.ErrThreadActive):
		return http.StatusConflict, ErrorResponse{Error: "thread is busy with another run"}
	case errors.Is(err, graph.ErrAwaitingApproval):
		return http.StatusConflict, ErrorResponse{Error: "thread is awaiting approval"}
	case errors.Is(err, graph.ErrUnknownThread):
		return http.StatusNotFound, ErrorResponse{Error: "thread not found"}
	case errors.Is(err, graph.ErrNotAwaitingApproval):
		return http.StatusBadRequest, ErrorResponse{Error: "thread is not awaiting approval"}
	case errors.Is(err, graph.ErrUnknownPhase):
		return http.StatusBadRequest, ErrorResponse{Error: "unknown workflow phase"}
	case errors.Is(err, queue.ErrAtCapacity):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "run pool is at capacity"}
	case errors.Is(err, queue.ErrDraining):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "server is shutting down"}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrorResponse{Error: "run timed out"}
	}

	slog.Error("unexpected run error", "error", err)
	return http.StatusInternalServerError, ErrorResponse{Error: "internal server error"}
}
