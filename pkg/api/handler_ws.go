package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// wsHandler handles GET /events/ws. An optional threadId query parameter
// subscribes the connection to that thread immediately; further channels
// are managed through subscribe/unsubscribe messages.
func (s *Server) wsHandler(c *gin.Context) {
	if s.connMgr == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "websocket not available"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// Origin allowlisting is the deployment proxy's job; the API key
		// middleware has already vetted the request.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}

	// HandleConnection blocks until the WebSocket closes.
	s.connMgr.HandleConnection(c.Request.Context(), conn, c.Query("threadId"))
}
