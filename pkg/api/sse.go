package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/crewkit/crewd/pkg/events"
)

// setSSEHeaders prepares the response for server-sent events. X-Accel-Buffering
// tells intermediary proxies to pass frames through unbuffered.
func setSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// sseFlusher is the slice of gin's ResponseWriter the projector needs.
type sseFlusher interface {
	http.ResponseWriter
	http.Flusher
}

// writeSSE frames one bus event as "event: {type}\ndata: {json}\n\n" and
// flushes it. json.Marshal keeps the data line single-line.
func writeSSE(w sseFlusher, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", ev.EventType(), err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.EventType(), data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
