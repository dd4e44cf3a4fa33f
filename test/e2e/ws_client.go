package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WSEvent is one received WebSocket frame. Engine events arrive as
// {"type": ..., "data": {...}} envelopes and carry their payload in Data;
// control frames such as connection.established leave Data nil.
type WSEvent struct {
	Type     string
	Data     map[string]interface{}
	Raw      json.RawMessage
	Received time.Time
}

// WSClient connects to the events endpoint and collects frames.
type WSClient struct {
	conn   *websocket.Conn
	events []WSEvent
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// WSConnect dials the endpoint and starts collecting in a background
// goroutine. A non-empty threadID is passed as the initial subscription.
func WSConnect(ctx context.Context, wsURL, threadID string) (*WSClient, error) {
	dial := wsURL
	if threadID != "" {
		dial += "?threadId=" + threadID
	}
	conn, _, err := websocket.Dial(ctx, dial, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)
	c := &WSClient{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}

	go c.readLoop()

	return c, nil
}

// Subscribe sends a subscribe action for the given thread's channel.
func (c *WSClient) Subscribe(threadID string) error {
	msg := map[string]string{
		"action":  "subscribe",
		"channel": "thread:" + threadID,
	}
	data, _ := json.Marshal(msg)
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// WaitForEvent waits until a frame matching the predicate arrives, or timeout.
func (c *WSClient) WaitForEvent(predicate func(WSEvent) bool, timeout time.Duration) (*WSEvent, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for event (collected %d events)", len(c.Events()))
		case <-tick.C:
			c.mu.Lock()
			for i := range c.events {
				if predicate(c.events[i]) {
					evt := c.events[i]
					c.mu.Unlock()
					return &evt, nil
				}
			}
			c.mu.Unlock()
		}
	}
}

// WaitForEventType waits for a frame with the given type.
func (c *WSClient) WaitForEventType(eventType string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool {
		return e.Type == eventType
	}, timeout)
}

// CollectUntil collects frames until the predicate returns true or timeout.
func (c *WSClient) CollectUntil(predicate func(events []WSEvent) bool, timeout time.Duration) ([]WSEvent, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return c.Events(), fmt.Errorf("timeout waiting for condition (collected %d events)", len(c.Events()))
		case <-tick.C:
			evts := c.Events()
			if predicate(evts) {
				return evts, nil
			}
		}
	}
}

// Events returns a snapshot of all collected frames.
func (c *WSClient) Events() []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]WSEvent, len(c.events))
	copy(result, c.events)
	return result
}

// EventsByType returns frames filtered by type.
func (c *WSClient) EventsByType(eventType string) []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []WSEvent
	for _, e := range c.events {
		if e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// Close closes the connection and waits for the read loop to exit.
func (c *WSClient) Close() error {
	c.cancel()
	_ = c.conn.CloseNow()
	<-c.doneCh
	return nil
}

// readLoop reads frames and appends them to the events slice.
func (c *WSClient) readLoop() {
	defer close(c.doneCh)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}

		var envelope struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		evt := WSEvent{
			Type:     envelope.Type,
			Raw:      json.RawMessage(data),
			Received: time.Now(),
		}
		if len(envelope.Data) > 0 {
			var payload map[string]interface{}
			if err := json.Unmarshal(envelope.Data, &payload); err == nil {
				evt.Data = payload
			}
		}

		c.mu.Lock()
		c.events = append(c.events, evt)
		c.mu.Unlock()
	}
}

// wsSignatures maps engine event frames to the compact "type:agent" form
// the assertions use, skipping control frames.
func wsSignatures(evts []WSEvent) []string {
	out := make([]string, 0, len(evts))
	for _, e := range evts {
		if e.Data == nil {
			continue
		}
		switch e.Type {
		case "thread":
			out = append(out, "thread")
		case "agent_start":
			out = append(out, "agent_start:"+stringField(e.Data, "agent"))
		case "agent_end":
			out = append(out, "agent_end:"+stringField(e.Data, "agent"))
		case "handoff":
			out = append(out, "handoff:"+stringField(e.Data, "from")+">"+stringField(e.Data, "to"))
		case "chunk":
			out = append(out, "chunk:"+stringField(e.Data, "agent"))
		case "tool":
			out = append(out, "tool:"+stringField(e.Data, "name"))
		case "error":
			out = append(out, "error")
		case "done":
			out = append(out, "done")
		}
	}
	return out
}

func stringField(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}

func countSig(sigs []string, want string) int {
	n := 0
	for _, s := range sigs {
		if s == want {
			n++
		}
	}
	return n
}
