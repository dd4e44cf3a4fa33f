package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ThreadChannel returns the channel name for one thread's events.
// Format: "thread:{thread_id}"
func ThreadChannel(threadID string) string {
	return "thread:" + threadID
}

// threadFromChannel extracts the thread id, or "" for malformed names.
func threadFromChannel(channel string) string {
	id, ok := strings.CutPrefix(channel, "thread:")
	if !ok {
		return ""
	}
	return id
}

// ClientMessage is the JSON structure for client to server WebSocket
// messages.
type ClientMessage struct {
	Action  string `json:"action"`            // "subscribe", "unsubscribe", "ping"
	Channel string `json:"channel,omitempty"` // e.g. "thread:abc-123"
}

// wsEnvelope frames a bus event for WebSocket delivery. SSE clients get the
// type from the event name line; WebSocket clients get it here.
type wsEnvelope struct {
	Type string `json:"type"`
	Data Event  `json:"data"`
}

// ConnectionManager manages WebSocket connections and their per-thread bus
// subscriptions. Each process has one instance.
type ConnectionManager struct {
	bus *Bus

	mu          sync.RWMutex
	connections map[string]*Connection

	// Write timeout for WebSocket sends.
	writeTimeout time.Duration
}

// Connection represents a single WebSocket client.
//
// subscriptions is accessed without a lock. All reads and writes happen on
// the goroutine that owns this connection (HandleConnection's read loop and
// its deferred cleanup). If a Connection is ever mutated from a different
// goroutine, subscriptions must gain a mutex.
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]*Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConnectionManager creates a manager that serves events from the bus.
func NewConnectionManager(bus *Bus, writeTimeout time.Duration) *ConnectionManager {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &ConnectionManager{
		bus:          bus,
		connections:  make(map[string]*Connection),
		writeTimeout: writeTimeout,
	}
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the WebSocket HTTP handler after upgrade. Blocks until the
// connection closes. Non-empty initialThreads are subscribed before the
// read loop starts, for clients that pass the thread in the URL.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, initialThreads ...string) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]*Subscription),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	for _, threadID := range initialThreads {
		if threadID == "" {
			continue
		}
		channel := ThreadChannel(threadID)
		m.subscribe(c, channel, threadID)
		m.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": channel,
		})
	}

	// Read loop. Process client messages until the connection closes.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"connection_id", connID, "error", err)
			continue
		}

		m.handleClientMessage(c, &msg)
	}
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// handleClientMessage dispatches a client message to the matching handler.
func (m *ConnectionManager) handleClientMessage(c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		threadID := threadFromChannel(msg.Channel)
		if threadID == "" {
			m.sendJSON(c, map[string]string{
				"type":    "error",
				"message": "subscribe requires a thread:{id} channel",
			})
			return
		}
		m.subscribe(c, msg.Channel, threadID)
		m.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})

	case "unsubscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{
				"type":    "error",
				"message": "channel is required for unsubscribe",
			})
			return
		}
		m.unsubscribe(c, msg.Channel)

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// subscribe attaches the connection to one thread's bus feed. A repeated
// subscribe for the same channel is a no-op.
func (m *ConnectionManager) subscribe(c *Connection, channel, threadID string) {
	if _, exists := c.subscriptions[channel]; exists {
		return
	}

	sub := m.bus.Subscribe(threadID)
	c.subscriptions[channel] = sub

	go func() {
		for event := range sub.Events() {
			m.sendEvent(c, event)
		}
	}()
}

// unsubscribe detaches the connection from a channel.
func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	if sub, exists := c.subscriptions[channel]; exists {
		sub.Close()
		delete(c.subscriptions, channel)
	}
}

// registerConnection adds a connection to the tracking map.
func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

// unregisterConnection removes a connection and closes its subscriptions.
func (m *ConnectionManager) unregisterConnection(c *Connection) {
	for channel, sub := range c.subscriptions {
		sub.Close()
		delete(c.subscriptions, channel)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

// sendEvent frames a bus event and writes it to a single connection.
func (m *ConnectionManager) sendEvent(c *Connection, event Event) {
	m.sendJSON(c, wsEnvelope{Type: event.EventType(), Data: event})
}

// sendJSON marshals and sends a JSON message to a single connection.
func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

// sendRaw sends raw bytes to a single connection with a write timeout.
func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
