// Package api provides the HTTP API and WebSocket push for the parking engine
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Srivenkatesh03/Smart-Parking-System/internal/engine"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// MessageType represents the type of WebSocket message
type MessageType string

const (
	MessageTypeSnapshot    MessageType = "snapshot"
	MessageTypeEvent       MessageType = "event"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
)

// Topics a client can subscribe to. Any other topic is taken as a space id
// and selects the events of that space.
const (
	TopicAll       = "*"
	TopicSnapshots = "snapshots"
	TopicEvents    = "events"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Client represents a WebSocket client
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu            sync.RWMutex
	subscriptions map[string]bool
}

func (c *Client) subscribed(topics ...string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.subscriptions[TopicAll] {
		return true
	}
	for _, t := range topics {
		if t != "" && c.subscriptions[t] {
			return true
		}
	}
	return false
}

// Hub maintains the set of active clients and fans out snapshots and events
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a new WebSocket hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     slog.Default().With("component", "websocket-hub"),
	}
}

// Run handles client registration until ctx is done, then closes every
// client
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Client connected", "total_clients", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Client disconnected", "total_clients", n)
		}
	}
}

// Publish sends msg to every client subscribed to one of topics
func (h *Hub) Publish(msg Message, topics ...string) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal message", "type", msg.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.subscribed(topics...) {
			continue
		}
		select {
		case client.send <- data:
		default:
			h.logger.Warn("Client buffer full, dropping message", "type", msg.Type)
		}
	}
}

// BroadcastSnapshot pushes a snapshot to snapshot subscribers
func (h *Hub) BroadcastSnapshot(snap *engine.Snapshot) {
	h.Publish(Message{Type: MessageTypeSnapshot, Timestamp: snap.Timestamp, Data: snap}, TopicSnapshots)
}

// BroadcastEvent pushes an engine event to event subscribers and to
// clients following the event's space
func (h *Hub) BroadcastEvent(event *events.Event) {
	h.Publish(Message{Type: MessageTypeEvent, Timestamp: event.Timestamp, Data: event}, TopicEvents, event.SpaceID)
}

// ForwardSnapshots broadcasts every snapshot received on ch until ctx is
// done or ch is closed
func (h *Hub) ForwardSnapshots(ctx context.Context, ch <-chan *engine.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			h.BroadcastSnapshot(snap)
		}
	}
}

// ForwardEvents broadcasts every event received on ch until ctx is done or
// ch is closed
func (h *Hub) ForwardEvents(ctx context.Context, ch <-chan *events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			h.BroadcastEvent(event)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request. New clients receive everything
// until they subscribe to specific topics.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	client := &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: map[string]bool{TopicAll: true},
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket read error", "error", err)
			}
			break
		}
		c.handleMessage(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// one JSON document per frame
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage handles ping and subscription changes. A subscribe with
// topics replaces the catch-all subscription.
func (c *Client) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Type {
	case MessageTypePing:
		response := Message{Type: MessageTypePong, Timestamp: time.Now()}
		if data, err := json.Marshal(response); err == nil {
			select {
			case c.send <- data:
			default:
			}
		}

	case MessageTypeSubscribe:
		topics := topicList(msg.Data)
		if len(topics) == 0 {
			return
		}
		c.mu.Lock()
		delete(c.subscriptions, TopicAll)
		for _, t := range topics {
			c.subscriptions[t] = true
		}
		c.mu.Unlock()

	case MessageTypeUnsubscribe:
		c.mu.Lock()
		for _, t := range topicList(msg.Data) {
			delete(c.subscriptions, t)
		}
		c.mu.Unlock()
	}
}

func topicList(data interface{}) []string {
	items, ok := data.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
