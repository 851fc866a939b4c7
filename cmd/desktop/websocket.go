// Package main provides WebSocket server for real-time sync events (desktop only).
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/oklog/ulid/v2"

	"github.com/kimhsiao/invoicesync/internal/logging"
	syncpkg "github.com/kimhsiao/invoicesync/internal/sync"
	"github.com/kimhsiao/invoicesync/internal/sync/scheduler"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin only admits browsers on a loopback page. Non-browser clients send no Origin.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// =====================================================
// WebSocket Event Types
// =====================================================

const (
	EventPassStarted    = "sync.started"
	EventRecordSynced   = "sync.record_synced"
	EventRecordDeferred = "sync.record_deferred"
	EventRecordFailed   = "sync.record_failed"
	EventPassCompleted  = "sync.completed"
	EventReachability   = "reachability.changed"
)

var syncEventNames = map[syncpkg.EventType]string{
	syncpkg.EventPassStarted:    EventPassStarted,
	syncpkg.EventRecordSynced:   EventRecordSynced,
	syncpkg.EventRecordDeferred: EventRecordDeferred,
	syncpkg.EventRecordFailed:   EventRecordFailed,
}

// WSEnvelope wraps all WebSocket messages.
type WSEnvelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

type wsMessage struct {
	eventType string
	payload   []byte
}

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub

	mu            sync.Mutex
	subscriptions map[string]bool
}

// wants reports whether the client asked for eventType. A client without
// subscriptions receives everything.
func (c *WSClient) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

// WSHub maintains active client connections and broadcasts messages.
// It implements scheduler.Notifier and sync.SyncEventHandler.
type WSHub struct {
	clients    map[string]*WSClient
	broadcast  chan wsMessage
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}

	mu sync.RWMutex
}

var (
	_ scheduler.Notifier       = (*WSHub)(nil)
	_ syncpkg.SyncEventHandler = (*WSHub)(nil)
)

// NewWSHub creates a new WebSocket hub. Call Run to start it.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan wsMessage, sendBuffer),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
	}
}

// Run manages client connections and broadcasts until ctx is done.
func (h *WSHub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("websocket client connected", map[string]interface{}{"client_id": client.id, "total": total})

		case client := <-h.unregister:
			h.remove(client)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				if !client.wants(msg.eventType) {
					continue
				}
				select {
				case client.send <- msg.payload:
				default:
					// Slow client; drop it rather than stall the hub.
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *WSHub) remove(client *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.id]; ok {
		delete(h.clients, client.id)
		close(client.send)
		logging.Debug("websocket client disconnected", map[string]interface{}{"client_id": client.id, "total": len(h.clients)})
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a message for all subscribed clients. It never blocks:
// when the queue is full the message is dropped.
func (h *WSHub) Broadcast(messageType string, data interface{}) {
	payload, err := json.Marshal(WSEnvelope{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		logging.Error("failed to marshal websocket message", err)
		return
	}

	select {
	case h.broadcast <- wsMessage{eventType: messageType, payload: payload}:
	default:
		logging.Warn("websocket broadcast queue full, dropping message", map[string]interface{}{"type": messageType})
	}
}

// =====================================================
// Sync Event Broadcasters
// =====================================================

// OnSyncEvent forwards per-record pass events.
func (h *WSHub) OnSyncEvent(event syncpkg.SyncEvent) {
	name, ok := syncEventNames[event.Type]
	if !ok {
		// Completion is broadcast through PassCompleted with its summary.
		return
	}
	h.Broadcast(name, event)
}

// PassCompleted broadcasts the aggregate outcome of an attempted pass.
func (h *WSHub) PassCompleted(result syncpkg.PassResult) {
	h.Broadcast(EventPassCompleted, map[string]interface{}{
		"result":  result,
		"summary": scheduler.Summary(result),
	})
}

// ReachabilityChanged broadcasts a reachability transition.
func (h *WSHub) ReachabilityChanged(reachable bool) {
	h.Broadcast(EventReachability, map[string]interface{}{
		"reachable": reachable,
	})
}

// readPump pumps messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("websocket read error", map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			return
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			logging.Debug("invalid websocket message", map[string]interface{}{"client_id": c.id})
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})

		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()

		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply sends a control response to this client only.
func (c *WSClient) reply(envelope map[string]interface{}) {
	envelope["timestamp"] = time.Now().Unix()
	payload, err := json.Marshal(envelope)
	if err != nil {
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// HandleWebSocket handles GET /ws.
func HandleWebSocket(hub *WSHub) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		conn, err := upgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
		if err != nil {
			logging.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return nil
		}

		client := &WSClient{
			id:            ulid.Make().String(),
			conn:          conn,
			send:          make(chan []byte, sendBuffer),
			hub:           hub,
			subscriptions: make(map[string]bool),
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return nil
		}

		go client.writePump()
		go client.readPump()
		return nil
	}
}
