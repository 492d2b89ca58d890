// Package realtime pushes access changes to connected clients over WebSocket.
//
// A client that has just finished checkout can subscribe to its own user id
// and learn about the grant the moment the webhook lands, instead of waiting
// for the next reconciliation poll. Polling remains the source of truth.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/assessly/assessly/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType names a pushed event.
type EventType string

const (
	EventAccessGranted   EventType = "access.granted"
	EventAccessRevoked   EventType = "access.revoked"
	EventPurchaseUpdated EventType = "purchase.updated"
)

// Event is one pushed message.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"userId"`
	Data      any       `json:"data"`
}

// AccessChange is the payload of access.granted and access.revoked.
type AccessChange struct {
	AssessmentID string `json:"assessmentId"`
	PurchaseID   string `json:"purchaseId,omitempty"`
	Reason       string `json:"reason"`
}

// PurchaseChange is the payload of purchase.updated.
type PurchaseChange struct {
	PurchaseID   string `json:"purchaseId"`
	AssessmentID string `json:"assessmentId"`
	Status       string `json:"status"`
}

// Subscription is the filter a client sends after connecting. A client
// receives nothing until it names at least one user id. User ids outside the
// connection's scope are dropped.
type Subscription struct {
	UserIDs    []string    `json:"userIds"`
	EventTypes []EventType `json:"eventTypes,omitempty"`
}

// Scope is the set of users a connection is allowed to watch.
type Scope struct {
	UserID string // the one user a bound connection may watch
	All    bool   // operator connections may watch every user
}

// Permits reports whether the scope covers userID.
func (s Scope) Permits(userID string) bool {
	return userID != "" && (s.All || userID == s.UserID)
}

func (s Scope) filter(userIDs []string) []string {
	var out []string
	for _, id := range userIDs {
		if s.Permits(id) {
			out = append(out, id)
		}
	}
	return out
}

// Authorizer resolves the scope of a WebSocket request. It returns false
// when the request carries no valid credential.
type Authorizer func(r *http.Request) (Scope, bool)

// Client represents a WebSocket connection
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	mu    sync.RWMutex
	scope Scope
	sub   Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int
	authorize  Authorizer

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// WithAuthorizer sets the check every connection must pass. Without one all
// connections are refused.
func (h *Hub) WithAuthorizer(a Authorizer) *Hub {
	h.authorize = a
	return h
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			msg := serialize(event)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if shouldSend(client, event) {
					select {
					case client.send <- msg:
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// shouldSend checks if event matches client's subscription
func shouldSend(client *Client, event *Event) bool {
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if len(sub.EventTypes) > 0 && !contains(sub.EventTypes, event.Type) {
		return false
	}
	return contains(sub.UserIDs, event.UserID)
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func serialize(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

// Broadcast sends an event to all matching clients. It never blocks; when the
// queue is full the event is dropped.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
	}
}

// AccessGranted pushes an access.granted event for userID.
func (h *Hub) AccessGranted(userID string, change AccessChange) {
	h.Broadcast(&Event{Type: EventAccessGranted, Timestamp: time.Now(), UserID: userID, Data: change})
}

// AccessRevoked pushes an access.revoked event for userID.
func (h *Hub) AccessRevoked(userID string, change AccessChange) {
	h.Broadcast(&Event{Type: EventAccessRevoked, Timestamp: time.Now(), UserID: userID, Data: change})
}

// PurchaseUpdated pushes a purchase.updated event for userID.
func (h *Hub) PurchaseUpdated(userID string, change PurchaseChange) {
	h.Broadcast(&Event{Type: EventPurchaseUpdated, Timestamp: time.Now(), UserID: userID, Data: change})
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	var scope Scope
	ok := false
	if h.authorize != nil {
		scope, ok = h.authorize(r)
	}
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, 64),
		scope: scope,
	}
	uid := r.URL.Query().Get("userId")
	if uid == "" {
		uid = scope.UserID
	}
	if scope.Permits(uid) {
		client.sub = Subscription{UserIDs: []string{uid}}
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates until the connection closes.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(16 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			sub.UserIDs = c.scope.filter(sub.UserIDs)
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to WebSocket
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
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
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
