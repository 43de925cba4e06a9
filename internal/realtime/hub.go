// Package realtime pushes chat events to connected websocket clients.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/chatsphere/internal/logging"
	"github.com/R3E-Network/chatsphere/internal/metrics"
)

// Event types pushed to clients.
const (
	EventMessageNew      = "message:new"
	EventMessageRead     = "message:read"
	EventMessageDeleted  = "message:deleted"
	EventContactRequest  = "contact:request"
	EventContactAccepted = "contact:accepted"
	EventContactRemoved  = "contact:removed"
	EventPresence        = "presence"
	EventTyping          = "typing"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Event is the envelope written to sockets.
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Notifier delivers events to a user's open connections.
type Notifier interface {
	Notify(userID, eventType string, payload interface{})
}

// Hooks are invoked on connection lifecycle and client activity.
type Hooks struct {
	// OnOnline runs when a user opens their first connection.
	OnOnline func(ctx context.Context, userID string)
	// OnOffline runs when a user's last connection closes.
	OnOffline func(ctx context.Context, userID string)
	// OnActivity runs for every client ping.
	OnActivity func(ctx context.Context, userID string)
	// OnTyping runs when a client reports typing to another user.
	OnTyping func(ctx context.Context, from, to string, typing bool)
}

// Options configures a Hub.
type Options struct {
	AllowedOrigins []string
	Logger         *logging.Logger
	Hooks          Hooks
}

// Hub tracks websocket connections per user.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*client]struct{}
	upgrader websocket.Upgrader
	hooks    Hooks
	log      *logging.Logger
	closed   bool
}

var _ Notifier = (*Hub)(nil)

// NewHub creates a hub.
func NewHub(opts Options) *Hub {
	log := opts.Logger
	if log == nil {
		log = logging.NewDefault("realtime")
	}
	h := &Hub{
		clients: make(map[string]map[*client]struct{}),
		hooks:   opts.Hooks,
		log:     log,
	}
	origins := opts.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r.Header.Get("Origin"), origins)
		},
	}
	return h
}

// SetHooks replaces the lifecycle hooks. It must be called before serving.
func (h *Hub) SetHooks(hooks Hooks) {
	h.mu.Lock()
	h.hooks = hooks
	h.mu.Unlock()
}

func originAllowed(origin string, allowed []string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request and registers the connection for userID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBuffer),
	}
	if !h.register(c) {
		_ = conn.Close()
		return nil
	}
	go c.writePump()
	go c.readPump()
	return nil
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	conns, ok := h.clients[c.userID]
	if !ok {
		conns = make(map[*client]struct{})
		h.clients[c.userID] = conns
	}
	conns[c] = struct{}{}
	first := len(conns) == 1
	onOnline := h.hooks.OnOnline
	h.reportLocked()
	h.mu.Unlock()

	h.log.WithField("user_id", c.userID).Debug("websocket connected")
	if first && onOnline != nil {
		onOnline(context.Background(), c.userID)
	}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	conns, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := conns[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(conns, c)
	close(c.send)
	last := len(conns) == 0
	if last {
		delete(h.clients, c.userID)
	}
	onOffline := h.hooks.OnOffline
	closed := h.closed
	h.reportLocked()
	h.mu.Unlock()

	h.log.WithField("user_id", c.userID).Debug("websocket disconnected")
	if last && !closed && onOffline != nil {
		onOffline(context.Background(), c.userID)
	}
}

func (h *Hub) reportLocked() {
	conns := 0
	for _, set := range h.clients {
		conns += len(set)
	}
	metrics.SetConnections(conns, len(h.clients))
}

// Notify sends an event to every connection of userID. Slow connections that
// cannot keep up are dropped.
func (h *Hub) Notify(userID, eventType string, payload interface{}) {
	data, err := json.Marshal(Event{Type: eventType, Payload: payload, Timestamp: time.Now().UTC()})
	if err != nil {
		h.log.WithError(err).Warnf("marshal %s event", eventType)
		return
	}

	h.mu.RLock()
	var stale []*client
	for c := range h.clients[userID] {
		select {
		case c.send <- data:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.log.WithField("user_id", userID).Warn("dropping slow websocket client")
		_ = c.conn.Close()
	}
}

// IsConnected reports whether userID has at least one open connection.
func (h *Hub) IsConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// Stats returns the number of open connections and connected users.
func (h *Hub) Stats() (connections, users int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, set := range h.clients {
		connections += len(set)
	}
	return connections, len(h.clients)
}

// Name identifies the hub in the application lifecycle.
func (h *Hub) Name() string { return "realtime-hub" }

// Start lets the hub accept connections again after Stop.
func (h *Hub) Start(context.Context) error {
	h.mu.Lock()
	h.closed = false
	h.mu.Unlock()
	return nil
}

// Stop disconnects every client.
func (h *Hub) Stop(context.Context) error {
	h.Close()
	return nil
}

// Close disconnects every client. Offline hooks are not fired.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = c.conn.Close()
	}
}

func (h *Hub) activity(userID string) {
	h.mu.RLock()
	fn := h.hooks.OnActivity
	h.mu.RUnlock()
	if fn != nil {
		fn(context.Background(), userID)
	}
}

func (h *Hub) typing(from, to string, typing bool) {
	h.mu.RLock()
	fn := h.hooks.OnTyping
	h.mu.RUnlock()
	if fn != nil && to != "" && to != from {
		fn(context.Background(), from, to, typing)
	}
}
