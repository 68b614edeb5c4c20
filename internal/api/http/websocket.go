package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saltfish/stratlab/go-backend/internal/domain"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	// Size of the send buffer for each client.
	sendBufferSize = 256
)

// EventTypeBacktestCompleted is broadcast after a synchronous backtest finishes.
// Optimizer events use their domain.EventType names.
const EventTypeBacktestCompleted = "backtest_completed"

// WSMessage represents a WebSocket message sent to clients.
type WSMessage struct {
	Type      string     `json:"type"`
	JobID     *uuid.UUID `json:"job_id,omitempty"`
	Data      any        `json:"data"`
	Timestamp time.Time  `json:"timestamp"`
}

// SubscriptionMessage represents a subscription request from a client.
type SubscriptionMessage struct {
	Action     string      `json:"action"` // "subscribe" or "unsubscribe"
	EventTypes []string    `json:"event_types,omitempty"`
	JobIDs     []uuid.UUID `json:"job_ids,omitempty"`
}

// Client represents a WebSocket client connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// Empty filters receive everything.
	mu            sync.RWMutex
	subscriptions map[string]bool
	jobs          map[uuid.UUID]bool

	logger *zap.Logger
}

type outbound struct {
	eventType string
	jobID     *uuid.UUID
	payload   []byte
}

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *zap.Logger
	done       chan struct{}
	closeOnce  sync.Once
}

// NewHub creates a new Hub instance.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With(zap.String("component", "ws_hub")),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.Int("total_clients", total))

		case client := <-h.unregister:
			h.remove(client)

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)

		case <-h.done:
			h.shutdown()
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.logger.Debug("Client unregistered", zap.Int("total_clients", len(h.clients)))
	}
}

// broadcastMessage sends a message to all subscribed clients. A client whose
// buffer is full is dropped.
func (h *Hub) broadcastMessage(msg outbound) {
	var slow []*Client

	h.mu.RLock()
	for client := range h.clients {
		if !client.wants(msg.eventType, msg.jobID) {
			continue
		}
		select {
		case client.send <- msg.payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("Dropping slow WebSocket client")
		h.remove(c)
	}
}

// BroadcastEvent broadcasts an event to all connected clients.
func (h *Hub) BroadcastEvent(eventType string, jobID *uuid.UUID, data any) {
	msg := WSMessage{
		Type:      eventType,
		JobID:     jobID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.Error(err), zap.String("event_type", eventType))
		return
	}

	select {
	case h.broadcast <- outbound{eventType: eventType, jobID: jobID, payload: payload}:
	default:
		h.logger.Warn("Broadcast channel full, dropping message", zap.String("event_type", eventType))
	}
}

// Pump broadcasts optimizer progress events until the channel closes or ctx is done.
func (h *Hub) Pump(ctx context.Context, events <-chan domain.ProgressEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			jobID := ev.JobID
			h.BroadcastEvent(ev.Type.String(), &jobID, ev)
		}
	}
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown gracefully shuts down the hub.
func (h *Hub) Shutdown() {
	h.closeOnce.Do(func() { close(h.done) })
}

// shutdown closes all client connections.
func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
	}
	h.clients = make(map[*Client]bool)
}

// wants reports whether the client's filters accept the event.
func (c *Client) wants(eventType string, jobID *uuid.UUID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.subscriptions) > 0 && !c.subscriptions[eventType] {
		return false
	}
	if len(c.jobs) > 0 && (jobID == nil || !c.jobs[*jobID]) {
		return false
	}
	return true
}

func (c *Client) subscribe(msg SubscriptionMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range msg.EventTypes {
		c.subscriptions[t] = true
	}
	for _, id := range msg.JobIDs {
		c.jobs[id] = true
	}
	c.logger.Debug("Client subscribed",
		zap.Strings("event_types", msg.EventTypes),
		zap.Int("jobs", len(msg.JobIDs)),
	)
}

func (c *Client) unsubscribe(msg SubscriptionMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range msg.EventTypes {
		delete(c.subscriptions, t)
	}
	for _, id := range msg.JobIDs {
		delete(c.jobs, id)
	}
}

// readPump pumps messages from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		// Some clients send a text ping instead of a ping frame.
		if string(message) == "ping" {
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
			continue
		}

		var sub SubscriptionMessage
		if err := json.Unmarshal(message, &sub); err != nil {
			c.logger.Debug("Ignoring non-JSON message")
			continue
		}

		switch sub.Action {
		case "subscribe":
			c.subscribe(sub)
		case "unsubscribe":
			c.unsubscribe(sub)
		default:
			c.logger.Debug("Unknown subscription action", zap.String("action", sub.Action))
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
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
				// The hub closed the channel.
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

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWS upgrades the request and registers a client. A job_id query parameter
// restricts the client to that job from the start.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	var jobs []uuid.UUID
	if s := r.URL.Query().Get("job_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err, "invalid job_id")
			return
		}
		jobs = append(jobs, id)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := newClient(h, conn, h.logger.With(zap.String("remote_addr", r.RemoteAddr)))
	client.subscribe(SubscriptionMessage{JobIDs: jobs})

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func newClient(h *Hub, conn *websocket.Conn, logger *zap.Logger) *Client {
	return &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		subscriptions: make(map[string]bool),
		jobs:          make(map[uuid.UUID]bool),
		logger:        logger,
	}
}
