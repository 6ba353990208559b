package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"github.com/mediascribe/pipeline/internal/model"
)

// WebSocket message types
const (
	MessageTypeEvent = "event"
	MessageTypePing  = "ping"
	MessageTypePong  = "pong"
)

// Message is a generic WebSocket message
type Message struct {
	Type string `json:"type"`
}

// EventMessage carries one job event to subscribers
type EventMessage struct {
	Type  string              `json:"type"`
	JobID string              `json:"jobId"`
	Event model.EventEnvelope `json:"event"`
}

// Client represents a WebSocket client. Send is never closed; the hub
// closes done when it drops the client.
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte

	done     chan struct{}
	doneOnce sync.Once
}

// NewClient creates a client for jobID with a buffered send queue
func NewClient(jobID string, conn *websocket.Conn, buffer int) *Client {
	return &Client{
		JobID: jobID,
		Conn:  conn,
		Send:  make(chan []byte, buffer),
		done:  make(chan struct{}),
	}
}

// Done is closed once the hub has dropped the client.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) close() {
	c.doneOnce.Do(func() { close(c.done) })
}

// trySend queues data unless the client is full or already dropped.
func (c *Client) trySend(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// Hub maintains active WebSocket connections
type Hub struct {
	// Clients grouped by job ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	stopped    chan struct{}

	mu     sync.RWMutex
	logger *zap.Logger
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	JobID   string
	Message []byte
}

// NewHub creates a new Hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		stopped:    make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main loop and returns when ctx is done. Remaining
// clients are dropped on return.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("job_id", client.JobID))

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("job_id", client.JobID))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.JobID] {
				if !client.trySend(msg.Message) {
					// Slow consumer
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove must be called with mu held.
func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.JobID]
	if !ok {
		return
	}
	if _, ok := clients[client]; ok {
		delete(clients, client)
		client.close()
		if len(clients) == 0 {
			delete(h.clients, client.JobID)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	close(h.stopped)
	for jobID, clients := range h.clients {
		for client := range clients {
			client.close()
		}
		delete(h.clients, jobID)
	}
}

// Subscribers returns the number of clients watching jobID
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

// Register adds a new client. After the hub has stopped the client is
// dropped immediately.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.stopped:
		client.close()
	}
}

// Unregister removes a client. It does not block once the hub has stopped.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopped:
		client.close()
	}
}

// NotifyJob sends a job event to all job subscribers
func (h *Hub) NotifyJob(jobID string, e model.DomainEvent) {
	env, err := model.NewEventEnvelope(e)
	if err != nil {
		h.logger.Error("failed to encode job event", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	data, err := json.Marshal(EventMessage{Type: MessageTypeEvent, JobID: jobID, Event: env})
	if err != nil {
		h.logger.Error("failed to marshal event message", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{JobID: jobID, Message: data}:
	default:
		h.logger.Warn("broadcast queue full, dropping event",
			zap.String("job_id", jobID),
			zap.String("event_type", string(e.Type())),
		)
	}
}

// HandleConnection handles a WebSocket connection
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string) {
	client := NewClient(jobID, c, 256)

	h.Register(client)
	defer h.Unregister(client)

	// Start writer goroutine
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-client.Done():
				c.WriteMessage(websocket.CloseMessage, []byte{})
				return

			case message := <-client.Send:
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				// Send ping for keep-alive
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket error", zap.String("job_id", jobID), zap.Error(err))
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == MessageTypePing {
			data, _ := json.Marshal(Message{Type: MessageTypePong})
			client.trySend(data)
		}
	}
}
