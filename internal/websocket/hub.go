package websocket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/leaderboard-sync/internal/domain"
	"github.com/leaderboard-sync/internal/metrics"
)

// Message types
const (
	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"
	MessageTypeSubscribed  = "subscribed"
	MessageTypePing        = "ping"
	MessageTypePong        = "pong"
	MessageTypeError       = "error"
)

// TopicAll matches every event type
const TopicAll = "*"

// Message is a control frame exchanged with a client
type Message struct {
	Type      string    `json:"type"`
	Topics    []string  `json:"topics,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type outbound struct {
	topic      string
	data       []byte
	recipients []*Client
}

// Hub maintains the set of active clients and fans events out to the
// clients whose topic filter matches
type Hub struct {
	// All connected clients
	clients map[*Client]struct{}

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Serialized events waiting for delivery
	broadcast chan outbound

	// Closed when the loop exits so late client calls do not block
	done     chan struct{}
	doneOnce sync.Once

	mu           sync.RWMutex
	logger       *slog.Logger
	livenessTick time.Duration
	staleAfter   time.Duration
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:      make(map[*Client]struct{}),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		broadcast:    make(chan outbound, 256),
		done:         make(chan struct{}),
		logger:       logger,
		livenessTick: pongWait,
		staleAfter:   2 * pongWait,
	}
}

// Serve runs the hub's main loop until ctx is cancelled
func (h *Hub) Serve(ctx context.Context) error {
	h.logger.Info("WebSocket hub started")

	liveness := time.NewTicker(h.livenessTick)
	defer liveness.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("WebSocket hub stopping")
			h.doneOnce.Do(func() { close(h.done) })
			h.mu.Lock()
			for client := range h.clients {
				h.remove(client)
			}
			h.mu.Unlock()
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			metrics.WebSocketConnections.Inc()
			h.logger.Debug("client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "client_id", client.id)

		case msg := <-h.broadcast:
			h.deliver(msg)

		case <-liveness.C:
			h.sweep(time.Now())
		}
	}
}

// String identifies the service in supervisor logs
func (h *Hub) String() string {
	return "websocket-hub"
}

// remove drops a client and closes its send channel. Caller holds h.mu.
func (h *Hub) remove(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	metrics.WebSocketConnections.Dec()
}

// deliver sends to the recipients chosen at publish time that are still
// connected. A client whose buffer is full is removed; the others still
// receive the message.
func (h *Hub) deliver(msg outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range msg.recipients {
		if _, ok := h.clients[client]; !ok {
			continue
		}
		select {
		case client.send <- msg.data:
		default:
			h.logger.Warn("client buffer full, removing", "client_id", client.id, "type", msg.topic)
			h.remove(client)
		}
	}
}

// sweep removes clients that have not shown liveness within staleAfter
func (h *Hub) sweep(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if now.Sub(client.lastSeen()) > h.staleAfter {
			h.logger.Debug("removing stale client", "client_id", client.id)
			h.remove(client)
		}
	}
}

// Publish serializes the event once and queues it for the clients whose
// filter matches at the time of the call
func (h *Hub) Publish(ctx context.Context, event domain.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal event", "type", event.Type, "error", err)
		return
	}

	h.mu.RLock()
	var recipients []*Client
	for client := range h.clients {
		if client.wants(event.Type) {
			recipients = append(recipients, client)
		}
	}
	h.mu.RUnlock()
	if len(recipients) == 0 {
		metrics.EventsPublished.WithLabelValues(event.Type).Inc()
		return
	}

	select {
	case h.broadcast <- outbound{topic: event.Type, data: data, recipients: recipients}:
		metrics.EventsPublished.WithLabelValues(event.Type).Inc()
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Subscribe adds topics to a client's filter. The change is in effect for
// every event published after it returns.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	client.applyTopics(topics, true)
	h.mu.Unlock()
}

// Unsubscribe removes topics from a client's filter. Events published after
// it returns are no longer delivered for those topics.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	client.applyTopics(topics, false)
	h.mu.Unlock()
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
