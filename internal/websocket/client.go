package websocket

import (
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a WebSocket subscriber. A nil topic set receives every
// event; otherwise only listed types or the wildcard match.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]struct{}
	seen   atomic.Int64
	logger *slog.Logger
}

// ClientMessage represents a message from the client
type ClientMessage struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics,omitempty"`
}

// NewClient creates a new WebSocket client with an initial topic filter
func NewClient(hub *Hub, conn *websocket.Conn, topics []string, logger *slog.Logger) *Client {
	c := &Client{
		id:     uuid.New().String(),
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: logger,
	}
	if len(topics) > 0 {
		c.applyTopics(topics, true)
	}
	c.touch()
	return c
}

func (c *Client) touch() {
	c.seen.Store(time.Now().UnixNano())
}

func (c *Client) lastSeen() time.Time {
	return time.Unix(0, c.seen.Load())
}

// wants reports whether the client's filter matches topic. Caller holds hub.mu.
func (c *Client) wants(topic string) bool {
	if c.topics == nil {
		return true
	}
	if _, ok := c.topics[TopicAll]; ok {
		return true
	}
	_, ok := c.topics[topic]
	return ok
}

// applyTopics changes the filter. Subscribing to nothing resets to all
// events; unsubscribing every topic leaves an empty filter. Caller holds hub.mu.
func (c *Client) applyTopics(topics []string, add bool) {
	if add {
		if len(topics) == 0 {
			c.topics = nil
			return
		}
		if c.topics == nil {
			c.topics = make(map[string]struct{}, len(topics))
		}
		for _, t := range topics {
			c.topics[t] = struct{}{}
		}
		return
	}

	if c.topics == nil {
		c.topics = map[string]struct{}{TopicAll: {}}
	}
	for _, t := range topics {
		delete(c.topics, t)
	}
}

// readPump pumps messages from the WebSocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket error", "error", err)
			}
			break
		}
		c.touch()

		var clientMsg ClientMessage
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			c.logger.Warn("invalid message format", "error", err)
			c.reply(Message{Type: MessageTypeError, Data: map[string]string{"error": "invalid message format"}})
			continue
		}

		c.handleMessage(&clientMsg)
	}
}

// handleMessage processes incoming client messages
func (c *Client) handleMessage(msg *ClientMessage) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.hub.Subscribe(c, msg.Topics)
		c.reply(Message{Type: MessageTypeSubscribed, Topics: msg.Topics})

	case MessageTypeUnsubscribe:
		if len(msg.Topics) == 0 {
			c.reply(Message{Type: MessageTypeError, Data: map[string]string{"error": "topics required for unsubscribe"}})
			return
		}
		c.hub.Unsubscribe(c, msg.Topics)

	case MessageTypePing:
		c.reply(Message{Type: MessageTypePong})

	default:
		c.logger.Debug("unknown message type", "type", msg.Type)
	}
}

// writePump pumps messages from the hub to the WebSocket connection
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
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.Unregister(c)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.Unregister(c)
				return
			}
		}
	}
}

// reply queues a control message without blocking
func (c *Client) reply(msg Message) {
	msg.Timestamp = time.Now()
	data, _ := json.Marshal(msg)
	defer func() {
		// send may already be closed by the hub
		recover()
	}()
	select {
	case c.send <- data:
	default:
	}
}

// ServeWs upgrades the request and registers the subscriber. The optional
// topics query parameter is a comma-separated initial filter.
func ServeWs(hub *Hub, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}

	var topics []string
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}

	client := NewClient(hub, conn, topics, logger)
	hub.Register(client)

	go client.writePump()
	go client.readPump()

	logger.Debug("new websocket connection", "client_id", client.id, "topics", topics)
}
