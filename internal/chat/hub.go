package chat

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"birbstream/native/internal/domain"
	"birbstream/native/internal/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultHistory    = 50
	defaultSendBuffer = 32
	defaultPing       = 30 * time.Second

	writeWait      = 5 * time.Second
	maxMessageSize = 4096
)

// Config controls the chat room.
type Config struct {
	// History is the number of chat messages replayed to new clients.
	History      int
	SendBuffer   int
	PingInterval time.Duration
	Metrics      *metrics.Metrics
}

// Hub is a single chat room served over WebSocket. Besides relaying client
// messages it implements domain.Broadcaster for server-originated messages.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	now      func() time.Time

	mu          sync.Mutex
	clients     map[*client]struct{}
	history     []json.RawMessage
	lastViewers []byte
}

// NewHub creates an empty room.
func NewHub(cfg Config) *Hub {
	if cfg.History <= 0 {
		cfg.History = defaultHistory
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPing
	}
	return &Hub{
		cfg:     cfg,
		metrics: cfg.Metrics,
		now:     time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// client is one connected WebSocket. send is never closed; the writer exits
// on done.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, buffer int) *client {
	return &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[chat] upgrade: %v", err)
		return
	}

	c := newClient(conn, h.cfg.SendBuffer)
	h.add(c)
	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	if len(h.history) > 0 {
		data, err := json.Marshal(struct {
			Type     string            `json:"type"`
			Messages []json.RawMessage `json:"messages"`
		}{"history", h.history})
		if err == nil {
			c.send <- data
		}
	}
	if h.lastViewers != nil {
		select {
		case c.send <- h.lastViewers:
		default:
		}
	}
	h.metrics.SetChatClients(n)
	h.mu.Unlock()

	log.Printf("[chat] client %s joined (%d connected)", c.id, n)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	if ok {
		h.metrics.SetChatClients(n)
	}
	h.mu.Unlock()

	c.close()
	if ok {
		log.Printf("[chat] client %s left (%d connected)", c.id, n)
	}
}

func (h *Hub) readLoop(c *client) {
	defer h.remove(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(2 * h.cfg.PingInterval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * h.cfg.PingInterval))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[chat] read %s: %v", c.id, err)
			}
			return
		}

		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil || msg == nil {
			log.Printf("[chat] %s sent a non-object message, ignoring", c.id)
			continue
		}
		if _, ok := msg["type"].(string); !ok {
			msg["type"] = "message"
		}
		h.publish(msg)
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("[chat] write %s: %v", c.id, err)
				h.remove(c)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// publish stamps msg, records it in the history unless it is a system or
// viewer-count message, and fans it out. Clients that cannot keep up are
// dropped.
func (h *Hub) publish(msg map[string]any) {
	msg["timestamp"] = h.now().UnixMilli()
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[chat] marshal: %v", err)
		return
	}
	kind, _ := msg["type"].(string)

	var dropped []*client
	h.mu.Lock()
	switch kind {
	case "system":
	case "viewers":
		h.lastViewers = data
	default:
		h.history = append(h.history, data)
		if over := len(h.history) - h.cfg.History; over > 0 {
			h.history = append([]json.RawMessage(nil), h.history[over:]...)
		}
		h.metrics.IncChatMessages()
	}
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			dropped = append(dropped, c)
		}
	}
	h.mu.Unlock()

	for _, c := range dropped {
		log.Printf("[chat] dropping slow client %s", c.id)
		h.remove(c)
	}
}

// Broadcast sends a server-originated message to every client.
func (h *Hub) Broadcast(msg domain.BroadcastMessage) {
	m := map[string]any{"type": msg.Type}
	if msg.Type == "viewers" {
		m["count"] = msg.Count
	}
	if msg.Text != "" {
		m["text"] = msg.Text
	}
	h.publish(m)
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
}
