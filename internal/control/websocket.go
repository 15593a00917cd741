package control

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshpost/meshpost/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsEvent is the JSON shape mirrored to every attached websocket client.
type wsEvent struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// wsClient is one connected mirror subscriber.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub mirrors the deriver's event stream to every attached websocket
// client. It carries no command-ingress path; the control surface's only
// command channel is stdio.
type Hub struct {
	clients    map[*wsClient]bool
	broadcast  chan *wsEvent
	register   chan *wsClient
	unregister chan *wsClient
	log        *logging.Logger
	mu         sync.RWMutex
}

// NewHub creates a Hub. Call Run in its own goroutine to start it, then
// Handler to obtain an http.HandlerFunc to mount.
func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan *wsEvent, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		log:        logger.Component("control-ws"),
	}
}

// Run drives the hub's event loop until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.log.Debug("websocket client connected", "clients", len(h.clients))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case e := <-h.broadcast:
			data, err := json.Marshal(e)
			if err != nil {
				h.log.Error("failed to marshal mirrored event", "err", err)
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					h.mu.RUnlock()
					h.mu.Lock()
					delete(h.clients, c)
					close(c.send)
					h.mu.Unlock()
					h.mu.RLock()
				}
			}
			h.mu.RUnlock()

		case <-stop:
			return
		}
	}
}

// Broadcast queues event for delivery to every attached client. It never
// blocks; a full queue drops the event rather than stalling the deriver's
// event publisher.
func (h *Hub) Broadcast(event string, data interface{}) {
	select {
	case h.broadcast <- &wsEvent{Event: event, Data: data, Timestamp: time.Now().Unix()}:
	default:
		h.log.Warn("mirror broadcast queue full, dropping event", "event", event)
	}
}

// Handler returns the http.HandlerFunc to mount the websocket upgrade
// endpoint on.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Error("websocket upgrade failed", "err", err)
			return
		}
		c := &wsClient{conn: conn, send: make(chan []byte, 256)}
		h.register <- c
		go h.writePump(c)
		go h.readPump(c)
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only exists to notice client disconnects; the mirror accepts no
// inbound commands.
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
