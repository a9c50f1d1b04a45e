package api

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Clients never send payloads; anything larger is a protocol error
	maxMessageSize = 512
)

var (
	helloFrame   = []byte(`{"type":"hello"}`)
	changedFrame = []byte(`{"type":"changed"}`)
)

// Hub fans store change signals out to websocket clients. Signals carry no
// payload, so a client that already has one queued loses nothing when the
// next is dropped.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	register   chan *hubClient
	unregister chan *hubClient
	broadcast  chan struct{}
	done       chan struct{}

	clients atomic.Int64
}

type hubClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub. Call Run to start it.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients are CLIs and the TUI, not browsers
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		broadcast:  make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	clients := make(map[*hubClient]struct{})

	for {
		select {
		case <-ctx.Done():
			for c := range clients {
				close(c.send)
			}
			h.clients.Store(0)
			ChangeSubscribers.Set(0)
			return

		case c := <-h.register:
			clients[c] = struct{}{}
			h.clients.Store(int64(len(clients)))
			ChangeSubscribers.Inc()

		case c := <-h.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.send)
				h.clients.Store(int64(len(clients)))
				ChangeSubscribers.Dec()
			}

		case <-h.broadcast:
			for c := range clients {
				select {
				case c.send <- changedFrame:
				default:
					// already has a signal pending
				}
			}
		}
	}
}

// Notify queues a change signal. It never blocks.
func (h *Hub) Notify() {
	ChangeNotificationsTotal.Inc()
	select {
	case h.broadcast <- struct{}{}:
	default:
	}
}

// Clients returns the number of registered connections.
func (h *Hub) Clients() int {
	return int(h.clients.Load())
}

// ServeWS upgrades the request and registers the connection. The hello
// frame is queued ahead of any signal and only sent once the client is
// registered, so a change after hello is never missed.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err), zap.String("trace_id", getTraceID(r.Context())))
		return
	}

	// Room for the hello plus one pending signal.
	c := &hubClient{hub: h, conn: conn, send: make(chan []byte, 2)}
	c.send <- helloFrame
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump drains control frames and detects disconnects.
func (c *hubClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("change stream client error", zap.Error(err))
			}
			return
		}
	}
}

// writePump delivers signals and keeps the connection alive with pings.
func (c *hubClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
