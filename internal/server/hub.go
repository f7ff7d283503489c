package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sluice-io/sluice/internal/metrics"
	"github.com/sluice-io/sluice/internal/store"
)

const (
	// writeWait bounds one frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a client may stay silent. Pings go out at
	// pingPeriod so a healthy client always answers in time.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound frames; the socket is push only.
	maxMessageSize = 512

	// sendBuffer is the per-client queue. A client that falls this far
	// behind is dropped.
	sendBuffer = 16
)

// refreshHint tells subscribers an event row changed. Consoles re-fetch
// what they display; the hint carries no payload data.
type refreshHint struct {
	EventID int64            `json:"eventId"`
	State   store.EventState `json:"state"`
}

// Hub fans refresh hints out to websocket subscribers. Delivery is
// best effort: slow clients are dropped rather than backpressuring
// the workers and handlers that publish.
type Hub struct {
	log      *zap.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client
	broadcast  chan []byte

	// done is closed when Run exits so pumps never block on a hub
	// that is no longer draining its channels.
	done chan struct{}
}

// NewHub builds a hub. origins follows the CORS origin list; "*"
// admits any Origin header.
func NewHub(m *metrics.Metrics, log *zap.Logger, origins []string) *Hub {
	return &Hub{
		log:     log,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 64),
		done:       make(chan struct{}),
	}
}

func originChecker(origins []string) func(*http.Request) bool {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
			continue
		}
		allowed[strings.ToLower(o)] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll || allowed[strings.ToLower(origin)] {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

// Run owns the client set until ctx is canceled. It must be running
// before the /ws route serves its first upgrade.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	clients := make(map[*client]struct{})
	for {
		select {
		case c := <-h.register:
			clients[c] = struct{}{}
			h.metrics.WSClients.Inc()

		case c := <-h.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.send)
				h.metrics.WSClients.Dec()
			}

		case msg := <-h.broadcast:
			for c := range clients {
				select {
				case c.send <- msg:
				default:
					delete(clients, c)
					close(c.send)
					h.metrics.WSClients.Dec()
					h.log.Warn("dropping slow websocket client")
				}
			}

		case <-ctx.Done():
			for c := range clients {
				close(c.send)
			}
			h.metrics.WSClients.Sub(float64(len(clients)))
			return nil
		}
	}
}

// Publish queues a refresh hint without blocking. Hints are advisory,
// so a full queue drops the hint rather than stalling the caller. Safe
// on a nil hub, which processes without a live-update socket use.
func (h *Hub) Publish(eventID int64, state store.EventState) {
	if h == nil {
		return
	}
	msg, err := json.Marshal(refreshHint{EventID: eventID, State: state})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.log.Debug("broadcast queue full, dropping hint", zap.Int64("event_id", eventID))
	}
}

// EventSettled lets the hub stand in as the engine's notifier.
func (h *Hub) EventSettled(eventID int64, state store.EventState) {
	h.Publish(eventID, state)
}

// ServeWS upgrades the request and registers the subscriber.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// drop detaches the client, tolerating a hub that already exited.
func (c *client) drop() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
	c.conn.Close()
}

// readPump discards inbound frames. It exists to answer control frames
// and to notice the peer going away.
func (c *client) readPump() {
	defer c.drop()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump drains the send queue and keeps the connection alive with
// pings. A closed send channel means the hub dropped this client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
