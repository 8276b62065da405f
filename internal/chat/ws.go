package chat

import (
	"log/slog"
	"net/http"
	"time"

	"gastro-chat/internal/identity"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 512                 // Clients only send control frames.
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

// wsClient drains one hub subscriber into a websocket connection.
type wsClient struct {
	hub    *Hub
	conn   *websocket.Conn
	sub    *Subscriber
	filter string
	log    *slog.Logger
}

// ServeWs handles GET /ws, the websocket twin of ServeStream. Each hub event
// is written as one JSON text frame.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	sub, err := h.hub.Subscribe()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.Unsubscribe(sub.ID)
		h.log.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	client := &wsClient{
		hub:    h.hub,
		conn:   conn,
		sub:    sub,
		filter: identity.Normalize(r.URL.Query().Get("conversation")),
		log:    h.log.With(slog.String("connection", sub.ID)),
	}

	// Note: These run in new goroutines, ServeWs returns immediately.
	go client.writePump()
	go client.readPump()
}

// readPump only watches for liveness: pongs refresh the hub's idle clock and
// a read error means the peer is gone.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.Unsubscribe(c.sub.ID)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.Touch(c.sub.ID)
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read", slog.Any("error", err))
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(Event{Type: EventConnected, ConnectionID: c.sub.ID, Time: time.Now().UTC()}); err != nil {
		c.hub.Unsubscribe(c.sub.ID)
		return
	}

	for {
		select {
		case ev, ok := <-c.sub.Events():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !matchesFilter(c.filter, ev) {
				continue
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.hub.Unsubscribe(c.sub.ID)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.Unsubscribe(c.sub.ID)
				return
			}
		}
	}
}
