package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uhyunpark/swapflow/pkg/broadcast"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

// streamClient relays one order's status events to one websocket.
type streamClient struct {
	server *Server
	conn   *websocket.Conn
	sub    *broadcast.Subscription
}

// readPump drains client frames so control messages are processed. It
// returns when the peer goes away.
func (c *streamClient) readPump() {
	defer func() {
		c.sub.Close()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.server.logger.Warnw("ws_read_error", "order_id", c.sub.OrderID, "err", err)
			}
			return
		}
		c.server.logger.Debugw("ws_client_message", "order_id", c.sub.OrderID, "bytes", len(message))
	}
}

// writePump writes subscription events until the hub ends the subscription.
func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.Events():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub ended the subscription
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.server.logger.Warnw("ws_write_error", "order_id", c.sub.OrderID, "err", err)
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

// handleOrderStream upgrades to a websocket streaming status events for the
// orderId query parameter.
func (s *Server) handleOrderStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("ws_upgrade_error", "err", err)
		return
	}

	orderID := r.URL.Query().Get("orderId")
	if orderID == "" {
		msg, _ := json.Marshal(StreamError{Error: "Missing orderId parameter"})
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.TextMessage, msg)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "missing orderId"))
		conn.Close()
		return
	}

	client := &streamClient{
		server: s,
		conn:   conn,
		sub:    s.hub.Subscribe(orderID),
	}

	// Start read and write pumps in separate goroutines
	go client.writePump()
	go client.readPump()
}
