package fanout

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

// client is one connected WebSocket peer. The write pump owns the
// connection's write side; readPump only consumes control frames and
// application pings.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	remote string

	// closeReason is set by the hub before it closes send; the channel
	// close orders the write for the pump.
	closeReason string
}

// writePump drains the send queue and pings on an interval. It exits
// when the send channel closes (hub dropped us) or a write fails.
func (c *client) writePump() {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, c.closeReason),
					time.Now().Add(writeWait))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.hub.logger.Debug("fanout write failed", "remote", c.remote, "error", err)
				c.hub.remove(c)
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.remove(c)
				return
			}
		}
	}
}

// readPump enforces the pong deadline and answers application-level
// pings; everything else inbound is discarded.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.hub.logger.Debug("fanout client gone", "remote", c.remote, "error", err)
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &msg) == nil && msg.Type == "ping" {
			c.hub.enqueuePong(c)
		}
	}
}
