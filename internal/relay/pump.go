package relay

import (
	"time"

	"github.com/gorilla/websocket"
)

func (h *Hub) readPump(c *Conn) {
	if h.opts.MaxMessageSize > 0 {
		c.ws.SetReadLimit(h.opts.MaxMessageSize)
	}
	if h.opts.PongWait > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
		})
	}

	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).WithField("conn", c.ID).Debug("websocket read failed")
			}
			return
		}
		h.broadcast(c, Message{Type: typ, Data: data})
	}
}

func (h *Hub) writePump(c *Conn) {
	var tick <-chan time.Time
	if h.opts.PingPeriod > 0 {
		ticker := time.NewTicker(h.opts.PingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(h.deadline())
			if err := c.ws.WriteMessage(msg.Type, msg.Data); err != nil {
				c.close()
				return
			}
		case <-tick:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, h.deadline()); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), h.deadline())
			return
		}
	}
}

func (h *Hub) deadline() time.Time {
	wait := h.opts.WriteWait
	if wait <= 0 {
		wait = 10 * time.Second
	}
	return time.Now().Add(wait)
}
