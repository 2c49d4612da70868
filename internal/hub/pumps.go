package hub

import (
	"bufio"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/agencydesk/chatcore/internal/monitoring"
)

// writeWait bounds one write syscall on the socket.
const writeWait = 10 * time.Second

// readPump reads frames off the socket until the client goes away. Every
// inbound text frame passes the per-connection rate limiter before it is
// routed.
func (h *Hub) readPump(c *Connection) {
	defer monitoring.RecoverPanic(h.logger, "readPump", map[string]any{
		"endpoint_id": c.endpointID,
	})
	defer h.unregister(c)

	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

		switch op {
		case ws.OpText:
			if !c.limiter.Allow() {
				monitoring.RateLimitedEvents.Inc()
				h.sendError(c, "", "RATE_LIMIT_EXCEEDED", "too many frames, slow down")
				continue
			}
			h.handleFrame(c, msg)
		case ws.OpClose:
			return
		}
		// Pongs refresh the deadline above; gobwas answers pings itself.
	}
}

// writePump drains the send queue onto the socket, batching whatever is
// already queued into one flush, and keeps the connection alive with
// pings.
func (h *Hub) writePump(c *Connection) {
	defer monitoring.RecoverPanic(h.logger, "writePump", map[string]any{
		"endpoint_id": c.endpointID,
	})

	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				h.logger.Debug().Err(err).Str("endpoint_id", c.endpointID).Msg("Write failed")
				return
			}

			// Batch the rest of the queue into the same flush.
			n := len(c.send)
			for i := 0; i < n; i++ {
				message = <-c.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
					h.logger.Debug().Err(err).Str("endpoint_id", c.endpointID).Msg("Write failed")
					return
				}
			}
			if err := writer.Flush(); err != nil {
				h.logger.Debug().Err(err).Str("endpoint_id", c.endpointID).Msg("Flush failed")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				h.logger.Debug().Err(err).Str("endpoint_id", c.endpointID).Msg("Ping failed")
				return
			}
		}
	}
}
