package gateway

import (
	"bufio"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"chatgate/internal/monitoring"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second
	// Time allowed between reads before the connection is considered dead.
	pongWait = 60 * time.Second
	// Server ping cadence. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// A client whose send buffer overflows this many times in a row is
	// disconnected as too slow to keep up.
	maxDropStrikes = 3
)

// readPump reads frames from the socket and feeds them to the event
// dispatcher. It owns the read side; when it returns, the disconnect
// cascade runs.
func (s *Server) readPump(c *Client) {
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"conn_id": c.id,
	})

	reason := "read_error"
	defer func() {
		s.disconnectClient(c, reason)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			s.conns.Touch(c.id)
			s.dispatch(c, msg)
		case ws.OpClose:
			reason = "client_close"
			return
		default:
			// Pings and pongs are handled by the library.
		}
	}
}

// writePump drains the send channel onto the socket, batching queued
// frames behind a buffered writer, and keeps the peer alive with pings.
func (s *Server) writePump(c *Client) {
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{
		"conn_id": c.id,
	})

	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeSocket()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("Failed to write frame")
				return
			}

			// Batch whatever else is already queued before flushing.
			n := len(c.send)
			for i := 0; i < n; i++ {
				message = <-c.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
					s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("Failed to write frame")
					return
				}
			}
			if err := writer.Flush(); err != nil {
				s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("Failed to flush writer")
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
			return

		case <-ticker.C:
			if c.strikes() >= maxDropStrikes {
				s.logger.Warn().Str("conn_id", c.id).Msg("Disconnecting slow client")
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}
