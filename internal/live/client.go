// Streamlog - Durable Device Log Ingestion and Live Streaming
// Copyright 2026 Streamlog contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamlog-dev/streamlog

package live

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamlog-dev/streamlog/internal/logging"
	"github.com/streamlog-dev/streamlog/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024 // 512 KB
	sendBuffer     = 256
)

// client wraps one WebSocket connection with a buffered outbound channel and
// a write pump. Sends are non-blocking: when the buffer is full the message
// is dropped, never the connection — live delivery is best-effort and a slow
// viewer must not stall the sender.
type client struct {
	conn *websocket.Conn
	send chan ServerMessage

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		send: make(chan ServerMessage, sendBuffer),
	}
}

// Send queues msg for delivery. Reports false when the message was dropped:
// buffer full, or the session already shut down. The mutex orders Send
// against shutdown; the router and heartbeat send from other goroutines and
// can race session teardown, and a send on the closed channel would panic.
func (c *client) Send(msg ServerMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		metrics.LiveEventsDropped.Inc()
		return false
	}
}

// writePump drains the send channel onto the socket and keeps the transport
// alive with pings. Runs until the channel closes or a write fails.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				logging.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// shutdown closes the outbound channel, letting the write pump flush and
// close the socket. Safe to call more than once and concurrently with Send.
func (c *client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// closeWith sends a close frame carrying code and reason, then closes the
// socket. Used for admission rejections and protocol violations, where the
// code is the diagnostic.
func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}
