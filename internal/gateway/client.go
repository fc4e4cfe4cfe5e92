package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Connection lifecycle states. The only transitions are
// connecting → guest | authenticated, guest → authenticated (one explicit
// upgrade), and anything → disconnected. Disconnected is terminal.
const (
	stateConnecting int32 = iota
	stateGuest
	stateAuthenticated
	stateDisconnected
)

// Client is one live WebSocket session. The send channel is the only
// write path: pumps own the socket, everything else enqueues.
type Client struct {
	id          string
	conn        net.Conn
	send        chan []byte
	done        chan struct{}
	doneOnce    sync.Once
	closeOnce   sync.Once
	connectedAt time.Time

	state int32

	// Consecutive full-buffer drops. Three strikes and the write side
	// gives up on the connection as too slow.
	dropStrikes int32
}

func newClient(id string, conn net.Conn, sendBuffer int) *Client {
	return &Client{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
		state:       stateConnecting,
	}
}

// ID returns the opaque connection identifier.
func (c *Client) ID() string { return c.id }

// Enqueue queues an outbound frame without blocking. False means the
// buffer was full and the frame was dropped; a healthy delivery resets the
// slow-client strike counter.
func (c *Client) Enqueue(data []byte) bool {
	if atomic.LoadInt32(&c.state) == stateDisconnected {
		return false
	}
	select {
	case c.send <- data:
		atomic.StoreInt32(&c.dropStrikes, 0)
		return true
	default:
		atomic.AddInt32(&c.dropStrikes, 1)
		return false
	}
}

func (c *Client) strikes() int32 {
	return atomic.LoadInt32(&c.dropStrikes)
}

// markConnected settles the handshake outcome. Returns false if the
// client already left the connecting state.
func (c *Client) markConnected(authenticated bool) bool {
	to := stateGuest
	if authenticated {
		to = stateAuthenticated
	}
	return atomic.CompareAndSwapInt32(&c.state, stateConnecting, to)
}

// markAuthenticated performs the single guest→authenticated upgrade.
func (c *Client) markAuthenticated() bool {
	return atomic.CompareAndSwapInt32(&c.state, stateGuest, stateAuthenticated)
}

// markDisconnected moves to the terminal state. Returns true only on the
// first call, which makes the disconnect cascade run exactly once.
func (c *Client) markDisconnected() bool {
	prev := atomic.SwapInt32(&c.state, stateDisconnected)
	return prev != stateDisconnected
}

func (c *Client) disconnected() bool {
	return atomic.LoadInt32(&c.state) == stateDisconnected
}

// finish signals the write pump to drain and exit. The send channel is
// never closed, so Enqueue can race with disconnection safely.
func (c *Client) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

// closeSocket closes the underlying socket once.
func (c *Client) closeSocket() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}
