package hub

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sendBuffer is the per-connection outbound queue. A full queue marks
// the client slow; slow clients are disconnected rather than allowed to
// block fan-out to everyone else.
const sendBuffer = 256

// slowClientStrikes is how many consecutive full-buffer drops a
// connection survives before it is closed.
const slowClientStrikes = 3

// Connection is one live websocket endpoint. An identity may hold
// several connections (phone and laptop); each gets its own endpoint id
// and its own pumps.
type Connection struct {
	endpointID string
	identity   string
	remoteIP   string
	conn       net.Conn
	send       chan []byte
	done       chan struct{}
	limiter    *rate.Limiter

	connectedAt time.Time
	closeOnce   sync.Once

	mu      sync.Mutex
	strikes int
}

func newConnection(endpointID, identity, remoteIP string, conn net.Conn, perSec, burst int) *Connection {
	return &Connection{
		endpointID:  endpointID,
		identity:    identity,
		remoteIP:    remoteIP,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		limiter:     rate.NewLimiter(rate.Limit(perSec), burst),
		connectedAt: time.Now(),
	}
}

// enqueue queues data for the write pump without blocking. Returns false
// when the connection has struck out and should be dropped.
func (c *Connection) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		c.mu.Lock()
		c.strikes = 0
		c.mu.Unlock()
		return true
	default:
	}

	c.mu.Lock()
	c.strikes++
	out := c.strikes >= slowClientStrikes
	c.mu.Unlock()
	return !out
}

// close tears down the underlying socket exactly once. The done channel
// releases the write pump; the send channel itself is never closed so
// concurrent enqueues stay safe.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}
