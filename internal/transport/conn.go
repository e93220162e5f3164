// Package transport wraps a client-facing websocket connection with a
// single writer goroutine and a lock-free outbound-byte counter, so the
// broadcaster's pacing loop can read BufferedAmount/Closed without
// violating gorilla/websocket's single-writer-per-connection rule.
// Grounded on the teacher pack's own gorilla/websocket usage
// (Julzz10110-rillnet's websocket_server.go).
package transport

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by WriteMessage once the connection has closed.
var ErrClosed = errors.New("transport: connection closed")

// ErrQueueFull is returned when the internal send queue cannot absorb
// another packet; the caller treats this the same as a send failure and
// removes the connection.
var ErrQueueFull = errors.New("transport: send queue full")

const writeTimeout = 5 * time.Second

// Conn is one client-facing binary message connection.
type Conn struct {
	id string
	ws *websocket.Conn

	send chan []byte
	stop chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	bufferedBytes atomic.Int64
}

// New wraps ws, identified by id for logging and client-set bookkeeping,
// and starts its writer goroutine.
func New(id string, ws *websocket.Conn) *Conn {
	c := &Conn{
		id:   id,
		ws:   ws,
		send: make(chan []byte, 256),
		stop: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// ID returns the opaque connection identifier used for client-set
// bookkeeping and logging.
func (c *Conn) ID() string { return c.id }

// writeLoop never closes c.send -- Close signals it via stop instead, so
// WriteMessage's enqueue can never race a channel close into a panic.
func (c *Conn) writeLoop() {
	defer c.closeLocked()
	for {
		select {
		case data := <-c.send:
			c.bufferedBytes.Add(-int64(len(data)))
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-c.stop:
			return
		}
	}
}

// WriteMessage enqueues data to be sent as a single binary message.
// Enqueue failures (closed connection, full queue) are reported as an
// error so the caller can drop the connection from its client set.
func (c *Conn) WriteMessage(data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.bufferedBytes.Add(int64(len(data)))
	select {
	case c.send <- data:
		return nil
	case <-c.stop:
		c.bufferedBytes.Add(-int64(len(data)))
		return ErrClosed
	default:
		c.bufferedBytes.Add(-int64(len(data)))
		return ErrQueueFull
	}
}

// BufferedAmount returns the number of bytes enqueued but not yet
// written to the underlying socket, the backpressure signal the
// broadcaster's drain pacing polls.
func (c *Conn) BufferedAmount() int {
	return int(c.bufferedBytes.Load())
}

// Closed reports whether the connection has been closed, either locally
// or by a write failure.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Close closes the underlying websocket and stops the writer goroutine.
// Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stop)
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) closeLocked() {
	_ = c.Close()
}

// ReadLoop blocks reading frames from the client until the connection
// closes or errors; clients send nothing meaningful upstream, so this
// exists only to detect disconnects and surface them to onClose.
func (c *Conn) ReadLoop(onClose func()) {
	defer onClose()
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}
