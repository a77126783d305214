// Package ws binds the replication transports to gorilla/websocket text
// frames. One frame carries one envelope.
package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bansheerubber/xcom-clone-sub000/internal/wire"
)

var ErrBackpressure = errors.New("send queue full")

// Config tunes one socket
type Config struct {
	SendQueue      int           // Buffered outbound frames before the peer counts as stalled
	WriteWait      time.Duration // Deadline for one frame or control message
	MaxMessageSize int64         // Read limit per frame
}

// DefaultConfig returns the default socket configuration
func DefaultConfig() Config {
	return Config{
		SendQueue:      256,
		WriteWait:      10 * time.Second,
		MaxMessageSize: wire.MaxMessageSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SendQueue <= 0 {
		c.SendQueue = d.SendQueue
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	return c
}

// Conn is a wire.Transport over a websocket. Send never blocks: frames go to
// a queue drained by a writer goroutine.
type Conn struct {
	ws   *websocket.Conn
	cfg  Config
	send chan string

	closeOnce sync.Once
	closed    chan struct{}
	finished  chan struct{}
}

// NewConn wraps ws and starts its writer
func NewConn(ws *websocket.Conn, cfg Config) *Conn {
	cfg = cfg.withDefaults()
	c := &Conn{
		ws:       ws,
		cfg:      cfg,
		send:     make(chan string, cfg.SendQueue),
		closed:   make(chan struct{}),
		finished: make(chan struct{}),
	}
	ws.SetReadLimit(cfg.MaxMessageSize)
	go c.writeLoop()
	return c
}

func (c *Conn) Send(msg string) error {
	select {
	case <-c.closed:
		return wire.ErrClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrBackpressure
	}
}

// Ping sends a control ping. It is safe alongside the writer goroutine.
func (c *Conn) Ping() error {
	select {
	case <-c.closed:
		return wire.ErrClosed
	default:
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait))
}

// Close flushes queued frames, sends a close frame and closes the socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

// Done is closed once the socket itself is closed
func (c *Conn) Done() <-chan struct{} { return c.finished }

func (c *Conn) writeLoop() {
	defer close(c.finished)
	defer c.ws.Close()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			for {
				select {
				case msg := <-c.send:
					if c.write(msg) != nil {
						return
					}
				default:
					c.ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(c.cfg.WriteWait))
					return
				}
			}
		}
	}
}

func (c *Conn) write(msg string) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

// cleanClose reports whether err is the peer ending the session on purpose
func cleanClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
