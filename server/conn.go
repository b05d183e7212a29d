package server

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"chatrelay/protocol"

	"github.com/google/uuid"
)

// event carries one inbound frame or the error that ended a connection.
type event struct {
	conn  *conn
	frame []byte
	err   error
}

// conn is one accepted client. The event loop owns name, closed and the
// send side of out; the reader and writer goroutines only move bytes.
type conn struct {
	id     string
	nc     net.Conn
	log    *slog.Logger
	name   string
	closed bool

	out          chan []byte
	done         chan struct{}
	writeTimeout time.Duration
}

func newConn(nc net.Conn, log *slog.Logger, outbound int, writeTimeout time.Duration) *conn {
	id := uuid.NewString()
	return &conn{
		id:           id,
		nc:           nc,
		log:          log.With("conn", id, "remote", nc.RemoteAddr().String()),
		out:          make(chan []byte, outbound),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

func (c *conn) start(events chan<- event, stop <-chan struct{}) {
	go c.readLoop(events, stop)
	go c.writeLoop(events, stop)
}

// trySend queues a frame without blocking. A full buffer means the peer is
// not currently writable.
func (c *conn) trySend(frame []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

// close stops accepting frames; the writer flushes what is queued and then
// closes the socket.
func (c *conn) close() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
}

// peer returns the remote ip and port, or the raw address and 0 when the
// transport has no host:port form.
func (c *conn) peer() (string, int) {
	addr := c.nc.RemoteAddr().String()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func (c *conn) readLoop(events chan<- event, stop <-chan struct{}) {
	reader := protocol.NewReader(c.nc)
	for {
		frame, err := reader.Next()
		select {
		case events <- event{conn: c, frame: frame, err: err}:
		case <-c.done:
			return
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *conn) writeLoop(events chan<- event, stop <-chan struct{}) {
	defer close(c.done)
	defer c.nc.Close()
	for frame := range c.out {
		c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		if _, err := c.nc.Write(frame); err != nil {
			select {
			case events <- event{conn: c, err: fmt.Errorf("%w: %v", ErrSessionLost, err)}:
			case <-stop:
			}
			return
		}
	}
}
