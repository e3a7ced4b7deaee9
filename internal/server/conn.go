package server

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/trafficwatch/speed-daemon/internal/metrics"
	"github.com/trafficwatch/speed-daemon/internal/wire"
)

const readChunkSize = 4096

// Conn wraps a client socket with the append-only read buffer the frame
// decoder needs. Reads happen from exactly one goroutine (the session
// loop); writes from exactly one goroutine (the session writer).
type Conn struct {
	c            net.Conn
	buf          []byte
	chunk        [readChunkSize]byte
	readDeadline time.Duration
}

// NewConn wraps c. readDeadline > 0 arms a rolling deadline before each
// socket read; timeouts re-arm rather than kill the connection (the
// protocol has no client keepalive requirement).
func NewConn(c net.Conn, readDeadline time.Duration) *Conn {
	return &Conn{c: c, readDeadline: readDeadline}
}

// ReadFrame returns the next client frame. It returns io.EOF when the peer
// closes at a clean frame boundary, ErrDirtyEOF when bytes remain
// unparsed, and a wire.ErrMalformed-wrapped error on garbage. A partial
// frame is never consumed: the buffered bytes are re-parsed once more
// arrive.
func (c *Conn) ReadFrame() (wire.ClientFrame, error) {
	for {
		if len(c.buf) > 0 {
			f, n, err := wire.Decode(c.buf)
			if err == nil {
				c.buf = c.buf[:copy(c.buf, c.buf[n:])]
				metrics.IncFrameRx()
				return f, nil
			}
			if !errors.Is(err, wire.ErrIncomplete) {
				metrics.IncMalformed()
				return nil, err
			}
		}
		if c.readDeadline > 0 {
			_ = c.c.SetReadDeadline(time.Now().Add(c.readDeadline))
		}
		n, err := c.c.Read(c.chunk[:])
		if n > 0 {
			c.buf = append(c.buf, c.chunk[:n]...)
			continue
		}
		if err == nil {
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			if len(c.buf) == 0 {
				return nil, io.EOF
			}
			return nil, ErrDirtyEOF
		}
		return nil, err
	}
}

// WriteFrame serializes and writes one server frame.
func (c *Conn) WriteFrame(f wire.ServerFrame) error {
	if _, err := c.c.Write(wire.Encode(f)); err != nil {
		return err
	}
	metrics.AddFramesTx(1)
	return nil
}

// Close closes the underlying socket.
func (c *Conn) Close() error { return c.c.Close() }

// RemoteAddr reports the peer address for logging.
func (c *Conn) RemoteAddr() net.Addr { return c.c.RemoteAddr() }
