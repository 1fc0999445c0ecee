package mitm

import (
	"bytes"
	"io"
	"net"
	"sync"
)

// Conn wraps a network connection with a peek buffer so the detector
// can classify leading bytes without consuming what the codec still
// needs. Peeked bytes are re-buffered ahead of subsequent reads.
type Conn struct {
	net.Conn
	mu  sync.Mutex
	buf bytes.Buffer
}

func NewConn(inner net.Conn) *Conn {
	if c, ok := inner.(*Conn); ok {
		return c
	}
	return &Conn{Conn: inner}
}

// Peek returns the next n bytes without advancing the reader.
func (c *Conn) Peek(n int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	chunk := make([]byte, 1024)
	for c.buf.Len() < n {
		size, err := c.Conn.Read(chunk)
		c.buf.Write(chunk[:size])
		if err != nil {
			return c.buf.Bytes(), err
		}
	}
	return c.buf.Bytes()[:n], nil
}

func (c *Conn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.buf.Len() > 0 {
		n, _ := c.buf.Read(p)
		return n, nil
	}
	return c.Conn.Read(p)
}

var _ io.ReadWriteCloser = (*Conn)(nil)
