// Package tcp provides TCP transport implementation for the pair chat server.
package tcp

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/omochice/toy-pair-chat/pkg/protocol"
)

// Conn adapts net.Conn to chat.Conn interface. Events travel as varint
// length-delimited protobuf frames.
type Conn struct {
	conn          net.Conn
	reader        *bufio.Reader
	maxFrameBytes int
	mu            sync.Mutex
}

// NewConn wraps a net.Conn.
func NewConn(conn net.Conn) *Conn {
	return NewConnWithReader(conn, nil, 0)
}

// NewConnWithReader wraps a net.Conn whose first bytes were already buffered
// by reader, as happens after protocol detection. A nil reader is created.
func NewConnWithReader(conn net.Conn, reader *bufio.Reader, maxFrameBytes int) *Conn {
	if reader == nil {
		reader = bufio.NewReader(conn)
	}
	return &Conn{
		conn:          conn,
		reader:        reader,
		maxFrameBytes: maxFrameBytes,
	}
}

// Read implements chat.Conn.
// Reads the next delimited frame from the TCP connection.
func (c *Conn) Read(ctx context.Context) (protocol.Event, error) {
	return protocol.ReadFrame(c.reader, c.maxFrameBytes)
}

// Write implements chat.Conn.
func (c *Conn) Write(ctx context.Context, ev protocol.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return protocol.WriteFrame(c.conn, ev)
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
