// Package ws provides WebSocket transport implementation for the pair chat server.
package ws

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"time"

	gobwas "github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/omochice/toy-pair-chat/pkg/protocol"
	"github.com/pkg/errors"
)

// ConnOptions tunes a server side WebSocket connection.
type ConnOptions struct {
	// IdleTimeout drops the connection when no frame arrives for this long.
	// Zero disables the deadline.
	IdleTimeout time.Duration
	// MaxFrameBytes rejects larger frames. Zero means no limit.
	MaxFrameBytes int
}

// Conn adapts an upgraded net.Conn to chat.Conn interface. Events travel as
// JSON in text frames; binary frames with the same JSON are accepted too.
type Conn struct {
	conn        net.Conn
	remoteAddr  string
	reader      *wsutil.Reader
	idleTimeout time.Duration

	// mu serializes frame writes from the write loop, pings and control replies.
	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an upgraded connection.
func NewConn(conn net.Conn, opts ConnOptions) *Conn {
	return NewConnWithReader(conn, conn, opts)
}

// NewConnWithReader wraps an upgraded connection whose frames are read from
// src, which holds bytes buffered during the handshake ahead of conn.
func NewConnWithReader(conn net.Conn, src io.Reader, opts ConnOptions) *Conn {
	c := &Conn{
		conn:        conn,
		idleTimeout: opts.IdleTimeout,
	}
	if addr := conn.RemoteAddr(); addr != nil {
		c.remoteAddr = addr.String()
	}
	c.reader = &wsutil.Reader{
		Source:         src,
		State:          gobwas.StateServerSide,
		CheckUTF8:      true,
		MaxFrameSize:   int64(opts.MaxFrameBytes),
		OnIntermediate: c.handleControl,
	}
	return c
}

// Read implements chat.Conn.
// Control frames are answered inline; a close frame from the peer reads as
// io.EOF.
func (c *Conn) Read(ctx context.Context) (protocol.Event, error) {
	for {
		if c.idleTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
				return protocol.Event{}, err
			}
		}

		hdr, err := c.reader.NextFrame()
		if err != nil {
			return protocol.Event{}, err
		}

		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, c.reader); err != nil {
				var closed wsutil.ClosedError
				if errors.As(err, &closed) {
					return protocol.Event{}, io.EOF
				}
				return protocol.Event{}, err
			}
			continue
		}

		if hdr.OpCode != gobwas.OpText && hdr.OpCode != gobwas.OpBinary {
			if err := c.reader.Discard(); err != nil {
				return protocol.Event{}, err
			}
			continue
		}

		data, err := io.ReadAll(c.reader)
		if err != nil {
			return protocol.Event{}, err
		}

		var ev protocol.Event
		if err := ev.DecodeJSON(data); err != nil {
			return protocol.Event{}, err
		}
		return ev, nil
	}
}

// Write implements chat.Conn.
// Writes the event as a JSON text frame. A deadline on ctx bounds the write.
func (c *Conn) Write(ctx context.Context, ev protocol.Event) error {
	data, err := ev.EncodeJSON()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerText(c.conn, data)
}

// Ping sends a ping frame. The peer's pong, like any other frame, extends the
// idle deadline.
func (c *Conn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteServerMessage(c.conn, gobwas.OpPing, nil)
}

// Close implements chat.Conn.
// A close frame is sent unless another write is in progress.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if c.mu.TryLock() {
			_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			body := gobwas.NewCloseFrameBody(gobwas.StatusNormalClosure, "")
			_ = wsutil.WriteServerMessage(c.conn, gobwas.OpClose, body)
			c.mu.Unlock()
		}
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// handleControl answers ping and close frames. The reply is buffered so it
// goes out as one write under mu.
func (c *Conn) handleControl(hdr gobwas.Header, r io.Reader) error {
	var buf bytes.Buffer
	err := wsutil.ControlFrameHandler(&buf, gobwas.StateServerSide)(hdr, r)
	if buf.Len() > 0 {
		c.mu.Lock()
		_, werr := c.conn.Write(buf.Bytes())
		c.mu.Unlock()
		if err == nil {
			err = werr
		}
	}
	return err
}
