package server

import (
	"bufio"
	"bytes"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type protocolType int

const (
	protocolTCP protocolType = iota
	protocolHTTP
)

func (p protocolType) String() string {
	if p == protocolHTTP {
		return "http"
	}
	return "tcp"
}

var httpMethods = [][]byte{
	[]byte("GET "),
	[]byte("POST"),
	[]byte("PUT "),
	[]byte("HEAD"),
	[]byte("OPTI"), // OPTIONS
	[]byte("PATC"), // PATCH
	[]byte("DELE"), // DELETE
	[]byte("CONN"), // CONNECT
	[]byte("TRAC"), // TRACE
}

// detectProtocol peeks at the first bytes to determine protocol type.
// A client that stays silent for timeout is treated as a TCP client, which
// waits for the server to speak first. The returned reader holds the peeked
// bytes.
func detectProtocol(conn net.Conn, timeout time.Duration) (protocolType, *bufio.Reader, error) {
	reader := bufio.NewReader(conn)

	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return protocolTCP, reader, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}

	peek, err := reader.Peek(4)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return protocolTCP, reader, nil
		}
		return protocolTCP, reader, err
	}

	for _, method := range httpMethods {
		if bytes.Equal(peek, method) {
			return protocolHTTP, reader, nil
		}
	}
	return protocolTCP, reader, nil
}

// bufferedConn wraps a net.Conn with a bufio.Reader to preserve peeked data.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (bc *bufferedConn) Read(p []byte) (int, error) {
	return bc.reader.Read(p)
}

// connListener is a net.Listener fed with connections accepted elsewhere.
type connListener struct {
	addr  net.Addr
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func newConnListener(addr net.Addr) *connListener {
	return &connListener{
		addr:  addr,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
}

// deliver hands conn to Accept. It closes conn if the listener is closed
// first.
func (l *connListener) deliver(conn net.Conn) {
	select {
	case l.conns <- conn:
	case <-l.done:
		conn.Close()
	}
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *connListener) Addr() net.Addr {
	return l.addr
}
