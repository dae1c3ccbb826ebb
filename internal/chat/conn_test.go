package chat_test

import (
	"context"
	"io"
	"sync"

	"github.com/omochice/toy-pair-chat/internal/chat"
	"github.com/omochice/toy-pair-chat/pkg/protocol"
)

type readResult struct {
	ev  protocol.Event
	err error
}

// mockConn is a mock implementation of chat.Conn for testing.
type mockConn struct {
	readCh     chan readResult
	writtenMu  sync.Mutex
	written    []protocol.Event
	closeOnce  sync.Once
	closed     chan struct{}
	remoteAddr string
}

func newMockConn(addr string) *mockConn {
	return &mockConn{
		readCh:     make(chan readResult, 10),
		closed:     make(chan struct{}),
		remoteAddr: addr,
	}
}

func (m *mockConn) Read(ctx context.Context) (protocol.Event, error) {
	select {
	case <-ctx.Done():
		return protocol.Event{}, ctx.Err()
	case <-m.closed:
		return protocol.Event{}, io.EOF
	case r := <-m.readCh:
		return r.ev, r.err
	}
}

func (m *mockConn) Write(ctx context.Context, ev protocol.Event) error {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	m.written = append(m.written, ev)
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

// push queues an event for the next Read.
func (m *mockConn) push(ev protocol.Event) {
	m.readCh <- readResult{ev: ev}
}

// pushErr queues an error for the next Read.
func (m *mockConn) pushErr(err error) {
	m.readCh <- readResult{err: err}
}

// Compile-time check that mockConn implements chat.Conn
var _ chat.Conn = (*mockConn)(nil)
