package tcp

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/omochice/toy-pair-chat/internal/chat"
	"github.com/omochice/toy-pair-chat/internal/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

// Options configures the TCP server.
type Options struct {
	OutgoingBuffer int
	MaxFrameBytes  int
}

// Server handles TCP connections and delegates to Hub.
type Server struct {
	address string
	hub     *chat.Hub
	opts    Options
	log     *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*Conn]struct{}
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup
}

// New creates a TCP server that uses the provided Hub.
func New(address string, hub *chat.Hub, opts Options, log *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		address: address,
		hub:     hub,
		opts:    opts,
		log:     logger.OrNop(log).Named("tcp"),
		conns:   make(map[*Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
		quit:    make(chan struct{}),
	}
}

// Start starts accepting TCP connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return errors.Wrap(err, "failed to start TCP server")
	}
	return s.Serve(listener)
}

// Serve accepts connections on listener until Stop is called.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("TCP server started", zap.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("failed to accept TCP connection", zap.Error(err))
			continue
		}
		s.ServeConn(conn, nil)
	}
}

// ServeConn runs a client on an accepted connection. reader, when not nil,
// holds bytes already read from conn.
func (s *Server) ServeConn(netConn net.Conn, reader *bufio.Reader) {
	conn := NewConnWithReader(netConn, reader, s.opts.MaxFrameBytes)
	if !s.track(conn) {
		conn.Close()
		return
	}

	client := chat.NewClient(conn, s.opts.OutgoingBuffer)
	s.log.Info("client connected", zap.String("client", client.ID), zap.String("remote", conn.RemoteAddr()))

	go s.handleClient(client, conn)
	go s.writeLoop(client, conn)
}

// Stop stops the TCP server and closes every client connection.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) track(conn *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(2)
	return true
}

func (s *Server) untrack(conn *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) handleClient(client *chat.Client, conn *Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer close(client.Outgoing)
	s.hub.HandleClient(s.ctx, client)
}

func (s *Server) writeLoop(client *chat.Client, conn *Conn) {
	defer s.wg.Done()
	defer conn.Close()
	for ev := range client.Outgoing {
		ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
		err := conn.Write(ctx, ev)
		cancel()
		if err != nil {
			s.log.Debug("failed to write to TCP client", zap.String("client", client.ID), zap.Error(err))
			return
		}
	}
}
