// Package server runs the WebSocket and TCP transports over one Hub, either
// sharing a single port or on separate ports.
package server

import (
	"context"
	"net"
	"sync"

	"github.com/omochice/toy-pair-chat/internal/chat"
	"github.com/omochice/toy-pair-chat/internal/config"
	"github.com/omochice/toy-pair-chat/internal/logger"
	"github.com/omochice/toy-pair-chat/internal/transport/tcp"
	"github.com/omochice/toy-pair-chat/internal/transport/ws"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// UnifiedServer accepts WebSocket and raw TCP clients and pairs them through
// one Hub, so a browser can chat with a terminal client.
//
// When cfg.TCPAddr is empty both protocols share cfg.Addr and each
// connection is routed by its first bytes. Otherwise WebSocket listens on
// cfg.Addr and TCP on cfg.TCPAddr.
type UnifiedServer struct {
	cfg config.Config
	hub *chat.Hub
	log *zap.Logger

	ws  *ws.Server
	tcp *tcp.Server

	mu          sync.Mutex
	listener    net.Listener
	tcpListener net.Listener
	httpConns   *connListener
	stopped     bool

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewUnifiedServer creates a server for cfg that pairs clients through hub.
func NewUnifiedServer(cfg config.Config, hub *chat.Hub, log *zap.Logger) *UnifiedServer {
	log = logger.OrNop(log)
	return &UnifiedServer{
		cfg: cfg,
		hub: hub,
		log: log.Named("server"),
		ws: ws.New(cfg.Addr, hub, ws.Options{
			Path:           cfg.WSPath,
			CORSOrigin:     cfg.CORSOrigin,
			PingInterval:   cfg.PingInterval,
			IdleTimeout:    cfg.IdleTimeout(),
			OutgoingBuffer: cfg.OutgoingBuffer,
			MaxFrameBytes:  cfg.MaxFrameBytes,
		}, log),
		tcp: tcp.New(cfg.TCPAddr, hub, tcp.Options{
			OutgoingBuffer: cfg.OutgoingBuffer,
			MaxFrameBytes:  cfg.MaxFrameBytes,
		}, log),
		quit: make(chan struct{}),
	}
}

func (s *UnifiedServer) singlePort() bool {
	return s.cfg.TCPAddr == ""
}

// Start listens and serves until Stop is called. Listen errors are returned
// before anything is served.
func (s *UnifiedServer) Start() error {
	if s.singlePort() {
		return s.startSinglePort()
	}
	return s.startDualPort()
}

func (s *UnifiedServer) startSinglePort() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrap(err, "failed to start server")
	}
	httpConns := newConnListener(listener.Addr())

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.httpConns = httpConns
	s.mu.Unlock()

	s.log.Info("unified server started",
		zap.String("addr", listener.Addr().String()),
		zap.String("ws_path", s.cfg.WSPath),
		zap.Duration("sniff_timeout", s.cfg.SniffTimeout),
	)

	var g errgroup.Group
	g.Go(func() error { return s.ws.Serve(httpConns) })
	g.Go(func() error { return s.acceptConnections(listener) })
	return g.Wait()
}

func (s *UnifiedServer) startDualPort() error {
	wsListener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrap(err, "failed to start WebSocket server")
	}
	tcpListener, err := net.Listen("tcp", s.cfg.TCPAddr)
	if err != nil {
		wsListener.Close()
		return errors.Wrap(err, "failed to start TCP server")
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		wsListener.Close()
		tcpListener.Close()
		return nil
	}
	s.listener = wsListener
	s.tcpListener = tcpListener
	s.mu.Unlock()

	var g errgroup.Group
	g.Go(func() error { return s.ws.Serve(wsListener) })
	g.Go(func() error { return s.tcp.Serve(tcpListener) })
	return g.Wait()
}

// Run starts the server and stops it when ctx is done.
func (s *UnifiedServer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(s.Start)
	g.Go(func() error {
		<-ctx.Done()
		s.Stop()
		return nil
	})
	return g.Wait()
}

// Stop stops the unified server and closes every client connection.
func (s *UnifiedServer) Stop() {
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
	httpConns := s.httpConns
	s.mu.Unlock()

	s.ws.Stop()
	if httpConns != nil {
		httpConns.Close()
	}
	s.tcp.Stop()
	s.wg.Wait()
	s.log.Info("unified server stopped")
}

// Addr returns the address WebSocket clients connect to. In single port
// mode raw TCP clients use it as well.
func (s *UnifiedServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// TCPAddr returns the address raw TCP clients connect to.
func (s *UnifiedServer) TCPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpListener != nil {
		return s.tcpListener.Addr().String()
	}
	if s.listener != nil && s.singlePort() {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of connected clients
func (s *UnifiedServer) ClientCount() int {
	return s.hub.ClientCount()
}

// acceptConnections accepts connections on single port and determines protocol
func (s *UnifiedServer) acceptConnections(listener net.Listener) error {
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
			s.log.Warn("failed to accept connection", zap.Error(err))
			continue
		}

		if !s.begin() {
			conn.Close()
			return nil
		}
		go s.handleConnection(conn)
	}
}

func (s *UnifiedServer) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	return true
}

// handleConnection determines whether the connection is HTTP (WebSocket) or TCP
func (s *UnifiedServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	proto, reader, err := detectProtocol(conn, s.cfg.SniffTimeout)
	if err != nil {
		s.log.Debug("failed to detect protocol", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		conn.Close()
		return
	}
	s.log.Debug("detected protocol", zap.String("remote", conn.RemoteAddr().String()), zap.Stringer("protocol", proto))

	switch proto {
	case protocolHTTP:
		s.httpConns.deliver(&bufferedConn{Conn: conn, reader: reader})
	default:
		s.tcp.ServeConn(conn, reader)
	}
}
