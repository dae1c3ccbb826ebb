package ws

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gobwas "github.com/gobwas/ws"
	"github.com/goccy/go-json"
	"github.com/omochice/toy-pair-chat/internal/chat"
	"github.com/omochice/toy-pair-chat/internal/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	writeTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Options configures the WebSocket server.
type Options struct {
	Path           string
	CORSOrigin     string
	PingInterval   time.Duration
	IdleTimeout    time.Duration
	OutgoingBuffer int
	MaxFrameBytes  int
}

func (o *Options) norm() {
	if o.Path == "" {
		o.Path = "/ws"
	}
	if o.CORSOrigin == "" {
		o.CORSOrigin = "*"
	}
	if o.OutgoingBuffer <= 0 {
		o.OutgoingBuffer = 16
	}
}

// Server handles WebSocket connections and delegates to Hub.
type Server struct {
	address string
	hub     *chat.Hub
	opts    Options
	log     *zap.Logger
	server  *http.Server

	mu       sync.Mutex
	listener net.Listener
	conns    map[*Conn]struct{}
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a WebSocket server that uses the provided Hub.
func New(address string, hub *chat.Hub, opts Options, log *zap.Logger) *Server {
	opts.norm()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		address: address,
		hub:     hub,
		opts:    opts,
		log:     logger.OrNop(log).Named("ws"),
		conns:   make(map[*Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.server = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(recovery(s.log), accessLog(s.log), cors(s.opts.CORSOrigin))
	r.GET(s.opts.Path, s.handleWebSocket)
	r.GET("/healthz", s.handleHealth)
	return r
}

// Handler returns the HTTP handler serving the upgrade route and health check.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts accepting WebSocket connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return errors.Wrap(err, "failed to start WebSocket server")
	}
	return s.Serve(listener)
}

// Serve accepts HTTP connections on listener until Stop is called.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("WebSocket server started", zap.String("addr", listener.Addr().String()), zap.String("path", s.opts.Path))

	err := s.server.Serve(listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		return errors.Wrap(err, "serve http")
	}
	return nil
}

// Stop stops the WebSocket server and closes every client connection.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.log.Warn("http shutdown", zap.Error(err))
	}

	s.cancel()
	s.mu.Lock()
	s.stopped = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

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

// track registers conn and reserves the wait group slots of its two
// goroutines. It fails once Stop has begun.
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

func (s *Server) handleWebSocket(c *gin.Context) {
	netConn, rw, _, err := gobwas.UpgradeHTTP(c.Request, c.Writer)
	if err != nil {
		s.log.Debug("failed to upgrade connection", zap.String("remote", c.Request.RemoteAddr), zap.Error(err))
		return
	}

	var src io.Reader = netConn
	if rw != nil && rw.Reader.Buffered() > 0 {
		buffered, _ := rw.Reader.Peek(rw.Reader.Buffered())
		src = io.MultiReader(bytes.NewReader(buffered), netConn)
	}

	conn := NewConnWithReader(netConn, src, ConnOptions{
		IdleTimeout:   s.opts.IdleTimeout,
		MaxFrameBytes: s.opts.MaxFrameBytes,
	})
	if !s.track(conn) {
		conn.Close()
		return
	}

	client := chat.NewClient(conn, s.opts.OutgoingBuffer)
	s.log.Info("client connected", zap.String("client", client.ID), zap.String("remote", conn.RemoteAddr()))

	go s.handleClient(client, conn)
	go s.writeLoop(client, conn)
}

func (s *Server) handleClient(client *chat.Client, conn *Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer close(client.Outgoing)
	s.hub.HandleClient(s.ctx, client)
}

// writeLoop drains the client's queue and pings on an interval. It closes the
// connection when the queue is closed or a write fails.
func (s *Server) writeLoop(client *chat.Client, conn *Conn) {
	defer s.wg.Done()
	defer conn.Close()

	var ping <-chan time.Time
	if s.opts.PingInterval > 0 {
		ticker := time.NewTicker(s.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case ev, ok := <-client.Outgoing:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err := conn.Write(ctx, ev)
			cancel()
			if err != nil {
				s.log.Debug("failed to write to WebSocket client", zap.String("client", client.ID), zap.Error(err))
				return
			}
		case <-ping:
			if err := conn.Ping(); err != nil {
				s.log.Debug("failed to ping WebSocket client", zap.String("client", client.ID), zap.Error(err))
				return
			}
		}
	}
}

type healthResponse struct {
	Status string `json:"status"`
	chat.Stats
}

func (s *Server) handleHealth(c *gin.Context) {
	body, err := json.Marshal(healthResponse{Status: "ok", Stats: s.hub.Stats()})
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}
