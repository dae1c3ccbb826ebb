// Package tcp provides a TCP client for the pair chat server.
package tcp

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/omochice/toy-pair-chat/internal/logger"
	"github.com/omochice/toy-pair-chat/pkg/protocol"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const dialTimeout = 10 * time.Second

// Client represents a TCP chat client
type Client struct {
	address string
	log     *zap.Logger
	conn    net.Conn
	events  chan protocol.Event
	mu      sync.RWMutex
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// New creates a new Client instance
func New(address string, log *zap.Logger) *Client {
	return &Client{
		address: address,
		log:     logger.OrNop(log).Named("tcp-client"),
		events:  make(chan protocol.Event, 10),
		done:    make(chan struct{}),
	}
}

// Connect establishes a connection to the server
func (c *Client) Connect() error {
	conn, err := net.DialTimeout("tcp", c.address, dialTimeout)
	if err != nil {
		return errors.Wrap(err, "failed to connect to server")
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// Start receiving events
	c.wg.Add(1)
	go c.receiveEvents(conn)

	return nil
}

// Disconnect closes the connection to the server
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// SendMessage sends a chat message to the partner
func (c *Client) SendMessage(text string) error {
	return c.send(protocol.Event{Type: protocol.EventSendMsg, Message: text})
}

// Typing tells the partner the user started typing
func (c *Client) Typing() error {
	return c.send(protocol.Event{Type: protocol.EventTyping})
}

// StopTyping tells the partner the user stopped typing
func (c *Client) StopTyping() error {
	return c.send(protocol.Event{Type: protocol.EventStopTyping})
}

// Events returns the channel for receiving server events
func (c *Client) Events() <-chan protocol.Event {
	return c.events
}

// send writes one frame to the server
func (c *Client) send(ev protocol.Event) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return errors.New("not connected to server")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := protocol.WriteFrame(conn, ev); err != nil {
		return errors.Wrap(err, "failed to send event")
	}

	return nil
}

// receiveEvents continuously receives events from the server
func (c *Client) receiveEvents(conn net.Conn) {
	defer c.wg.Done()
	defer close(c.events)
	defer c.dropConn(conn)

	reader := bufio.NewReader(conn)
	for {
		ev, err := protocol.ReadFrame(reader, 0)
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidEvent) {
				c.log.Warn("failed to decode event", zap.Error(err))
				continue
			}
			select {
			case <-c.done:
			default:
				if err != io.EOF {
					c.log.Warn("error reading from server", zap.Error(err))
				}
			}
			return
		}

		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

// dropConn marks the client disconnected once the server side went away.
func (c *Client) dropConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
		conn.Close()
	}
}
