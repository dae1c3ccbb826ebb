// Package ws provides a WebSocket client for the pair chat server.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/omochice/toy-pair-chat/internal/logger"
	"github.com/omochice/toy-pair-chat/pkg/protocol"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// Client represents a WebSocket chat client.
type Client struct {
	address string
	log     *zap.Logger
	conn    *websocket.Conn
	events  chan protocol.Event
	mu      sync.RWMutex
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// New creates a new WebSocket Client instance for a ws:// URL.
func New(address string, log *zap.Logger) *Client {
	return &Client{
		address: address,
		log:     logger.OrNop(log).Named("ws-client"),
		events:  make(chan protocol.Event, 10),
		done:    make(chan struct{}),
	}
}

// Connect establishes a WebSocket connection to the server.
func (c *Client) Connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, c.address, nil)
	if err != nil {
		return errors.Wrap(err, "failed to connect to server")
	}
	conn.SetReadLimit(protocol.DefaultMaxFrameSize)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receiveEvents(conn)

	return nil
}

// Disconnect closes the WebSocket connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}

	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// SendMessage sends a chat message to the partner.
func (c *Client) SendMessage(text string) error {
	return c.send(protocol.Event{Type: protocol.EventSendMsg, Message: text})
}

// Typing tells the partner the user started typing.
func (c *Client) Typing() error {
	return c.send(protocol.Event{Type: protocol.EventTyping})
}

// StopTyping tells the partner the user stopped typing.
func (c *Client) StopTyping() error {
	return c.send(protocol.Event{Type: protocol.EventStopTyping})
}

// Events returns the channel for receiving server events.
func (c *Client) Events() <-chan protocol.Event {
	return c.events
}

func (c *Client) send(ev protocol.Event) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return errors.New("not connected to server")
	}

	data, err := ev.EncodeJSON()
	if err != nil {
		return errors.Wrap(err, "failed to encode event")
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return errors.Wrap(err, "failed to send event")
	}

	return nil
}

func (c *Client) receiveEvents(conn *websocket.Conn) {
	defer c.wg.Done()
	defer close(c.events)
	defer c.dropConn(conn)

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					c.log.Warn("error reading from server", zap.Error(err))
				}
			}
			return
		}

		var ev protocol.Event
		if err := ev.DecodeJSON(data); err != nil {
			c.log.Warn("failed to decode event", zap.Error(err))
			continue
		}

		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

// dropConn marks the client disconnected once the server side went away. A
// failed Read has already closed conn.
func (c *Client) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
}
