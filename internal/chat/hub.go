package chat

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/omochice/toy-pair-chat/internal/logger"
	"github.com/omochice/toy-pair-chat/pkg/protocol"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrHubClosed is returned by Hub methods called after Close.
var ErrHubClosed = errors.New("hub closed")

// Stats is a point-in-time view of the hub.
type Stats struct {
	Clients int `json:"clients"`
	Waiting int `json:"waiting"`
	Pairs   int `json:"pairs"`
}

// Hub pairs clients and relays events between partners.
//
// Every lifecycle event runs on a single goroutine that owns the Registry and
// all partner links. Exported methods hand their work to that goroutine and
// return once it has been processed, so callers observe events one at a time
// in the order they were submitted.
type Hub struct {
	registry *Registry
	log      *zap.Logger

	requests chan request
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

type request struct {
	fn   func()
	done chan struct{}
}

// NewHub creates a Hub and starts its dispatch goroutine.
func NewHub(log *zap.Logger) *Hub {
	h := &Hub{
		registry: NewRegistry(),
		log:      logger.OrNop(log).Named("hub"),
		requests: make(chan request),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go h.run()
	return h
}

// Close stops the dispatch goroutine. Clients are not notified.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.quit) })
	<-h.stopped
}

func (h *Hub) run() {
	defer close(h.stopped)
	for {
		select {
		case req := <-h.requests:
			req.fn()
			close(req.done)
		case <-h.quit:
			return
		}
	}
}

func (h *Hub) do(fn func()) error {
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case h.requests <- req:
	case <-h.quit:
		return ErrHubClosed
	}
	<-req.done
	return nil
}

// Connect pairs c with the waiting client, or makes c the waiting client
// when there is none.
func (h *Hub) Connect(c *Client) error {
	return h.do(func() { h.connect(c) })
}

// Dispatch relays an event from c to its partner. Events from clients
// without a partner are dropped.
func (h *Hub) Dispatch(c *Client, ev protocol.Event) error {
	return h.do(func() { h.dispatch(c, ev) })
}

// Disconnect removes c, notifying its partner if it has one. Calling it again
// for the same client has no effect.
func (h *Hub) Disconnect(c *Client) error {
	return h.do(func() { h.disconnect(c) })
}

// HandleClient runs the lifecycle of c: connect, relay every event read from
// c.Conn, and disconnect once reading fails or ctx is done.
func (h *Hub) HandleClient(ctx context.Context, c *Client) {
	log := h.log.With(zap.String("client", c.ID), zap.String("remote", c.Conn.RemoteAddr()))

	if err := h.Connect(c); err != nil {
		log.Warn("failed to connect client", zap.Error(err))
		return
	}
	defer func() {
		if err := h.Disconnect(c); err != nil {
			log.Warn("failed to disconnect client", zap.Error(err))
			return
		}
		log.Info("client disconnected")
	}()

	for {
		ev, err := c.Conn.Read(ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidEvent) {
				log.Debug("dropping malformed frame", zap.Error(err))
				continue
			}
			if !isClosed(err) && ctx.Err() == nil {
				log.Warn("read failed", zap.Error(err))
			}
			return
		}
		if err := h.Dispatch(c, ev); err != nil {
			return
		}
	}
}

// ClientCount returns number of connected clients.
func (h *Hub) ClientCount() int {
	var n int
	if err := h.do(func() { n = h.registry.Len() }); err != nil {
		return 0
	}
	return n
}

// Waiting returns the ID of the client occupying the waiting slot.
func (h *Hub) Waiting() (string, bool) {
	var id string
	var ok bool
	_ = h.do(func() {
		if c, found := h.registry.Waiting(); found {
			id, ok = c.ID, true
		}
	})
	return id, ok
}

// Partner returns the partner ID of the client with the given ID.
func (h *Hub) Partner(id string) (string, bool) {
	var partner string
	_ = h.do(func() {
		if c, ok := h.registry.Lookup(id); ok {
			partner = c.partner
		}
	})
	return partner, partner != ""
}

// State returns the lifecycle state of the client with the given ID.
// Unknown IDs report StateClosed.
func (h *Hub) State(id string) State {
	state := StateClosed
	_ = h.do(func() {
		if c, ok := h.registry.Lookup(id); ok {
			state = c.state
		}
	})
	return state
}

// Stats returns client, waiting and pair counts.
func (h *Hub) Stats() Stats {
	var s Stats
	_ = h.do(func() {
		s.Clients = h.registry.Len()
		if _, ok := h.registry.Waiting(); ok {
			s.Waiting = 1
		}
		paired := 0
		h.registry.Each(func(c *Client) {
			if c.state == StatePaired {
				paired++
			}
		})
		s.Pairs = paired / 2
	})
	return s
}

func (h *Hub) connect(c *Client) {
	if c.state != StateNew {
		h.log.Debug("client already connected", zap.String("client", c.ID), zap.Stringer("state", c.state))
		return
	}
	h.registry.Add(c)

	p, ok := h.registry.TryTakeWaiting()
	if !ok {
		h.registry.SetWaiting(c)
		c.state = StateWaiting
		h.send(c, protocol.Event{Type: protocol.EventWaiting})
		h.log.Info("client waiting", zap.String("client", c.ID))
		return
	}

	c.partner, p.partner = p.ID, c.ID
	c.state, p.state = StatePaired, StatePaired
	h.send(p, protocol.Event{Type: protocol.EventPartnerConnected, PartnerID: c.ID})
	h.send(c, protocol.Event{Type: protocol.EventPartnerConnected, PartnerID: p.ID})
	h.log.Info("clients paired", zap.String("client", c.ID), zap.String("partner", p.ID))
}

func (h *Hub) dispatch(c *Client, ev protocol.Event) {
	if !ev.Type.FromClient() {
		h.log.Debug("ignoring server event from client", zap.String("client", c.ID), zap.Stringer("event", ev.Type))
		return
	}
	p, ok := h.partnerOf(c)
	if !ok {
		h.log.Debug("no partner, dropping event", zap.String("client", c.ID), zap.Stringer("event", ev.Type))
		return
	}

	out := protocol.Event{Type: ev.Type}
	if ev.Type == protocol.EventSendMsg {
		out = protocol.Event{Type: protocol.EventReceiveMsg, Message: ev.Message}
	}
	h.send(p, out)
}

func (h *Hub) disconnect(c *Client) {
	if c.state == StateClosed {
		return
	}
	h.registry.ClearWaitingIfSelf(c)

	if p, ok := h.partnerOf(c); ok {
		h.send(p, protocol.Event{Type: protocol.EventPartnerLeft})
		p.partner = ""
		p.state = StateIdle
		h.log.Info("partner left", zap.String("client", p.ID), zap.String("partner", c.ID))
	}

	c.partner = ""
	c.state = StateClosed
	if cur, ok := h.registry.Lookup(c.ID); ok && cur == c {
		h.registry.Remove(c.ID)
	}
}

// partnerOf resolves the partner of a paired client, checking the link
// points back at c.
func (h *Hub) partnerOf(c *Client) (*Client, bool) {
	if c.state != StatePaired {
		return nil, false
	}
	p, ok := h.registry.Lookup(c.partner)
	if !ok || p.partner != c.ID {
		return nil, false
	}
	return p, true
}

// send queues ev for c without blocking the hub.
func (h *Hub) send(c *Client, ev protocol.Event) {
	select {
	case c.Outgoing <- ev:
	default:
		h.log.Warn("client queue full, dropping event", zap.String("client", c.ID), zap.Stringer("event", ev.Type))
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
