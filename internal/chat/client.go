package chat

import (
	"github.com/google/uuid"
	"github.com/omochice/toy-pair-chat/pkg/protocol"
)

// State is the position of a Client in the pairing lifecycle.
type State int

const (
	// StateNew is a client the hub has not seen yet.
	StateNew State = iota
	// StateWaiting is a client occupying (or having occupied) the waiting slot.
	StateWaiting
	// StatePaired is a client with a live partner.
	StatePaired
	// StateIdle is a client whose partner left. It is not matched again.
	StateIdle
	// StateClosed is a disconnected client.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateWaiting:
		return "waiting"
	case StatePaired:
		return "paired"
	case StateIdle:
		return "idle"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client represents a connected client with transport-agnostic connection.
//
// partner and state belong to the Hub goroutine; other goroutines read them
// through Hub queries.
type Client struct {
	ID       string
	Conn     Conn
	Outgoing chan protocol.Event

	partner string
	state   State
}

// NewClient wraps conn with a fresh public ID and an outgoing queue of the
// given capacity.
func NewClient(conn Conn, buffer int) *Client {
	if buffer <= 0 {
		buffer = 1
	}
	return &Client{
		ID:       uuid.NewString(),
		Conn:     conn,
		Outgoing: make(chan protocol.Event, buffer),
	}
}
