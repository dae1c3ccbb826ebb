// Package chat provides the pairing and relay logic shared by all transports.
package chat

import (
	"context"

	"github.com/omochice/toy-pair-chat/pkg/protocol"
)

// Conn abstracts a bidirectional event connection for both TCP and WebSocket.
// This interface isolates transport details from pairing logic.
type Conn interface {
	// Read reads the next event sent by the client.
	// Returns io.EOF when the connection is closed. Errors wrapping
	// protocol.ErrInvalidEvent leave the connection usable.
	Read(ctx context.Context) (protocol.Event, error)

	// Write sends a single event to the client.
	Write(ctx context.Context, ev protocol.Event) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
