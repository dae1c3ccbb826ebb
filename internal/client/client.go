// Package client defines the common interface for pair chat clients.
package client

import (
	"strings"

	"github.com/omochice/toy-pair-chat/internal/client/tcp"
	"github.com/omochice/toy-pair-chat/internal/client/ws"
	"github.com/omochice/toy-pair-chat/pkg/protocol"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Client defines the interface for chat clients.
// Both TCP and WebSocket implementations satisfy this interface.
type Client interface {
	Connect() error
	Disconnect()
	IsConnected() bool
	SendMessage(text string) error
	Typing() error
	StopTyping() error
	// Events delivers server events. It is closed when the connection ends.
	Events() <-chan protocol.Event
}

var (
	_ Client = (*tcp.Client)(nil)
	_ Client = (*ws.Client)(nil)
)

// New creates a client for the given transport, "ws" or "tcp". For "ws" a
// bare host:port address is completed to ws://host:port/ws.
func New(address, transport string, log *zap.Logger) (Client, error) {
	switch transport {
	case "ws", "websocket":
		return ws.New(WebSocketURL(address), log), nil
	case "tcp":
		return tcp.New(address, log), nil
	default:
		return nil, errors.Errorf("unknown transport %q", transport)
	}
}

// WebSocketURL turns host:port into the server's WebSocket URL. Addresses
// that already carry a scheme are returned as is.
func WebSocketURL(address string) string {
	if strings.Contains(address, "://") {
		return address
	}
	if strings.HasPrefix(address, ":") {
		address = "localhost" + address
	}
	return "ws://" + address + "/ws"
}
