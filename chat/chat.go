package chat

import (
	"context"
	"errors"

	"github.com/onnwee/xiuxian-bot/dispatch"
)

// ErrInvalidConfig is returned by transport constructors for missing credentials.
var ErrInvalidConfig = errors.New("chat: invalid config")

// Handler receives inbound events one at a time, in arrival order.
type Handler func(ctx context.Context, ev dispatch.Event)

// Transport is a chat network connection.
type Transport interface {
	// Start connects and delivers events to handle until ctx is done. It returns nil on a
	// clean shutdown.
	Start(ctx context.Context, handle Handler) error
	// Send transmits msg and returns the id of the sent message, or "" when the network
	// does not report one.
	Send(ctx context.Context, msg dispatch.Outgoing) (string, error)
}
