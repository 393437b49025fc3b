package transport

import (
	"context"

	"orion/pkg/envelope"
)

// Handler processes one received envelope.
type Handler func(context.Context, *envelope.Message) error

// Adapter bridges one protocol (in-process bus, socket, HTTP poll, queue
// broker, chat) to the envelope model.
type Adapter interface {
	Name() string
	// Send transmits one envelope.
	Send(ctx context.Context, msg *envelope.Message) error
	// Run receives until ctx ends, handing every decoded envelope to handler.
	// It returns nil when stopped through ctx.
	Run(ctx context.Context, handler Handler) error
}

// Opener is implemented by adapters that must claim resources (a mailbox, a
// connection, a consumer) before the agent reports running.
type Opener interface {
	Open(ctx context.Context) error
	Close() error
}
