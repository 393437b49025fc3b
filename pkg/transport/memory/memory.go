package memory

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"orion/pkg/bus"
	"orion/pkg/envelope"
	"orion/pkg/transport"
)

const adapterName = "memory"

var ErrNotOpen = errors.New("memory adapter is not open")

// Adapter binds one agent id to a mailbox on the in-process bus.
type Adapter struct {
	bus     *bus.MessageBus
	agentID string
	buffer  int
	log     *slog.Logger

	mu          sync.Mutex
	inbox       <-chan *envelope.Message
	unsubscribe func()
}

func New(mb *bus.MessageBus, agentID string, buffer int, log *slog.Logger) (*Adapter, error) {
	if mb == nil {
		return nil, errors.New("message bus is required")
	}
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, errors.New("agent id is required")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		bus:     mb,
		agentID: agentID,
		buffer:  buffer,
		log:     log.With("component", "transport.memory", "agent_id", agentID),
	}, nil
}

func (a *Adapter) Name() string {
	return adapterName
}

// Open claims the agent's mailbox. Opening twice is a no-op.
func (a *Adapter) Open(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inbox != nil {
		return nil
	}

	inbox, unsubscribe, err := a.bus.Subscribe(a.agentID, a.buffer)
	if err != nil {
		return err
	}
	a.inbox = inbox
	a.unsubscribe = unsubscribe
	return nil
}

// Close releases the mailbox so the id can be claimed again.
func (a *Adapter) Close() error {
	a.mu.Lock()
	unsubscribe := a.unsubscribe
	a.inbox = nil
	a.unsubscribe = nil
	a.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	return nil
}

func (a *Adapter) Send(ctx context.Context, msg *envelope.Message) error {
	return a.bus.Publish(ctx, msg)
}

func (a *Adapter) Run(ctx context.Context, handler transport.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	a.mu.Lock()
	inbox := a.inbox
	a.mu.Unlock()
	if inbox == nil {
		return ErrNotOpen
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbox:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				select {
				case <-a.bus.Done():
					return bus.ErrClosed
				default:
					// Mailbox released through Close.
					return nil
				}
			}
			if err := handler(ctx, msg); err != nil {
				a.log.Warn("Handler failed", "message_id", msg.ID, "message_type", msg.Type, "error", err)
			}
		}
	}
}
