package gateway

import (
	"context"
	"errors"
	"fmt"

	"orion/pkg/envelope"
	"orion/pkg/transport"
	"orion/pkg/transport/memory"
)

// Bridge is a chat adapter that joins the mesh under its own id. Messages
// it reads from chats are published to the bus; envelopes addressed to its
// id are handed back to its Send.
type Bridge interface {
	transport.Adapter
	BridgeID() string
}

// ReplyTracker is implemented by bridges that can only deliver replies to
// conversations they are waiting on.
type ReplyTracker interface {
	Awaiting(correlationID string) bool
}

// forwardable reports whether msg belongs to a conversation the bridge can
// deliver. Broadcasts such as heartbeats and status reports never do.
func forwardable(bridge Bridge, msg *envelope.Message) bool {
	if msg.IsBroadcast() {
		return false
	}
	if tracker, ok := bridge.(ReplyTracker); ok {
		return tracker.Awaiting(msg.CorrelationID)
	}
	return true
}

func (s *Service) runBridge(ctx context.Context, bridge Bridge) error {
	name := bridge.Name()
	log := s.log.With("bridge", name, "bridge_id", bridge.BridgeID())

	mailbox, err := memory.New(s.bus, bridge.BridgeID(), s.cfg.Bus.MailboxSize, s.base)
	if err != nil {
		return fmt.Errorf("create %s mailbox: %w", name, err)
	}
	if err := mailbox.Open(ctx); err != nil {
		s.setBridgeState(name, bridgeState{Error: err.Error()})
		return fmt.Errorf("open %s mailbox: %w", name, err)
	}
	defer mailbox.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.setBridgeState(name, bridgeState{Running: true})
	log.Info("Bridge started")

	replies := make(chan error, 1)
	go func() {
		replies <- mailbox.Run(ctx, func(ctx context.Context, msg *envelope.Message) error {
			if !forwardable(bridge, msg) {
				log.Debug("Skipping envelope for bridge", "message_id", msg.ID, "message_type", msg.Type, "sender_id", msg.SenderID)
				return nil
			}
			return bridge.Send(ctx, msg)
		})
	}()

	err = bridge.Run(ctx, mailbox.Send)
	cancel()
	<-replies

	s.setBridgeState(name, bridgeState{Error: errorString(err)})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run %s bridge: %w", name, err)
	}
	log.Info("Bridge stopped")
	return nil
}
