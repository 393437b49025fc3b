package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"orion/pkg/bus"
	"orion/pkg/envelope"
	"orion/pkg/logger"
)

// Handle registers fn for one message type, replacing any earlier handler.
func (a *Agent) Handle(msgType envelope.MessageType, fn HandlerFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if fn == nil {
		delete(a.handlers, msgType)
		return
	}
	a.handlers[msgType] = fn
}

// HandleDefault registers the handler used when no type-specific handler
// matches.
func (a *Agent) HandleDefault(fn HandlerFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fallback = fn
}

func (a *Agent) handlerFor(msgType envelope.MessageType) HandlerFunc {
	a.mu.RLock()
	fn, ok := a.handlers[msgType]
	fallback := a.fallback
	a.mu.RUnlock()

	if ok {
		return fn
	}
	if fallback != nil {
		return fallback
	}

	switch msgType {
	case envelope.TypeDiscovery:
		return a.handleDiscovery
	case envelope.TypeShutdown:
		return a.handleShutdown
	default:
		return nil
	}
}

// receive is the transport handler. Responses with a waiting Request go
// straight to the waiter; everything else queues for dispatch.
func (a *Agent) receive(ctx context.Context, inbox chan<- *envelope.Message, msg *envelope.Message) error {
	a.received.Add(1)

	if msg.IsResponse() && a.deliverResponse(msg) {
		return nil
	}

	select {
	case inbox <- msg:
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (a *Agent) dispatchLoop(ctx context.Context, inbox <-chan *envelope.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-inbox:
			a.dispatch(ctx, msg)
		}
	}
}

func (a *Agent) dispatch(ctx context.Context, msg *envelope.Message) {
	fn := a.handlerFor(msg.Type)
	if fn == nil {
		a.dropped.Add(1)
		a.log.Debug("No handler for message", logger.MessageArgs(msg)...)
		a.emit(a.messageEvent(bus.EventMessageDropped, msg, nil))
		return
	}

	started := time.Now()
	reply, err := a.invoke(ctx, fn, msg)
	if err != nil {
		a.failed.Add(1)
		a.log.With(logger.MessageArgs(msg)...).Error("Handler failed", "error", err)
		a.emit(a.messageEvent(bus.EventMessageFailed, msg, err))
		a.reportFailure(ctx, msg, err)
		return
	}

	a.handled.Add(1)
	a.log.With(logger.MessageArgs(msg)...).Debug("Message handled", "duration", time.Since(started))
	a.emit(a.messageEvent(bus.EventMessageDispatched, msg, nil))

	if reply == nil {
		return
	}
	if err := a.Send(ctx, reply); err != nil {
		a.log.Warn("Failed to send reply", "message_id", msg.ID, "correlation_id", reply.CorrelationID, "error", err)
	}
}

func (a *Agent) invoke(ctx context.Context, fn HandlerFunc, msg *envelope.Message) (reply *envelope.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.log.With(logger.MessageArgs(msg)...).Error("Handler panicked", "panic", r, "stack", string(debug.Stack()))
			reply = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, msg)
}

// reportFailure answers a failed message with an error_report carrying the
// original correlation id. Responses are never answered.
func (a *Agent) reportFailure(ctx context.Context, msg *envelope.Message, cause error) {
	if msg.IsResponse() {
		return
	}

	report, err := msg.Reply(a.id, envelope.TypeErrorReport, ErrorReport{
		Error:     cause.Error(),
		MessageID: msg.ID,
		AgentID:   a.id,
	})
	if err != nil {
		a.log.Warn("Failed to build error report", "message_id", msg.ID, "error", err)
		return
	}
	if err := a.Send(ctx, report); err != nil {
		a.log.Warn("Failed to send error report", "message_id", msg.ID, "error", err)
	}
}

func (a *Agent) messageEvent(eventType bus.EventType, msg *envelope.Message, err error) bus.Event {
	event := bus.Event{
		Type:          eventType,
		AgentID:       a.id,
		MessageID:     msg.ID,
		MessageType:   string(msg.Type),
		SenderID:      msg.SenderID,
		CorrelationID: msg.CorrelationID,
	}
	if err != nil {
		event.Error = err.Error()
	}
	return event
}

// ErrorReport is the payload of error_report envelopes sent by agents.
type ErrorReport struct {
	Error     string `json:"error"`
	MessageID string `json:"message_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
}

func (a *Agent) handleDiscovery(_ context.Context, msg *envelope.Message) (*envelope.Message, error) {
	return msg.Reply(a.id, envelope.TypeTaskResponse, a.Status())
}

func (a *Agent) handleShutdown(_ context.Context, msg *envelope.Message) (*envelope.Message, error) {
	a.log.Info("Shutdown requested", "sender_id", msg.SenderID)
	go func() {
		if err := a.Stop(a.stopTimeout); err != nil {
			a.log.Error("Shutdown failed", "error", err)
		}
	}()
	return nil, nil
}
