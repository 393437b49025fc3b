package gateway

import (
	"context"
	"log/slog"

	"orion/pkg/agent"
	"orion/pkg/bus"
)

const eventBuffer = 64

func observeEvents(ctx context.Context, messageBus *bus.MessageBus, log *slog.Logger) {
	log = log.With("component", "gateway.events")
	events, unsubscribe := messageBus.SubscribeEvents(ctx, eventBuffer)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			logEvent(log, event)
		}
	}
}

func logEvent(log *slog.Logger, event bus.Event) {
	attrs := []any{
		"event_type", event.Type,
		"agent_id", event.AgentID,
		"timestamp", event.At.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
	}
	if event.MessageID != "" {
		attrs = append(attrs,
			"message_id", event.MessageID,
			"message_type", event.MessageType,
			"sender_id", event.SenderID,
			"correlation_id", event.CorrelationID,
		)
	}
	if len(event.Payload) > 0 {
		attrs = append(attrs, "payload", event.Payload)
	}

	switch event.Type {
	case bus.EventAgentState:
		attrs = append(attrs, "state", event.State)
		if event.State == string(agent.StateError) {
			log.Error("Agent failed", append(attrs, "error", event.Error)...)
			return
		}
		log.Info("Agent state changed", attrs...)
	case bus.EventMessageFailed:
		log.Warn("Message handler failed", append(attrs, "error", event.Error)...)
	case bus.EventMessageDropped:
		log.Info("Message dropped", attrs...)
	default:
		log.Debug("Message event", attrs...)
	}
}
