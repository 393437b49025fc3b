package bus

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventAgentState        EventType = "agent_state"
	EventMessageDispatched EventType = "message_dispatched"
	EventMessageFailed     EventType = "message_failed"
	EventMessageDropped    EventType = "message_dropped"
)

// Event reports an agent lifecycle change or a dispatch outcome.
type Event struct {
	Type          EventType         `json:"type"`
	At            time.Time         `json:"at"`
	AgentID       string            `json:"agent_id,omitempty"`
	State         string            `json:"state,omitempty"`
	MessageID     string            `json:"message_id,omitempty"`
	MessageType   string            `json:"message_type,omitempty"`
	SenderID      string            `json:"sender_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Payload       map[string]string `json:"payload,omitempty"`
	Error         string            `json:"error,omitempty"`
}

func (mb *MessageBus) PublishEvent(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	// Sends stay under the read lock so unsubscribe cannot close a channel
	// mid-send; they never block.
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	for _, ch := range mb.eventSubscribers {
		select {
		case ch <- event:
		default:
			// Drop instead of blocking the publisher on slow subscribers.
		}
	}

	return true
}

func (mb *MessageBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	mb.mu.Lock()
	select {
	case <-mb.done:
		mb.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := mb.nextEventSubscriberID
	mb.nextEventSubscriberID++
	mb.eventSubscribers[id] = ch
	mb.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			mb.mu.Lock()
			if eventCh, ok := mb.eventSubscribers[id]; ok {
				delete(mb.eventSubscribers, id)
				close(eventCh)
			}
			mb.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-mb.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}
