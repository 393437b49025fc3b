package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"orion/pkg/envelope"
)

const defaultBufferSize = 100

var (
	ErrClosed    = errors.New("message bus closed")
	ErrNoRoute   = errors.New("no route to target agent")
	ErrDuplicate = errors.New("mailbox already subscribed")
)

// MessageBus routes envelopes between in-process mailboxes keyed by agent id.
type MessageBus struct {
	mailboxes map[string]*mailbox

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

// mailbox is one subscriber queue. Senders hold mu for reading while they
// wait, so close can only run once every in-flight send has observed done.
type mailbox struct {
	ch     chan *envelope.Message
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

func newMailbox(buffer int) *mailbox {
	return &mailbox{
		ch:   make(chan *envelope.Message, buffer),
		done: make(chan struct{}),
	}
}

func (m *mailbox) close() {
	m.once.Do(func() {
		close(m.done)
		m.mu.Lock()
		m.closed = true
		close(m.ch)
		m.mu.Unlock()
	})
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"subscribers"`
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		mailboxes:        make(map[string]*mailbox),
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

// Subscribe opens the mailbox for agentID. The returned channel closes when
// unsubscribe is called or the bus shuts down.
func (mb *MessageBus) Subscribe(agentID string, buffer int) (<-chan *envelope.Message, func(), error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, nil, errors.New("agent id is required")
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()

	select {
	case <-mb.done:
		return nil, nil, ErrClosed
	default:
	}

	if _, exists := mb.mailboxes[agentID]; exists {
		return nil, nil, fmt.Errorf("%w: %s", ErrDuplicate, agentID)
	}

	box := newMailbox(buffer)
	mb.mailboxes[agentID] = box

	unsubscribe := func() {
		mb.mu.Lock()
		if current, ok := mb.mailboxes[agentID]; ok && current == box {
			delete(mb.mailboxes, agentID)
		}
		mb.mu.Unlock()
		box.close()
	}

	return box.ch, unsubscribe, nil
}

// Subscribed reports whether a mailbox is open for agentID.
func (mb *MessageBus) Subscribed(agentID string) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	_, ok := mb.mailboxes[strings.TrimSpace(agentID)]
	return ok
}

// Publish delivers msg to its target mailbox, or to every mailbox except the
// sender's when the message is a broadcast.
func (mb *MessageBus) Publish(ctx context.Context, msg *envelope.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-mb.done:
		return ErrClosed
	default:
	}

	mb.published.Add(1)

	if msg.IsBroadcast() {
		mb.broadcast(msg)
		return nil
	}

	return mb.deliver(ctx, msg)
}

func (mb *MessageBus) deliver(ctx context.Context, msg *envelope.Message) error {
	mb.mu.RLock()
	box, ok := mb.mailboxes[msg.TargetAgent]
	mb.mu.RUnlock()
	if !ok {
		mb.dropped.Add(1)
		return fmt.Errorf("%w: %s", ErrNoRoute, msg.TargetAgent)
	}

	box.mu.RLock()
	defer box.mu.RUnlock()
	if box.closed {
		mb.dropped.Add(1)
		return fmt.Errorf("%w: %s", ErrNoRoute, msg.TargetAgent)
	}

	select {
	case <-ctx.Done():
		mb.dropped.Add(1)
		return ctx.Err()
	case <-mb.done:
		mb.dropped.Add(1)
		return ErrClosed
	case <-box.done:
		mb.dropped.Add(1)
		return fmt.Errorf("%w: %s", ErrNoRoute, msg.TargetAgent)
	case box.ch <- msg:
		mb.delivered.Add(1)
		return nil
	}
}

func (mb *MessageBus) broadcast(msg *envelope.Message) {
	mb.mu.RLock()
	boxes := make([]*mailbox, 0, len(mb.mailboxes))
	for agentID, box := range mb.mailboxes {
		if agentID != msg.SenderID {
			boxes = append(boxes, box)
		}
	}
	mb.mu.RUnlock()

	for _, box := range boxes {
		if box.offer(msg.Clone()) {
			mb.delivered.Add(1)
		} else {
			// Drop instead of blocking the publisher on a full mailbox.
			mb.dropped.Add(1)
		}
	}
}

func (m *mailbox) offer(msg *envelope.Message) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}

	select {
	case m.ch <- msg:
		return true
	default:
		return false
	}
}

func (mb *MessageBus) Stats() Stats {
	mb.mu.RLock()
	subscribers := len(mb.mailboxes)
	mb.mu.RUnlock()

	return Stats{
		Published:   mb.published.Load(),
		Delivered:   mb.delivered.Load(),
		Dropped:     mb.dropped.Load(),
		Subscribers: subscribers,
	}
}

// Done is closed once the bus shuts down.
func (mb *MessageBus) Done() <-chan struct{} {
	return mb.done
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		boxes := make([]*mailbox, 0, len(mb.mailboxes))
		for id, box := range mb.mailboxes {
			boxes = append(boxes, box)
			delete(mb.mailboxes, id)
		}
		for id, ch := range mb.eventSubscribers {
			close(ch)
			delete(mb.eventSubscribers, id)
		}
		mb.mu.Unlock()

		for _, box := range boxes {
			box.close()
		}
	})
}
