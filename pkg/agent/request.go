package agent

import (
	"context"
	"errors"
	"fmt"

	"orion/pkg/envelope"
)

var ErrDuplicateCorrelation = errors.New("correlation id already awaiting a response")

// Send stamps the agent id as sender and hands msg to the transport. Sends
// are accepted while running or stopping.
func (a *Agent) Send(ctx context.Context, msg *envelope.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if msg == nil {
		return errors.New("message is required")
	}

	switch state := a.State(); state {
	case StateRunning, StateStopping:
	default:
		return fmt.Errorf("%w: state %s", ErrNotRunning, state)
	}

	out := msg.Clone()
	out.SenderID = a.id
	if err := a.transport.Send(ctx, out); err != nil {
		return err
	}
	a.sent.Add(1)
	return nil
}

// Request sends msg and waits for the task_response or error_report that
// carries the same correlation id. A correlation id is assigned when msg has
// none. Without a deadline on ctx the agent's request timeout applies.
func (a *Agent) Request(ctx context.Context, msg *envelope.Message) (*envelope.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if msg == nil {
		return nil, errors.New("message is required")
	}
	if a.State() != StateRunning {
		return nil, ErrNotRunning
	}

	out := msg.Clone()
	if out.CorrelationID == "" {
		out.CorrelationID = envelope.NewID()
	}

	waiter, err := a.addWaiter(out.CorrelationID)
	if err != nil {
		return nil, err
	}
	defer a.removeWaiter(out.CorrelationID, waiter)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.requestTimeout)
		defer cancel()
	}

	if err := a.Send(ctx, out); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	select {
	case resp, ok := <-waiter:
		if !ok {
			return nil, ErrNotRunning
		}
		return resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("await response %s: %w", out.CorrelationID, ctx.Err())
	}
}

func (a *Agent) addWaiter(correlationID string) (chan *envelope.Message, error) {
	a.waitersMu.Lock()
	defer a.waitersMu.Unlock()

	if a.waiters == nil {
		return nil, ErrNotRunning
	}
	if _, exists := a.waiters[correlationID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCorrelation, correlationID)
	}
	ch := make(chan *envelope.Message, 1)
	a.waiters[correlationID] = ch
	return ch, nil
}

func (a *Agent) removeWaiter(correlationID string, ch chan *envelope.Message) {
	a.waitersMu.Lock()
	defer a.waitersMu.Unlock()

	if current, ok := a.waiters[correlationID]; ok && current == ch {
		delete(a.waiters, correlationID)
	}
}

// deliverResponse hands msg to the Request waiting on its correlation id.
func (a *Agent) deliverResponse(msg *envelope.Message) bool {
	if msg.CorrelationID == "" {
		return false
	}

	a.waitersMu.Lock()
	defer a.waitersMu.Unlock()

	ch, ok := a.waiters[msg.CorrelationID]
	if !ok {
		return false
	}
	delete(a.waiters, msg.CorrelationID)
	ch <- msg
	return true
}

// closeWaiters wakes every pending Request with ErrNotRunning.
func (a *Agent) closeWaiters() {
	a.waitersMu.Lock()
	defer a.waitersMu.Unlock()

	for id, ch := range a.waiters {
		close(ch)
		delete(a.waiters, id)
	}
	a.waiters = nil
}
