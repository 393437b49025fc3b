package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"orion/pkg/bus"
	"orion/pkg/envelope"
)

func TestAdapterRoundTrip(t *testing.T) {
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)

	worker, err := New(mb, "worker", 4, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	client, err := New(mb, "client", 4, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := worker.Open(context.Background()); err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer worker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *envelope.Message, 1)
	runErr := make(chan error, 1)
	go func() {
		runErr <- worker.Run(ctx, func(_ context.Context, msg *envelope.Message) error {
			received <- msg
			return nil
		})
	}()

	msg, err := envelope.New(envelope.TypeTaskRequest, "client", "job", envelope.WithTarget("worker"))
	if err != nil {
		t.Fatalf("envelope.New error: %v", err)
	}
	if err := client.Send(ctx, msg); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	select {
	case got := <-received:
		if got.ID != msg.ID {
			t.Fatalf("message id = %q, want %q", got.ID, msg.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("worker did not receive message")
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Fatalf("Run error = %v, want nil", err)
	}
}

func TestRunRequiresOpen(t *testing.T) {
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)

	a, _ := New(mb, "worker", 1, nil)
	err := a.Run(context.Background(), func(context.Context, *envelope.Message) error { return nil })
	if !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Run error = %v, want ErrNotOpen", err)
	}
}

func TestCloseReleasesMailbox(t *testing.T) {
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)

	a, _ := New(mb, "worker", 1, nil)
	if err := a.Open(context.Background()); err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if !mb.Subscribed("worker") {
		t.Fatal("expected mailbox after Open")
	}
	_ = a.Close()
	if mb.Subscribed("worker") {
		t.Fatal("expected mailbox to be released after Close")
	}
}

func TestRunReportsBusShutdown(t *testing.T) {
	mb := bus.NewMessageBus()

	a, _ := New(mb, "worker", 1, nil)
	if err := a.Open(context.Background()); err != nil {
		t.Fatalf("Open error: %v", err)
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- a.Run(context.Background(), func(context.Context, *envelope.Message) error { return nil })
	}()

	mb.Close()
	select {
	case err := <-runErr:
		if !errors.Is(err, bus.ErrClosed) {
			t.Fatalf("Run error = %v, want bus.ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after bus close")
	}
}
