package httppoll

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"orion/pkg/bus"
	"orion/pkg/envelope"
)

func startRelay(t *testing.T) (*bus.MessageBus, *Relay, string) {
	t.Helper()

	mb := bus.NewMessageBus()
	relay := NewRelay(mb, nil)
	relay.MaxWait = 2 * time.Second

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", relay.Publish)
	mux.HandleFunc("GET /v1/agents/{id}/messages", relay.Poll)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		relay.Close()
		mb.Close()
	})
	return mb, relay, srv.URL
}

func TestAdapterRoundTrip(t *testing.T) {
	_, relay, url := startRelay(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker, err := New(Config{BaseURL: url, AgentID: "worker", PollWait: time.Second}, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := worker.Open(ctx); err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if relay.Peers() != 1 {
		t.Fatalf("peers = %d, want 1", relay.Peers())
	}

	received := make(chan *envelope.Message, 1)
	go func() {
		_ = worker.Run(ctx, func(_ context.Context, msg *envelope.Message) error {
			received <- msg
			return nil
		})
	}()

	sender, err := New(Config{BaseURL: url, AgentID: "client"}, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := sender.Open(ctx); err != nil {
		t.Fatalf("Open error: %v", err)
	}
	msg, _ := envelope.New(envelope.TypeTaskRequest, "client", map[string]string{"job": "x"},
		envelope.WithTarget("worker"), envelope.WithCorrelationID("c-7"))
	if err := sender.Send(ctx, msg); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	select {
	case got := <-received:
		if got.ID != msg.ID || got.CorrelationID != "c-7" {
			t.Fatalf("received %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not receive message")
	}
}

func TestSendToUnknownTargetReturnsNotFound(t *testing.T) {
	_, _, url := startRelay(t)

	sender, _ := New(Config{BaseURL: url, AgentID: "client"}, nil)
	if err := sender.Open(context.Background()); err != nil {
		t.Fatalf("Open error: %v", err)
	}
	msg, _ := envelope.New(envelope.TypeTaskRequest, "client", "x", envelope.WithTarget("ghost"))

	err := sender.Send(context.Background(), msg)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Fatalf("Send error = %v, want 404 StatusError", err)
	}
}

func TestPublishRejectsUnclaimedSender(t *testing.T) {
	mb, relay, url := startRelay(t)

	inbox, unsubscribe, err := mb.Subscribe("worker", 1)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer unsubscribe()

	// "worker" is a local agent; a poller that never claimed it must not
	// publish in its name.
	impostor, _ := New(Config{BaseURL: url, AgentID: "worker"}, nil)
	msg, _ := envelope.New(envelope.TypeAgentCommunication, "worker", "hi", envelope.WithTarget("worker"))

	err = impostor.Send(context.Background(), msg)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusForbidden {
		t.Fatalf("Send error = %v, want 403 StatusError", err)
	}
	if relay.Claimed("worker") {
		t.Fatal("publish must not claim a mailbox")
	}

	select {
	case got := <-inbox:
		t.Fatalf("forged message delivered: %v", got)
	default:
	}
}

func TestPollConflictsWithLocalMailbox(t *testing.T) {
	mb, _, url := startRelay(t)

	_, unsubscribe, err := mb.Subscribe("local", 1)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer unsubscribe()

	a, _ := New(Config{BaseURL: url, AgentID: "local"}, nil)
	err = a.Open(context.Background())
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusConflict {
		t.Fatalf("Open error = %v, want 409 StatusError", err)
	}
}

func TestPollReturnsNoContentOnTimeout(t *testing.T) {
	_, _, url := startRelay(t)

	resp, err := http.Get(url + "/v1/agents/idle/messages?wait=50ms")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	resp, err = http.Get(url + "/v1/agents/idle/messages?wait=soon")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSweepReleasesIdleMailboxes(t *testing.T) {
	mb, relay, url := startRelay(t)
	relay.IdleTimeout = time.Minute

	a, _ := New(Config{BaseURL: url, AgentID: "transient"}, nil)
	if err := a.Open(context.Background()); err != nil {
		t.Fatalf("Open error: %v", err)
	}

	if got := relay.Sweep(time.Now()); got != 0 {
		t.Fatalf("Sweep released %d fresh mailboxes", got)
	}
	if got := relay.Sweep(time.Now().Add(2 * time.Minute)); got != 1 {
		t.Fatalf("Sweep released %d, want 1", got)
	}
	if mb.Subscribed("transient") {
		t.Fatal("expected mailbox to be released")
	}
}
