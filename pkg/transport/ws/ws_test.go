package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"orion/pkg/bus"
	"orion/pkg/envelope"
)

func startRelay(t *testing.T) (*bus.MessageBus, string) {
	t.Helper()

	mb := bus.NewMessageBus()
	srv := httptest.NewServer(NewRelay(mb, nil))
	t.Cleanup(func() {
		mb.Close()
		srv.Close()
	})
	return mb, srv.URL
}

func waitSubscribed(t *testing.T, mb *bus.MessageBus, agentID string) {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	for !mb.Subscribed(agentID) {
		if time.Now().After(deadline) {
			t.Fatalf("relay never subscribed %q", agentID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRelayURL(t *testing.T) {
	got, err := relayURL("http://127.0.0.1:8080/v1/ws", "agent one")
	if err != nil {
		t.Fatalf("relayURL error: %v", err)
	}
	if got != "ws://127.0.0.1:8080/v1/ws?agent_id=agent+one" {
		t.Fatalf("relayURL = %q", got)
	}

	if _, err := relayURL("ftp://host/x", "a"); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}

func TestAdapterDeliversThroughRelay(t *testing.T) {
	mb, url := startRelay(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker, err := New(Config{URL: url, AgentID: "worker"}, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := worker.Open(ctx); err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer worker.Close()

	received := make(chan *envelope.Message, 1)
	go func() {
		_ = worker.Run(ctx, func(_ context.Context, msg *envelope.Message) error {
			received <- msg
			return nil
		})
	}()

	client, err := New(Config{URL: url, AgentID: "client"}, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := client.Open(ctx); err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer client.Close()

	waitSubscribed(t, mb, "worker")
	waitSubscribed(t, mb, "client")

	msg, err := envelope.New(envelope.TypeTaskRequest, "client", "job",
		envelope.WithTarget("worker"), envelope.WithCorrelationID("c-1"))
	if err != nil {
		t.Fatalf("envelope.New error: %v", err)
	}
	if err := client.Send(ctx, msg); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	select {
	case got := <-received:
		if got.ID != msg.ID || got.CorrelationID != "c-1" {
			t.Fatalf("received %+v, want id %q correlation c-1", got, msg.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not receive message through relay")
	}
}

func TestRelayReportsUnknownTarget(t *testing.T) {
	mb, url := startRelay(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := New(Config{URL: url, AgentID: "client"}, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := client.Open(ctx); err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer client.Close()

	received := make(chan *envelope.Message, 1)
	go func() {
		_ = client.Run(ctx, func(_ context.Context, msg *envelope.Message) error {
			received <- msg
			return nil
		})
	}()
	waitSubscribed(t, mb, "client")

	msg, _ := envelope.New(envelope.TypeTaskRequest, "client", "job",
		envelope.WithTarget("ghost"), envelope.WithCorrelationID("c-2"))
	if err := client.Send(ctx, msg); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	select {
	case got := <-received:
		if got.Type != envelope.TypeErrorReport || got.CorrelationID != "c-2" {
			t.Fatalf("received %+v, want error_report for c-2", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client did not receive error report")
	}
}

func TestRelayRejectsMissingAndDuplicateAgent(t *testing.T) {
	mb, url := startRelay(t)

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	_, unsubscribe, err := mb.Subscribe("taken", 1)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer unsubscribe()

	a, _ := New(Config{URL: url, AgentID: "taken"}, nil)
	err = a.Open(context.Background())
	if err == nil || !strings.Contains(err.Error(), "dial relay") {
		t.Fatalf("Open error = %v, want dial failure", err)
	}
}

func TestRelayEvictsSilentPeer(t *testing.T) {
	mb := bus.NewMessageBus()
	relay := NewRelay(mb, nil)
	relay.PongWait = 200 * time.Millisecond
	relay.PingPeriod = 50 * time.Millisecond
	srv := httptest.NewServer(relay)
	t.Cleanup(func() {
		mb.Close()
		srv.Close()
	})

	target, err := relayURL(srv.URL, "silent")
	if err != nil {
		t.Fatalf("relayURL error: %v", err)
	}
	// A peer that never reads cannot answer pings.
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.Close()
	waitSubscribed(t, mb, "silent")

	deadline := time.Now().Add(2 * time.Second)
	for mb.Subscribed("silent") {
		if time.Now().After(deadline) {
			t.Fatal("silent peer still holds its mailbox")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	again, _ := New(Config{URL: srv.URL, AgentID: "silent"}, nil)
	if err := again.Open(ctx); err != nil {
		t.Fatalf("reconnect Open error: %v", err)
	}
	defer again.Close()
	waitSubscribed(t, mb, "silent")
}

func TestSendWithoutConnection(t *testing.T) {
	a, err := New(Config{URL: "ws://127.0.0.1:1/v1/ws", AgentID: "a"}, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	msg, _ := envelope.New(envelope.TypeHeartbeat, "a", nil)
	if err := a.Send(context.Background(), msg); err != ErrNotConnected {
		t.Fatalf("Send error = %v, want ErrNotConnected", err)
	}
}
