package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"orion/pkg/envelope"
)

// fakeBroker is a single-topic in-memory log shared by fake clients.
type fakeBroker struct {
	mu      sync.Mutex
	records []*kafka.Message
	failure error
}

type fakeProducer struct{ broker *fakeBroker }

func (p *fakeProducer) Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	p.broker.mu.Lock()
	defer p.broker.mu.Unlock()

	if p.broker.failure != nil {
		msg.TopicPartition.Error = p.broker.failure
	} else {
		p.broker.records = append(p.broker.records, msg)
	}
	deliveryChan <- msg
	return nil
}

func (p *fakeProducer) Flush(int) int { return 0 }
func (p *fakeProducer) Close()        {}

type fakeConsumer struct {
	broker *fakeBroker
	offset int
	topics []string
}

func (c *fakeConsumer) SubscribeTopics(topics []string, _ kafka.RebalanceCb) error {
	c.topics = topics
	return nil
}

func (c *fakeConsumer) ReadMessage(timeout time.Duration) (*kafka.Message, error) {
	c.broker.mu.Lock()
	if c.offset < len(c.broker.records) {
		record := c.broker.records[c.offset]
		c.offset++
		c.broker.mu.Unlock()
		return record, nil
	}
	c.broker.mu.Unlock()

	time.Sleep(timeout)
	return nil, kafka.NewError(kafka.ErrTimedOut, "timed out", false)
}

func (c *fakeConsumer) Close() error { return nil }

func newTestAdapter(t *testing.T, broker *fakeBroker, agentID string) *Adapter {
	t.Helper()

	a, err := New(Config{
		BootstrapServers: "localhost:9092",
		Topic:            "orion.messages",
		AgentID:          agentID,
		PollTimeout:      10 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	a.newProducer = func(*kafka.ConfigMap) (producer, error) { return &fakeProducer{broker: broker}, nil }
	a.newConsumer = func(*kafka.ConfigMap) (consumer, error) { return &fakeConsumer{broker: broker}, nil }

	if err := a.Open(context.Background()); err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Topic: "t", AgentID: "a"}, nil); err == nil {
		t.Fatal("expected bootstrap servers error")
	}
	if _, err := New(Config{BootstrapServers: "b", AgentID: "a"}, nil); err == nil {
		t.Fatal("expected topic error")
	}
	if _, err := New(Config{BootstrapServers: "b", Topic: "t"}, nil); err == nil {
		t.Fatal("expected agent id error")
	}
}

func TestConsumerGroupPerAgent(t *testing.T) {
	a, err := New(Config{BootstrapServers: "b:9092", Topic: "t", AgentID: "worker"}, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	group, err := a.consumerConfig().Get("group.id", "")
	if err != nil {
		t.Fatalf("Get group.id error: %v", err)
	}
	if group != "orion.worker" {
		t.Fatalf("group.id = %v, want orion.worker", group)
	}
}

func TestSendSetsKeyAndHeaders(t *testing.T) {
	broker := &fakeBroker{}
	a := newTestAdapter(t, broker, "client")

	msg, _ := envelope.New(envelope.TypeTaskRequest, "client", "x",
		envelope.WithTarget("worker"), envelope.WithCorrelationID("c-1"))
	if err := a.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	if len(broker.records) != 1 {
		t.Fatalf("records = %d, want 1", len(broker.records))
	}
	record := broker.records[0]
	if string(record.Key) != "worker" {
		t.Fatalf("key = %q, want worker", record.Key)
	}

	headers := map[string]string{}
	for _, h := range record.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers[headerMessageType] != "task_request" || headers[headerCorrelationID] != "c-1" {
		t.Fatalf("headers = %v", headers)
	}
}

func TestSendReportsDeliveryFailure(t *testing.T) {
	broker := &fakeBroker{failure: errors.New("leader not available")}
	a := newTestAdapter(t, broker, "client")

	msg, _ := envelope.New(envelope.TypeHeartbeat, "client", nil)
	if err := a.Send(context.Background(), msg); err == nil {
		t.Fatal("expected delivery failure")
	}
}

func TestRunFiltersRecords(t *testing.T) {
	broker := &fakeBroker{}
	client := newTestAdapter(t, broker, "client")
	worker := newTestAdapter(t, broker, "worker")

	send := func(sender *Adapter, senderID string, target string) *envelope.Message {
		opts := []envelope.Option{}
		if target != "" {
			opts = append(opts, envelope.WithTarget(target))
		}
		msg, _ := envelope.New(envelope.TypeAgentCommunication, senderID, target, opts...)
		if err := sender.Send(context.Background(), msg); err != nil {
			t.Fatalf("Send error: %v", err)
		}
		return msg
	}

	send(client, "client", "other")
	want := []*envelope.Message{
		send(client, "client", "worker"),
		send(client, "client", ""),
	}
	send(worker, "worker", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *envelope.Message, 8)
	done := make(chan error, 1)
	go func() {
		done <- worker.Run(ctx, func(_ context.Context, msg *envelope.Message) error {
			received <- msg
			return nil
		})
	}()

	for _, expected := range want {
		select {
		case got := <-received:
			if got.ID != expected.ID {
				t.Fatalf("received %q, want %q", got.ID, expected.ID)
			}
		case <-time.After(time.Second):
			t.Fatal("worker did not receive expected record")
		}
	}

	select {
	case extra := <-received:
		t.Fatalf("unexpected record %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run error = %v, want nil", err)
	}
}

func TestSendRequiresOpen(t *testing.T) {
	a, _ := New(Config{BootstrapServers: "b", Topic: "t", AgentID: "a"}, nil)
	msg, _ := envelope.New(envelope.TypeHeartbeat, "a", nil)
	if err := a.Send(context.Background(), msg); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Send error = %v, want ErrNotOpen", err)
	}
}
