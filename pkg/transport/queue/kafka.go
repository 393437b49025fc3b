package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"orion/pkg/envelope"
	"orion/pkg/transport"
)

const (
	adapterName = "kafka"

	headerMessageID     = "message_id"
	headerMessageType   = "message_type"
	headerCorrelationID = "correlation_id"
	headerSenderID      = "sender_id"

	defaultGroupPrefix = "orion"
	defaultPollTimeout = 500 * time.Millisecond
	flushTimeoutMs     = 5000
)

var ErrNotOpen = errors.New("kafka adapter is not open")

// Config describes the broker connection shared by every agent.
type Config struct {
	BootstrapServers string
	Topic            string
	AgentID          string
	GroupPrefix      string
	PollTimeout      time.Duration
}

type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

type consumer interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	Close() error
}

// Adapter publishes envelopes to one topic and consumes them with a consumer
// group per agent, so every agent sees every record once.
type Adapter struct {
	cfg Config
	log *slog.Logger

	newProducer func(*kafka.ConfigMap) (producer, error)
	newConsumer func(*kafka.ConfigMap) (consumer, error)

	mu       sync.Mutex
	producer producer
	consumer consumer
}

func New(cfg Config, log *slog.Logger) (*Adapter, error) {
	cfg.BootstrapServers = strings.TrimSpace(cfg.BootstrapServers)
	cfg.Topic = strings.TrimSpace(cfg.Topic)
	cfg.AgentID = strings.TrimSpace(cfg.AgentID)

	if cfg.BootstrapServers == "" {
		return nil, errors.New("kafka bootstrap servers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	if cfg.AgentID == "" {
		return nil, errors.New("agent id is required")
	}
	if cfg.GroupPrefix == "" {
		cfg.GroupPrefix = defaultGroupPrefix
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg: cfg,
		log: log.With("component", "transport.kafka", "agent_id", cfg.AgentID),
		newProducer: func(cm *kafka.ConfigMap) (producer, error) {
			return kafka.NewProducer(cm)
		},
		newConsumer: func(cm *kafka.ConfigMap) (consumer, error) {
			return kafka.NewConsumer(cm)
		},
	}, nil
}

func (a *Adapter) Name() string {
	return adapterName
}

func (a *Adapter) producerConfig() *kafka.ConfigMap {
	return &kafka.ConfigMap{
		"bootstrap.servers": a.cfg.BootstrapServers,
		"client.id":         a.cfg.AgentID,
		"acks":              "1",
	}
}

func (a *Adapter) consumerConfig() *kafka.ConfigMap {
	return &kafka.ConfigMap{
		"bootstrap.servers":  a.cfg.BootstrapServers,
		"client.id":          a.cfg.AgentID,
		"group.id":           a.cfg.GroupPrefix + "." + a.cfg.AgentID,
		"auto.offset.reset":  "latest",
		"enable.auto.commit": true,
	}
}

// Open creates the producer and subscribes the agent's consumer group.
func (a *Adapter) Open(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.producer != nil {
		return nil
	}

	p, err := a.newProducer(a.producerConfig())
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}

	c, err := a.newConsumer(a.consumerConfig())
	if err != nil {
		p.Close()
		return fmt.Errorf("create consumer: %w", err)
	}

	if err := c.SubscribeTopics([]string{a.cfg.Topic}, nil); err != nil {
		_ = c.Close()
		p.Close()
		return fmt.Errorf("subscribe topic %s: %w", a.cfg.Topic, err)
	}

	a.producer = p
	a.consumer = c
	a.log.Info("Kafka adapter opened", "topic", a.cfg.Topic)
	return nil
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	p := a.producer
	c := a.consumer
	a.producer = nil
	a.consumer = nil
	a.mu.Unlock()

	if p != nil {
		p.Flush(flushTimeoutMs)
		p.Close()
	}
	if c != nil {
		return c.Close()
	}
	return nil
}

// Send produces the envelope and waits for the delivery report.
func (a *Adapter) Send(ctx context.Context, msg *envelope.Message) error {
	data, err := envelope.Encode(msg)
	if err != nil {
		return err
	}

	a.mu.Lock()
	p := a.producer
	a.mu.Unlock()
	if p == nil {
		return ErrNotOpen
	}

	topic := a.cfg.Topic
	record := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Value:          data,
		Headers:        headersFor(msg),
	}
	if msg.TargetAgent != "" {
		record.Key = []byte(msg.TargetAgent)
	}

	deliveryChan := make(chan kafka.Event, 1)
	if err := p.Produce(record, deliveryChan); err != nil {
		return fmt.Errorf("produce message: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case event := <-deliveryChan:
		return deliveryError(event)
	}
}

func headersFor(msg *envelope.Message) []kafka.Header {
	headers := []kafka.Header{
		{Key: headerMessageID, Value: []byte(msg.ID)},
		{Key: headerMessageType, Value: []byte(msg.Type)},
		{Key: headerSenderID, Value: []byte(msg.SenderID)},
	}
	if msg.CorrelationID != "" {
		headers = append(headers, kafka.Header{Key: headerCorrelationID, Value: []byte(msg.CorrelationID)})
	}
	return headers
}

func deliveryError(event kafka.Event) error {
	switch ev := event.(type) {
	case *kafka.Message:
		if ev.TopicPartition.Error != nil {
			return fmt.Errorf("deliver message: %w", ev.TopicPartition.Error)
		}
		return nil
	case kafka.Error:
		return fmt.Errorf("deliver message: %w", ev)
	default:
		return fmt.Errorf("unexpected delivery event %v", event)
	}
}

// Run consumes the topic until ctx ends. Records not addressed to this
// agent, and the agent's own records, are skipped.
func (a *Adapter) Run(ctx context.Context, handler transport.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	a.mu.Lock()
	c := a.consumer
	a.mu.Unlock()
	if c == nil {
		return ErrNotOpen
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		record, err := c.ReadMessage(a.cfg.PollTimeout)
		if err != nil {
			var kafkaErr kafka.Error
			if errors.As(err, &kafkaErr) {
				if kafkaErr.Code() == kafka.ErrTimedOut {
					continue
				}
				if kafkaErr.IsFatal() {
					return fmt.Errorf("consume: %w", err)
				}
			}
			if ctx.Err() != nil {
				return nil
			}
			a.log.Warn("Consume failed", "error", err)
			continue
		}

		if !a.accepts(record) {
			continue
		}

		msg, err := envelope.Decode(record.Value)
		if err != nil {
			a.log.Warn("Discarding undecodable record", "error", err)
			continue
		}
		if msg.SenderID == a.cfg.AgentID || !(msg.IsBroadcast() || msg.TargetAgent == a.cfg.AgentID) {
			continue
		}

		if err := handler(ctx, msg); err != nil {
			a.log.Warn("Handler failed", "message_id", msg.ID, "message_type", msg.Type, "error", err)
		}
	}
}

// accepts filters on key and sender header before the payload is decoded.
func (a *Adapter) accepts(record *kafka.Message) bool {
	if len(record.Key) > 0 && string(record.Key) != a.cfg.AgentID {
		return false
	}
	for _, header := range record.Headers {
		if header.Key == headerSenderID && string(header.Value) == a.cfg.AgentID {
			return false
		}
	}
	return true
}
