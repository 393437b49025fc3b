package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/google/uuid"
)

// MessageType names the kind of envelope and selects the receiving handler.
type MessageType string

const (
	TypeAgentCommunication MessageType = "agent_communication"
	TypeSystemStatus       MessageType = "system_status"
	TypeTaskRequest        MessageType = "task_request"
	TypeTaskResponse       MessageType = "task_response"
	TypeErrorReport        MessageType = "error_report"
	TypeHeartbeat          MessageType = "heartbeat"
	TypeDiscovery          MessageType = "discovery"
	TypeShutdown           MessageType = "shutdown"
)

var messageTypes = []MessageType{
	TypeAgentCommunication,
	TypeSystemStatus,
	TypeTaskRequest,
	TypeTaskResponse,
	TypeErrorReport,
	TypeHeartbeat,
	TypeDiscovery,
	TypeShutdown,
}

// Types returns every known message type in declaration order.
func Types() []MessageType {
	out := make([]MessageType, len(messageTypes))
	copy(out, messageTypes)
	return out
}

func (t MessageType) Valid() bool {
	for _, known := range messageTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseMessageType normalizes and validates a message type name.
func ParseMessageType(value string) (MessageType, error) {
	t := MessageType(strings.ToLower(strings.TrimSpace(value)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: message_type %q", ErrInvalid, value)
	}
	return t, nil
}

var (
	ErrInvalid = errors.New("invalid message")
)

// Message is the envelope exchanged between agents.
type Message struct {
	ID            string          `json:"message_id,omitempty"`
	Type          MessageType     `json:"message_type"`
	Content       json.RawMessage `json:"content"`
	SenderID      string          `json:"sender_id"`
	TargetAgent   string          `json:"target_agent,omitempty"`
	Priority      Priority        `json:"priority"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     Timestamp       `json:"timestamp"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// Option customizes a message built by New.
type Option func(*Message)

func WithTarget(agentID string) Option {
	return func(m *Message) { m.TargetAgent = strings.TrimSpace(agentID) }
}

func WithPriority(p Priority) Option {
	return func(m *Message) { m.Priority = p }
}

func WithCorrelationID(id string) Option {
	return func(m *Message) { m.CorrelationID = strings.TrimSpace(id) }
}

func WithMetadata(key string, value any) Option {
	return func(m *Message) {
		if m.Metadata == nil {
			m.Metadata = make(map[string]any)
		}
		m.Metadata[key] = value
	}
}

// New builds a message with a fresh id, normal priority and the current time.
// Content is marshalled to JSON unless it already is a json.RawMessage.
func New(msgType MessageType, senderID string, content any, opts ...Option) (*Message, error) {
	raw, err := marshalContent(content)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:        newID(),
		Type:      msgType,
		Content:   raw,
		SenderID:  strings.TrimSpace(senderID),
		Priority:  PriorityNormal,
		Timestamp: Now(),
	}
	for _, opt := range opts {
		opt(msg)
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// Reply derives a response addressed to the original sender. The correlation
// id is copied verbatim, including when it is empty.
func (m *Message) Reply(senderID string, msgType MessageType, content any) (*Message, error) {
	return New(msgType, senderID, content,
		WithTarget(m.SenderID),
		WithPriority(m.Priority),
		func(reply *Message) { reply.CorrelationID = m.CorrelationID },
	)
}

func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrInvalid)
	}
	if !m.Type.Valid() {
		return fmt.Errorf("%w: message_type %q", ErrInvalid, m.Type)
	}
	if !m.Priority.Valid() {
		return fmt.Errorf("%w: priority %q", ErrInvalid, m.Priority)
	}
	if strings.TrimSpace(m.SenderID) == "" {
		return fmt.Errorf("%w: sender_id is required", ErrInvalid)
	}
	return nil
}

// DecodeContent unmarshals the opaque payload into v.
func (m *Message) DecodeContent(v any) error {
	if len(m.Content) == 0 {
		return fmt.Errorf("%w: empty content", ErrInvalid)
	}
	if err := json.Unmarshal(m.Content, v); err != nil {
		return fmt.Errorf("decode content: %w", err)
	}
	return nil
}

func (m *Message) IsBroadcast() bool {
	return m.TargetAgent == ""
}

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.Type == TypeTaskResponse || m.Type == TypeErrorReport
}

func (m *Message) Clone() *Message {
	clone := *m
	clone.Content = append(json.RawMessage(nil), m.Content...)
	clone.Metadata = maps.Clone(m.Metadata)
	return &clone
}

func (m *Message) String() string {
	return fmt.Sprintf(
		"Message{ID: %s, Type: %s, From: %s, To: %s, Correlation: %s}",
		m.ID,
		m.Type,
		m.SenderID,
		m.TargetAgent,
		m.CorrelationID,
	)
}

func marshalContent(content any) (json.RawMessage, error) {
	switch typed := content.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return append(json.RawMessage(nil), typed...), nil
	default:
		raw, err := json.Marshal(content)
		if err != nil {
			return nil, fmt.Errorf("marshal content: %w", err)
		}
		return raw, nil
	}
}

// NewID returns a time-ordered identifier usable for messages and correlations.
func NewID() string {
	return newID()
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}
