package logger

import "orion/pkg/envelope"

// Keys shared by every component so records can be joined across agents.
const (
	KeyComponent     = "component"
	KeyAgentID       = "agent_id"
	KeyMessageID     = "message_id"
	KeyMessageType   = "message_type"
	KeyCorrelationID = "correlation_id"
	KeySenderID      = "sender_id"
	KeyTargetAgent   = "target_agent"
)

// MessageArgs returns slog key-value pairs describing msg. Empty target and
// correlation ids are left out.
func MessageArgs(msg *envelope.Message) []any {
	if msg == nil {
		return nil
	}

	args := []any{
		KeyMessageID, msg.ID,
		KeyMessageType, string(msg.Type),
		KeySenderID, msg.SenderID,
	}
	if msg.TargetAgent != "" {
		args = append(args, KeyTargetAgent, msg.TargetAgent)
	}
	if msg.CorrelationID != "" {
		args = append(args, KeyCorrelationID, msg.CorrelationID)
	}
	return args
}
