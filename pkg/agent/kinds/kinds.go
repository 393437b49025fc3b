// Package kinds holds the agent behaviors shipped with orion.
package kinds

import (
	"encoding/json"
	"strings"

	"orion/pkg/agent"
	"orion/pkg/config"
	"orion/pkg/envelope"
)

const (
	KindEcho      = "echo"
	KindMonitor   = "monitor"
	KindAssistant = "assistant"
)

// Builtin returns the factories of every bundled kind keyed by kind name.
func Builtin(providers config.ProvidersConfig) map[string]agent.Factory {
	return map[string]agent.Factory{
		KindEcho:      NewEcho,
		KindMonitor:   NewMonitor,
		KindAssistant: NewAssistantFactory(providers),
	}
}

// promptText pulls user text out of a payload: a JSON string, or the text
// or prompt field of an object.
func promptText(msg *envelope.Message) string {
	if len(msg.Content) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(msg.Content, &text); err == nil {
		return strings.TrimSpace(text)
	}

	var fields struct {
		Text   string `json:"text"`
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(msg.Content, &fields); err == nil {
		if fields.Text != "" {
			return strings.TrimSpace(fields.Text)
		}
		return strings.TrimSpace(fields.Prompt)
	}
	return ""
}
