package kinds

import (
	"context"
	"encoding/json"

	"orion/pkg/agent"
	"orion/pkg/envelope"
)

type echoSettings struct {
	Prefix string `json:"prefix"`
}

// Echo answers task requests and agent communication with their own payload.
type Echo struct {
	prefix string
	agent  *agent.Agent
}

func NewEcho(settings map[string]any) (agent.Behavior, error) {
	var cfg echoSettings
	if err := agent.DecodeSettings(settings, &cfg); err != nil {
		return nil, err
	}
	return &Echo{prefix: cfg.Prefix}, nil
}

func (e *Echo) Init(_ context.Context, a *agent.Agent) error {
	e.agent = a
	a.Handle(envelope.TypeTaskRequest, e.echo)
	a.Handle(envelope.TypeAgentCommunication, e.echo)
	return nil
}

func (e *Echo) Close(context.Context) error {
	return nil
}

func (e *Echo) echo(_ context.Context, msg *envelope.Message) (*envelope.Message, error) {
	var content any = msg.Content
	if e.prefix != "" {
		var text string
		if err := json.Unmarshal(msg.Content, &text); err == nil {
			content = e.prefix + text
		}
	}
	return msg.Reply(e.agent.ID(), envelope.TypeTaskResponse, content)
}
