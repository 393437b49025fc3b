package agent

import (
	"context"
	"time"

	"orion/pkg/envelope"
)

// Heartbeat is the payload of heartbeat envelopes.
type Heartbeat struct {
	AgentID       string   `json:"agent_id"`
	Name          string   `json:"name,omitempty"`
	Kind          string   `json:"kind,omitempty"`
	State         State    `json:"state"`
	UptimeSeconds float64  `json:"uptime_seconds"`
	Counters      Counters `json:"counters"`
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.beat(ctx); err != nil && ctx.Err() == nil {
				a.log.Warn("Heartbeat failed", "error", err)
			}
		}
	}
}

func (a *Agent) beat(ctx context.Context) error {
	status := a.Status()
	opts := []envelope.Option{envelope.WithPriority(envelope.PriorityLow)}
	if a.heartbeatTarget != "" {
		opts = append(opts, envelope.WithTarget(a.heartbeatTarget))
	}

	msg, err := envelope.New(envelope.TypeHeartbeat, a.id, Heartbeat{
		AgentID:       status.ID,
		Name:          status.Name,
		Kind:          status.Kind,
		State:         status.State,
		UptimeSeconds: status.UptimeSeconds,
		Counters:      status.Counters,
	}, opts...)
	if err != nil {
		return err
	}

	if err := a.Send(ctx, msg); err != nil {
		return err
	}
	a.heartbeats.Add(1)
	return nil
}
