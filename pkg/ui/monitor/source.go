package monitor

import (
	"context"

	"orion/pkg/client"
	"orion/pkg/gateway"
	"orion/pkg/registry"
)

// Snapshot is one refresh of the dashboard.
type Snapshot struct {
	Stats  gateway.SystemStats
	Agents []registry.AgentInfo
}

// Source feeds the dashboard and carries out its agent actions.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
	StartAgent(ctx context.Context, id string) error
	StopAgent(ctx context.Context, id string) error
}

type clientSource struct {
	client *client.Client
}

// NewClientSource reads the dashboard from a gateway over HTTP.
func NewClientSource(c *client.Client) Source {
	return &clientSource{client: c}
}

func (s *clientSource) Snapshot(ctx context.Context) (Snapshot, error) {
	stats, err := s.client.Stats(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	agents, err := s.client.ListAgents(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Stats: stats, Agents: agents}, nil
}

func (s *clientSource) StartAgent(ctx context.Context, id string) error {
	_, err := s.client.StartAgent(ctx, id)
	return err
}

func (s *clientSource) StopAgent(ctx context.Context, id string) error {
	_, err := s.client.StopAgent(ctx, id)
	return err
}
