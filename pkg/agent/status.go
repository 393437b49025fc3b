package agent

import (
	"maps"
	"time"
)

type Counters struct {
	Received   int64 `json:"received"`
	Sent       int64 `json:"sent"`
	Handled    int64 `json:"handled"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
	Heartbeats int64 `json:"heartbeats"`
}

// Status is a point-in-time snapshot of an agent, also used as its
// discovery descriptor.
type Status struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Kind          string            `json:"kind,omitempty"`
	State         State             `json:"state"`
	LastError     string            `json:"last_error,omitempty"`
	StartedAt     time.Time         `json:"started_at,omitzero"`
	StoppedAt     time.Time         `json:"stopped_at,omitzero"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Transports    []string          `json:"transports"`
	Counters      Counters          `json:"counters"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func (a *Agent) Status() Status {
	a.mu.RLock()
	status := Status{
		ID:        a.id,
		Name:      a.name,
		Kind:      a.kind,
		State:     a.state,
		StartedAt: a.startedAt,
		StoppedAt: a.stoppedAt,
		Metadata:  maps.Clone(a.metadata),
	}
	if a.lastErr != nil {
		status.LastError = a.lastErr.Error()
	}
	a.mu.RUnlock()

	if status.State == StateRunning && !status.StartedAt.IsZero() {
		status.UptimeSeconds = time.Since(status.StartedAt).Seconds()
	}
	status.Transports = a.transport.Names()
	status.Counters = a.Counters()
	return status
}

func (a *Agent) Counters() Counters {
	return Counters{
		Received:   a.received.Load(),
		Sent:       a.sent.Load(),
		Handled:    a.handled.Load(),
		Failed:     a.failed.Load(),
		Dropped:    a.dropped.Load(),
		Heartbeats: a.heartbeats.Load(),
	}
}
