package kinds

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"orion/pkg/agent"
	"orion/pkg/envelope"
)

const defaultStaleAfter = 90 * time.Second

type monitorSettings struct {
	StaleAfterSeconds int `json:"stale_after_seconds"`
}

// Peer is what the monitor knows about one agent from its heartbeats.
type Peer struct {
	AgentID       string         `json:"agent_id"`
	Name          string         `json:"name,omitempty"`
	Kind          string         `json:"kind,omitempty"`
	State         agent.State    `json:"state"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Counters      agent.Counters `json:"counters"`
	Heartbeats    int64          `json:"heartbeats"`
	LastSeen      time.Time      `json:"last_seen"`
	Stale         bool           `json:"stale"`
}

// Report is the monitor's answer to a task request.
type Report struct {
	GeneratedAt  time.Time       `json:"generated_at"`
	Peers        []Peer          `json:"peers"`
	SystemStatus json.RawMessage `json:"system_status,omitempty"`
	StatusAt     time.Time       `json:"status_at,omitzero"`
}

// Monitor records heartbeats and system status broadcasts and reports the
// resulting peer table on request.
type Monitor struct {
	staleAfter time.Duration
	now        func() time.Time
	agent      *agent.Agent

	mu       sync.Mutex
	peers    map[string]*Peer
	status   json.RawMessage
	statusAt time.Time
}

func NewMonitor(settings map[string]any) (agent.Behavior, error) {
	var cfg monitorSettings
	if err := agent.DecodeSettings(settings, &cfg); err != nil {
		return nil, err
	}

	staleAfter := time.Duration(cfg.StaleAfterSeconds) * time.Second
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &Monitor{
		staleAfter: staleAfter,
		now:        time.Now,
		peers:      make(map[string]*Peer),
	}, nil
}

func (m *Monitor) Init(_ context.Context, a *agent.Agent) error {
	m.agent = a
	a.Handle(envelope.TypeHeartbeat, m.recordHeartbeat)
	a.Handle(envelope.TypeSystemStatus, m.recordStatus)
	a.Handle(envelope.TypeTaskRequest, m.report)
	return nil
}

func (m *Monitor) Close(context.Context) error {
	return nil
}

func (m *Monitor) recordHeartbeat(_ context.Context, msg *envelope.Message) (*envelope.Message, error) {
	var beat agent.Heartbeat
	if err := msg.DecodeContent(&beat); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(beat.AgentID)
	if id == "" {
		id = msg.SenderID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	peer, ok := m.peers[id]
	if !ok {
		peer = &Peer{AgentID: id}
		m.peers[id] = peer
	}
	peer.Name = beat.Name
	peer.Kind = beat.Kind
	peer.State = beat.State
	peer.UptimeSeconds = beat.UptimeSeconds
	peer.Counters = beat.Counters
	peer.Heartbeats++
	peer.LastSeen = m.now().UTC()
	return nil, nil
}

func (m *Monitor) recordStatus(_ context.Context, msg *envelope.Message) (*envelope.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.status = append(json.RawMessage(nil), msg.Content...)
	m.statusAt = msg.Timestamp.Time
	return nil, nil
}

func (m *Monitor) report(_ context.Context, msg *envelope.Message) (*envelope.Message, error) {
	return msg.Reply(m.agent.ID(), envelope.TypeTaskResponse, m.Snapshot())
}

// Snapshot returns the peer table sorted by agent id.
func (m *Monitor) Snapshot() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	report := Report{
		GeneratedAt:  now,
		Peers:        make([]Peer, 0, len(m.peers)),
		SystemStatus: append(json.RawMessage(nil), m.status...),
		StatusAt:     m.statusAt,
	}
	for _, peer := range m.peers {
		p := *peer
		p.Stale = now.Sub(p.LastSeen) > m.staleAfter
		report.Peers = append(report.Peers, p)
	}
	slices.SortFunc(report.Peers, func(a, b Peer) int {
		return strings.Compare(a.AgentID, b.AgentID)
	})
	return report
}
