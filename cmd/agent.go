package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"orion/pkg/agent"
	"orion/pkg/agent/kinds"
	"orion/pkg/config"
	"orion/pkg/transport"
	"orion/pkg/transport/httppoll"
	"orion/pkg/transport/ws"
)

var (
	remoteSpec      config.AgentSpec
	remoteSettings  map[string]string
	remoteJSON      string
	remoteHeartbeat time.Duration
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a standalone agent that joins a gateway remotely",
	Long: "Runs one agent of a builtin kind in this process and connects it to a gateway " +
		"over the websocket relay or the HTTP polling relay.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		appLogger, err := setupLogger(cfg, nil)
		if err != nil {
			return err
		}

		remote, err := newRemoteAgent(cfg, remoteSpec, remoteSettings, remoteJSON, appLogger)
		if err != nil {
			return err
		}

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runRemoteAgent(runCtx, remote, time.Duration(cfg.Agents.Defaults.StopTimeoutSeconds)*time.Second)
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)
	addGatewayFlag(agentCmd.Flags())

	flags := agentCmd.Flags()
	flags.StringVar(&remoteSpec.ID, "id", "", "agent id (required)")
	flags.StringVar(&remoteSpec.Name, "name", "", "display name")
	flags.StringVar(&remoteSpec.Kind, "kind", kinds.KindEcho, "builtin kind: echo, monitor or assistant")
	flags.StringVar(&remoteSpec.Transport, "transport", config.TransportWebSocket, "websocket or httppoll")
	flags.StringToStringVar(&remoteSettings, "set", nil, "setting as key=value (repeatable)")
	flags.StringVar(&remoteJSON, "settings", "", "settings as a JSON object")
	flags.DurationVar(&remoteHeartbeat, "heartbeat", 0, "heartbeat interval (0 uses the configured default)")
}

// newRemoteAgent builds an agent whose only transport reaches the gateway
// over the network.
func newRemoteAgent(cfg *config.Config, spec config.AgentSpec, pairs map[string]string, rawJSON string, log *slog.Logger) (*agent.Agent, error) {
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		return nil, errors.New("--id is required")
	}

	factory, ok := kinds.Builtin(cfg.Providers)[spec.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown kind %q", spec.Kind)
	}
	settings, err := parseSettings(pairs, rawJSON)
	if err != nil {
		return nil, err
	}
	behavior, err := factory(settings)
	if err != nil {
		return nil, fmt.Errorf("build %s behavior: %w", spec.Kind, err)
	}

	adapter, err := remoteAdapter(spec.Transport, resolveGatewayURL(cfg), id, log)
	if err != nil {
		return nil, err
	}
	manager := transport.NewManager(log)
	if err := manager.Add(adapter); err != nil {
		return nil, err
	}

	heartbeat := remoteHeartbeat
	if heartbeat <= 0 {
		heartbeat = time.Duration(cfg.Agents.Defaults.HeartbeatSeconds) * time.Second
	}

	return agent.New(agent.Options{
		ID:                id,
		Name:              spec.Name,
		Kind:              spec.Kind,
		Transport:         manager,
		Behavior:          behavior,
		HeartbeatInterval: heartbeat,
		HeartbeatTarget:   cfg.Agents.Defaults.HeartbeatTarget,
		StopTimeout:       time.Duration(cfg.Agents.Defaults.StopTimeoutSeconds) * time.Second,
		RequestTimeout:    time.Duration(cfg.Agents.Defaults.RequestTimeoutSeconds) * time.Second,
		Logger:            log,
		Metadata:          map[string]string{"mode": "remote"},
	})
}

func remoteAdapter(name string, baseURL string, agentID string, log *slog.Logger) (transport.Adapter, error) {
	switch strings.TrimSpace(name) {
	case "", config.TransportWebSocket:
		return ws.New(ws.Config{URL: strings.TrimRight(baseURL, "/") + "/v1/ws", AgentID: agentID}, log)
	case config.TransportHTTPPoll:
		return httppoll.New(httppoll.Config{BaseURL: baseURL, AgentID: agentID}, log)
	default:
		return nil, fmt.Errorf("transport %q cannot reach a remote gateway (use websocket or httppoll)", name)
	}
}

// runRemoteAgent keeps the agent running until ctx ends or the agent fails.
func runRemoteAgent(ctx context.Context, a *agent.Agent, stopTimeout time.Duration) error {
	log := a.Logger().With("component", "cmd.agent")

	if err := a.Start(ctx); err != nil {
		return err
	}
	log.Info("Remote agent running", "kind", a.Kind())

	select {
	case <-ctx.Done():
	case <-a.Done():
	}

	if err := a.Stop(stopTimeout); err != nil {
		return fmt.Errorf("stop agent: %w", err)
	}
	if status := a.Status(); status.LastError != "" {
		return fmt.Errorf("agent %s failed: %s", a.ID(), status.LastError)
	}
	return nil
}
