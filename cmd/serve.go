package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"orion/pkg/agent/kinds"
	"orion/pkg/bus"
	"orion/pkg/config"
	"orion/pkg/gateway"
	"orion/pkg/registry"
	"orion/pkg/transport/telegram"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"gateway"},
	Short:   "Run the gateway",
	Long:    "Runs the Orion gateway: the agent registry, the management API, the remote transport relays and any enabled chat bridges.",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		appLogger, err := setupLogger(cfg, nil)
		if err != nil {
			return err
		}
		log := appLogger.With("component", "cmd.serve")

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := newGateway(cfg, appLogger)
		if err != nil {
			return err
		}
		defer svc.bus.Close()

		log.Info("Gateway starting",
			"addr", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
			"bridges", bridgeNames(svc.bridges),
			"default_transport", cfg.Agents.Defaults.Transport,
		)

		if err := svc.registry.Autostart(runCtx); err != nil {
			log.Error("Autostart incomplete", "error", err)
		}

		if err := svc.service.Run(runCtx); err != nil {
			log.Error("Gateway stopped with error", "error", err)
			return err
		}
		log.Info("Gateway stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

type gatewayParts struct {
	bus      *bus.MessageBus
	registry *registry.Registry
	bridges  []gateway.Bridge
	service  *gateway.Service
}

// newGateway wires the bus, the registry with the builtin kinds, the enabled
// bridges and the HTTP service.
func newGateway(cfg *config.Config, log *slog.Logger) (*gatewayParts, error) {
	mb := bus.NewMessageBus()

	reg, err := registry.New(registry.Options{Config: cfg, Bus: mb, Logger: log})
	if err != nil {
		mb.Close()
		return nil, fmt.Errorf("create registry: %w", err)
	}
	for kind, factory := range kinds.Builtin(cfg.Providers) {
		if err := reg.RegisterKind(kind, factory); err != nil {
			mb.Close()
			return nil, fmt.Errorf("register kind %s: %w", kind, err)
		}
	}

	bridges, err := enabledBridges(cfg, log)
	if err != nil {
		mb.Close()
		return nil, err
	}

	svc, err := gateway.NewService(gateway.Options{
		Config:   cfg,
		Registry: reg,
		Bus:      mb,
		Bridges:  bridges,
		Logger:   log,
	})
	if err != nil {
		mb.Close()
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	return &gatewayParts{bus: mb, registry: reg, bridges: bridges, service: svc}, nil
}

func enabledBridges(cfg *config.Config, log *slog.Logger) ([]gateway.Bridge, error) {
	bridges := make([]gateway.Bridge, 0, 1)

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, log)
		if err != nil {
			return nil, fmt.Errorf("configure telegram bridge: %w", err)
		}
		bridges = append(bridges, adapter)
	}

	return bridges, nil
}

func bridgeNames(bridges []gateway.Bridge) string {
	if len(bridges) == 0 {
		return "none"
	}

	names := make([]string, 0, len(bridges))
	for _, bridge := range bridges {
		names = append(names, bridge.Name())
	}
	return strings.Join(names, ",")
}
