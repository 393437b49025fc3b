package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"orion/pkg/config"
	"orion/pkg/gateway"
)

var (
	createSpec     config.AgentSpec
	createSettings map[string]string
	createJSON     string
	createStart    bool
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage agents on a running gateway",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		agents, err := c.ListAgents(cmd.Context())
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), agents)
		}
		if len(agents) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no agents")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), agentTable(agents))
		return nil
	},
}

var agentsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		info, err := c.GetAgent(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeAgent(cmd.OutOrStdout(), info)
	},
}

var agentsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an agent from a kind or a loaded module",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildCreateRequest(createSpec, createSettings, createJSON, createStart)
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		info, err := c.CreateAgent(cmd.Context(), req)
		if err != nil {
			return err
		}
		return writeAgent(cmd.OutOrStdout(), info)
	},
}

var agentsStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Start an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		info, err := c.StartAgent(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeAgent(cmd.OutOrStdout(), info)
	},
}

var agentsStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		info, err := c.StopAgent(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeAgent(cmd.OutOrStdout(), info)
	},
}

var agentsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Stop and remove an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.DeleteAgent(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(agentsCmd)
	agentsCmd.AddCommand(agentsListCmd, agentsGetCmd, agentsCreateCmd, agentsStartCmd, agentsStopCmd, agentsDeleteCmd)
	addGatewayFlag(agentsCmd.PersistentFlags())
	agentsCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "print JSON instead of a table")

	flags := agentsCreateCmd.Flags()
	flags.StringVar(&createSpec.ID, "id", "", "agent id (generated when empty)")
	flags.StringVar(&createSpec.Name, "name", "", "display name")
	flags.StringVar(&createSpec.Kind, "kind", "", "builtin kind: echo, monitor or assistant")
	flags.StringVar(&createSpec.Module, "module", "", "loaded module to use as a template")
	flags.StringVar(&createSpec.Transport, "transport", "", "agent transport: memory or kafka")
	flags.StringToStringVar(&createSettings, "set", nil, "setting as key=value (repeatable)")
	flags.StringVar(&createJSON, "settings", "", "settings as a JSON object")
	flags.BoolVar(&createStart, "start", false, "start the agent after creating it")
}

// buildCreateRequest validates the create flags and folds the settings into
// the spec.
func buildCreateRequest(spec config.AgentSpec, pairs map[string]string, rawJSON string, start bool) (gateway.CreateAgentRequest, error) {
	if strings.TrimSpace(spec.Kind) == "" && strings.TrimSpace(spec.Module) == "" {
		return gateway.CreateAgentRequest{}, errors.New("one of --kind or --module is required")
	}

	settings, err := parseSettings(pairs, rawJSON)
	if err != nil {
		return gateway.CreateAgentRequest{}, err
	}
	spec.Settings = settings

	return gateway.CreateAgentRequest{AgentSpec: spec, Start: start}, nil
}

// parseSettings merges a --settings JSON object with --set pairs, the pairs
// winning on conflicts. It returns nil when neither is given.
func parseSettings(pairs map[string]string, rawJSON string) (map[string]any, error) {
	settings := make(map[string]any)
	if raw := strings.TrimSpace(rawJSON); raw != "" {
		if err := json.Unmarshal([]byte(raw), &settings); err != nil {
			return nil, fmt.Errorf("parse --settings: %w", err)
		}
	}
	for key, value := range pairs {
		settings[key] = value
	}
	if len(settings) == 0 {
		return nil, nil
	}
	return settings, nil
}
