package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "Inspect and load agent modules on a running gateway",
}

var modulesScanCmd = &cobra.Command{
	Use:     "scan",
	Aliases: []string{"list"},
	Short:   "List module manifests in the gateway's module directory",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		modules, err := c.ListModules(cmd.Context())
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), modules)
		}
		if len(modules) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no modules")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), moduleTable(modules))
		return nil
	},
}

var modulesLoadCmd = &cobra.Command{
	Use:   "load <name>",
	Short: "Load a module so agents can be created from it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		info, err := c.LoadModule(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeModule(cmd.OutOrStdout(), info)
	},
}

var modulesReloadCmd = &cobra.Command{
	Use:   "reload <name>",
	Short: "Re-read a loaded module's manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		info, err := c.ReloadModule(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeModule(cmd.OutOrStdout(), info)
	},
}

func init() {
	rootCmd.AddCommand(modulesCmd)
	modulesCmd.AddCommand(modulesScanCmd, modulesLoadCmd, modulesReloadCmd)
	addGatewayFlag(modulesCmd.PersistentFlags())
	modulesCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "print JSON instead of a table")
}
