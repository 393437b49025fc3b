package cmd

import (
	"io"
	"time"

	"github.com/spf13/cobra"

	"orion/pkg/client"
	"orion/pkg/ui/monitor"
)

var monitorInterval time.Duration

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Open the terminal dashboard for a running gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		// Log lines would tear the alternate screen.
		if _, err := setupLogger(cfg, io.Discard); err != nil {
			return err
		}

		c, err := client.New(resolveGatewayURL(cfg), nil)
		if err != nil {
			return err
		}
		return monitor.Run(cmd.Context(), monitor.NewClientSource(c), monitorInterval)
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	addGatewayFlag(monitorCmd.Flags())
	monitorCmd.Flags().DurationVarP(&monitorInterval, "interval", "i", 2*time.Second, "refresh interval")
}
