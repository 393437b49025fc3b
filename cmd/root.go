package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"orion/pkg/client"
	"orion/pkg/config"
	"orion/pkg/logger"
)

var (
	configPath string
	gatewayURL string
)

var rootCmd = &cobra.Command{
	Use:           "orion",
	Short:         "Run and operate an Orion agent mesh",
	Long:          "Orion hosts message-driven agents behind a gateway and provides tools to manage them and talk to them.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and prints the error that ended it.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: $ORION_CONFIG or ./config.json)")
}

// addGatewayFlag registers --gateway on commands that talk to a running
// gateway over HTTP.
func addGatewayFlag(flags *pflag.FlagSet) {
	flags.StringVarP(&gatewayURL, "gateway", "g", "", "gateway base URL (default: from config)")
}

// loadConfig reads the config file, falling back to defaults and environment
// overrides when none exists.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if errors.Is(err, config.ErrNotFound) {
		return config.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func setupLogger(cfg *config.Config, out io.Writer) (*slog.Logger, error) {
	var (
		log *slog.Logger
		err error
	)
	if out == nil {
		log, err = logger.New(cfg.Logging)
	} else {
		log, err = logger.NewWithWriter(cfg.Logging, out)
	}
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	slog.SetDefault(log)
	return log, nil
}

// resolveGatewayURL prefers --gateway over the configured gateway URL.
func resolveGatewayURL(cfg *config.Config) string {
	if value := strings.TrimSpace(gatewayURL); value != "" {
		return value
	}
	return cfg.GatewayURL()
}

func newClient() (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return client.New(resolveGatewayURL(cfg), nil)
}
