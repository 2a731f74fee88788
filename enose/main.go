package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/itohio/enose/pkg/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootOptions holds the flags shared by every subcommand.
type rootOptions struct {
	configPath  string
	device      string
	networkPort int
	mock        bool
	logLevel    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "enose",
		Short:         "Electronic nose acquisition server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "config.yaml", "Configuration file path (.yaml or .toml)")
	flags.StringVarP(&opts.device, "device", "p", "", "Serial port override (e.g., COM3 or /dev/ttyACM0); disables autodetect")
	flags.IntVar(&opts.networkPort, "port", 0, "Stream server TCP port override")
	flags.BoolVar(&opts.mock, "mock", false, "Use mocked device instead of serial port")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newMonitorCmd(opts))
	root.AddCommand(newPortsCmd(opts))
	root.AddCommand(newConfigCmd(opts))
	return root
}

// loadConfig loads the configuration file and applies flag overrides. The
// result is validated again so overrides cannot bypass the rules.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	if opts.device != "" {
		cfg.DevicePath = opts.device
		cfg.DeviceAutodetect = false
	}
	if opts.networkPort != 0 {
		cfg.NetworkPort = opts.networkPort
	}
	if opts.mock {
		cfg.Mock.Enabled = true
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return cfg.WriteYAML(cmd.OutOrStdout())
		},
	}
}
