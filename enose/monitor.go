package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/itohio/enose/pkg/device"
	"github.com/itohio/enose/pkg/filter"
	"github.com/itohio/enose/pkg/logging"
)

func newMonitorCmd(opts *rootOptions) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Print processed readings from the device without serving them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			level, err := logging.ParseLevel(cfg.Log.Level)
			if err != nil {
				return err
			}
			logger, err := logging.New(os.Stderr, cfg.Log.Format, level)
			if err != nil {
				return err
			}

			mod := filter.ModulationFromConfig(cfg)
			if raw {
				mod.Enabled = false
			}
			proc, err := filter.NewProcessor(cfg.FilterWindow, mod, clockwork.NewRealClock())
			if err != nil {
				return err
			}

			dial := device.SerialDialer(cfg, device.Hooks{}, logger)
			if cfg.Mock.Enabled {
				dial = device.MockDialer(&cfg.Mock)
			}
			dev, port, err := dial(cmd.Context())
			if err != nil {
				return err
			}
			defer dev.Close()
			logger.Info("monitoring device", "port", port, "modulation", mod.Enabled)

			go func() {
				<-cmd.Context().Done()
				dev.Close()
			}()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "timestamp,"+strings.Join(channelNames(), ","))
			for r := range proc.Converter(cfg.Device.BufferSize)(dev.Readings()) {
				fields := make([]string, 0, device.NumChannels+1)
				fields = append(fields, r.Timestamp.Format("15:04:05.000"))
				for _, v := range r.Values {
					fields = append(fields, fmt.Sprintf("%.4f", v))
				}
				fmt.Fprintln(out, strings.Join(fields, ","))
			}
			return dev.Err()
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Disable modulation and print smoothed values only")
	return cmd
}

func channelNames() []string {
	names := make([]string, device.NumChannels)
	for i := range names {
		names[i] = strings.ToLower(device.Channel(i).String())
	}
	return names
}
