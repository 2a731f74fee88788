package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/itohio/enose/pkg/device"
)

func newPortsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports and mark autodetect candidates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			ports, err := device.Ports()
			if err != nil {
				return err
			}

			matcher := device.Matcher{VID: cfg.Device.VID, PID: cfg.Device.PID, NameHints: cfg.Device.NameHints}
			candidates := make(map[string]bool)
			for _, p := range matcher.Candidates(ports) {
				candidates[p.Name] = true
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PORT\tUSB ID\tSERIAL\tPRODUCT\tCANDIDATE")
			for _, p := range ports {
				id := "-"
				if p.IsUSB {
					id = p.VID + ":" + p.PID
				}
				mark := ""
				if candidates[p.Name] {
					mark = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Name, id, p.SerialNumber, p.Product, mark)
			}
			return w.Flush()
		},
	}
}
