package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-msh/internal/config"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

func pmodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pmodes",
		Short: "Validate and list the configured P-Modes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			reg, err := loadPModes(cfg.PModes)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tBINDING\tMPC\tADDRESS")
			for _, pm := range reg.All() {
				address := ""
				if len(pm.Legs) > 0 && pm.Legs[0].Protocol != nil {
					address = pm.Legs[0].Protocol.Address
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", pm.ID, binding(pm), pm.MPC(), address)
			}
			return tw.Flush()
		},
	}
}

func binding(pm *pmode.PMode) string {
	if pm.IsPull() {
		return "pull"
	}
	return "push"
}

func loadPModes(cfg config.PModesConfig) (*pmode.Registry, error) {
	reg := pmode.NewRegistry()
	if cfg.File == "" {
		return reg, nil
	}
	if err := reg.LoadFile(cfg.File); err != nil {
		return nil, fmt.Errorf("loading P-Modes: %w", err)
	}
	return reg, nil
}
