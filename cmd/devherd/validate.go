package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devherd/devherd"
)

func newValidateCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file without starting anything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := devherd.LoadConfig(global.ConfigPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok, %d processes\n", global.ConfigPath, len(cfg.Procs))
			for _, p := range cfg.Procs {
				port := "-"
				if p.Port > 0 {
					port = fmt.Sprint(p.Port)
				}
				health := "liveness only"
				if p.HealthPath != "" {
					health = p.HealthPath
				}
				fmt.Fprintf(out, "  rank %d  %-16s port %-6s health %-16s %s\n",
					p.Rank, p.Name, port, health, p.Command)
			}
			return nil
		},
	}
}
