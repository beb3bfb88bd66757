package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/devherd/devherd"
	"github.com/devherd/devherd/pkg/client"
)

// apiClient resolves the control API address: explicit flag first, then the
// [server] section of the config file, then the default.
func apiClient(global *GlobalFlags) *client.Client {
	cfg := client.DefaultConfig()
	if global.APIUrl != "" {
		cfg.BaseURL = global.APIUrl
	} else if c, err := devherd.LoadConfig(global.ConfigPath); err == nil && c.Server.Listen != "" {
		cfg.BaseURL = "http://" + c.Server.Listen
	}
	return client.New(cfg)
}

func newStatusCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of every process in a running session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			sts, err := apiClient(global).Status(ctx)
			if err != nil {
				return err
			}
			printStatuses(cmd.OutOrStdout(), sts)
			return nil
		},
	}
}

func newStopCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop one process and cancel any pending restart",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := apiClient(global).Stop(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped %s\n", args[0])
			return nil
		},
	}
}

func newRestartCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <name>",
		Short: "Restart one process, resetting its restart counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := apiClient(global).Restart(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restarted %s\n", args[0])
			return nil
		},
	}
}

func printStatuses(out io.Writer, sts []devherd.Status) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tPID\tPORT\tRESTARTS\tUPTIME\tLAST ERROR")
	for _, st := range sts {
		uptime := "-"
		if !st.StartedAt.IsZero() {
			uptime = time.Since(st.StartedAt).Truncate(time.Second).String()
		}
		pid := "-"
		if st.PID > 0 {
			pid = fmt.Sprint(st.PID)
		}
		port := "-"
		if st.Port > 0 {
			port = fmt.Sprint(st.Port)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			st.Name, st.State, pid, port, st.Restarts, uptime, st.LastError)
	}
	_ = w.Flush()
}
