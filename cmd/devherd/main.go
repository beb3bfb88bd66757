package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
}

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}

	root := &cobra.Command{
		Use:   "devherd",
		Short: "Run and supervise a herd of development processes",
		Long: `Devherd starts every process declared in its config file, frees their
declared ports first, restarts them with bounded backoff when they crash,
watches their health endpoints and merges their output into one stream.

Examples:
  devherd up                          # bring up everything in devherd.toml
  devherd up --config ./stack.toml
  devherd status                      # ask a running session for its state
  devherd restart api                 # manual restart, resets the counter
  devherd validate                    # check the config without starting`,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "devherd.toml", "path to TOML config file")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "control API of a running session (default from config)")

	root.AddCommand(
		newUpCommand(flags),
		newStatusCommand(flags),
		newStopCommand(flags),
		newRestartCommand(flags),
		newValidateCommand(flags),
	)
	return root
}
