package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/devherd/devherd"
)

type upFlags struct {
	NoColor bool
	NoLogs  bool
}

func newUpCommand(global *GlobalFlags) *cobra.Command {
	up := &upFlags{}
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start every declared process and supervise them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUp(cmd.Context(), global, up)
		},
	}
	cmd.Flags().BoolVar(&up.NoColor, "no-color", false, "disable colored process tags")
	cmd.Flags().BoolVar(&up.NoLogs, "no-logs", false, "do not stream process output to stdout")
	return cmd
}

func runUp(ctx context.Context, global *GlobalFlags, up *upFlags) error {
	cfg, err := devherd.LoadConfig(global.ConfigPath)
	if err != nil {
		return err
	}

	lg := slog.New(slog.NewTextHandler(os.Stderr, nil))
	orch, err := devherd.New(cfg, lg)
	if err != nil {
		return err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- orch.Run(ctx) }()

	if !up.NoLogs {
		go orch.StreamLogs(os.Stdout, !up.NoColor && stdoutIsTTY())
	}

	var httpSrv *http.Server
	if cfg.Server.Enabled {
		httpSrv = orch.NewHTTPServer(cfg.Server.Listen, "")
		lg.Info("control api listening", "addr", cfg.Server.Listen)
	}

	if err := orch.StartAll(ctx); err != nil {
		lg.Error("bringup failed", "err", err)
		_ = orch.StopAll(context.Background())
		<-runErr
		return err
	}

	// First signal: ordered shutdown. Second signal: force kill everything.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sigCh {
			go func() { _ = orch.StopAll(context.Background()) }()
		}
	}()

	err = <-runErr
	signal.Stop(sigCh)
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	fmt.Fprintln(os.Stderr, "devherd: all processes stopped")
	return err
}

func stdoutIsTTY() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
