// Package devherd is the public facade of the devherd multi-process
// development orchestrator. It wires configuration, the supervisor, the log
// multiplexer and the optional history sink into one Orchestrator value;
// the packages under internal/ do the actual work.
package devherd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/devherd/devherd/internal/config"
	"github.com/devherd/devherd/internal/health"
	"github.com/devherd/devherd/internal/history"
	"github.com/devherd/devherd/internal/history/factory"
	"github.com/devherd/devherd/internal/logmux"
	"github.com/devherd/devherd/internal/metrics"
	"github.com/devherd/devherd/internal/ports"
	"github.com/devherd/devherd/internal/server"
	"github.com/devherd/devherd/internal/spec"
	"github.com/devherd/devherd/internal/supervisor"
)

// Re-exported types so embedders only import the root package.
type (
	Spec   = spec.Spec
	Status = supervisor.Status
	State  = supervisor.State
	Config = config.Config
)

const (
	StateStopped    = supervisor.StateStopped
	StateStarting   = supervisor.StateStarting
	StateRunning    = supervisor.StateRunning
	StateUnhealthy  = supervisor.StateUnhealthy
	StateCrashed    = supervisor.StateCrashed
	StateRestarting = supervisor.StateRestarting
	StateStopping   = supervisor.StateStopping
	StateFailed     = supervisor.StateFailed
)

// LoadConfig reads and validates a TOML configuration file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Orchestrator owns one supervised session: the supervisor loop, the merged
// log stream and the optional lifecycle history recorder.
type Orchestrator struct {
	cfg      *Config
	sup      *supervisor.Supervisor
	logs     *logmux.Aggregator
	recorder *history.Recorder
}

// New builds an Orchestrator from a loaded configuration.
func New(cfg *Config, lg *slog.Logger) (*Orchestrator, error) {
	globalEnv, err := cfg.BuildEnv()
	if err != nil {
		return nil, err
	}

	var recorder *history.Recorder
	if cfg.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("history sink: %w", err)
		}
		recorder = history.NewRecorder(sink, cfg.History.Buffer)
	}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, err
		}
	}

	logs := logmux.New()
	sup, err := supervisor.New(supervisor.Options{
		Specs:    cfg.Procs,
		Env:      globalEnv,
		Logs:     logs,
		Recorder: recorder,
		Prober: &health.Prober{
			Interval: cfg.Health.Interval,
			Timeout:  cfg.Health.Timeout,
		},
		HealthFailThreshold: cfg.Health.FailThreshold,
		Reconciler: ports.Reconciler{
			Attempts: cfg.Ports.Attempts,
			Grace:    cfg.Ports.Grace,
		},
		Logger: lg,
	})
	if err != nil {
		if recorder != nil {
			recorder.Close()
		}
		return nil, err
	}

	return &Orchestrator{cfg: cfg, sup: sup, logs: logs, recorder: recorder}, nil
}

// Run executes the supervisor loop until shutdown completes, then flushes
// the history recorder. Cancelling ctx triggers an ordered shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	err := o.sup.Run(ctx)
	if o.recorder != nil {
		o.recorder.Close()
	}
	return err
}

func (o *Orchestrator) StartAll(ctx context.Context) error { return o.sup.StartAll(ctx) }
func (o *Orchestrator) StopAll(ctx context.Context) error  { return o.sup.StopAll(ctx) }
func (o *Orchestrator) Stop(ctx context.Context, name string) error {
	return o.sup.Stop(ctx, name)
}
func (o *Orchestrator) Restart(ctx context.Context, name string) error {
	return o.sup.Restart(ctx, name)
}
func (o *Orchestrator) Status(ctx context.Context) ([]Status, error) { return o.sup.Status(ctx) }

// StreamLogs renders the merged process output to w, one line per process
// line, until the session ends. It blocks; run it on its own goroutine.
func (o *Orchestrator) StreamLogs(w io.Writer, colored bool) {
	for {
		line, ok := o.logs.Next()
		if !ok {
			return
		}
		if colored {
			fmt.Fprintln(w, logmux.Render(line))
		} else {
			fmt.Fprintln(w, logmux.RenderPlain(line))
		}
	}
}

// NewHTTPServer starts the control/ops HTTP surface for this orchestrator.
func (o *Orchestrator) NewHTTPServer(addr, basePath string) *http.Server {
	return server.NewServer(addr, basePath, o.sup, o.cfg.Metrics.Enabled)
}
