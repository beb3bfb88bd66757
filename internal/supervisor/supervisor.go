// Package supervisor owns every managed process record. All state mutation
// happens on a single decision loop: launchers, probers, timers and exit
// watchers report events into the loop and never touch shared state.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/devherd/devherd/internal/env"
	"github.com/devherd/devherd/internal/health"
	"github.com/devherd/devherd/internal/history"
	"github.com/devherd/devherd/internal/logmux"
	"github.com/devherd/devherd/internal/ports"
	"github.com/devherd/devherd/internal/proc"
	"github.com/devherd/devherd/internal/spec"
)

// DefaultHealthFailThreshold is the number of consecutive failed probes
// before a running process is declared unhealthy.
const DefaultHealthFailThreshold = 3

// PortReconciler frees a declared port ahead of a launch. ports.Reconciler
// is the production implementation.
type PortReconciler interface {
	Reconcile(ctx context.Context, port int) error
}

var (
	ErrUnknownProcess = errors.New("unknown process")
	ErrShuttingDown   = errors.New("supervisor is shutting down")
	ErrStartInFlight  = errors.New("start already in progress")
)

// Options configures a Supervisor. Specs is the only required field.
type Options struct {
	Specs    []spec.Spec
	Env      *env.Env
	Logs     *logmux.Aggregator
	Recorder *history.Recorder
	Prober   *health.Prober
	// HealthFailThreshold overrides DefaultHealthFailThreshold when > 0.
	HealthFailThreshold int
	Reconciler          PortReconciler
	Logger              *slog.Logger
}

// Supervisor coordinates the lifecycle of all declared processes.
type Supervisor struct {
	specs      []spec.Spec
	env        *env.Env
	logs       *logmux.Aggregator
	recorder   *history.Recorder
	prober     *health.Prober
	threshold  int
	reconciler PortReconciler
	logger     *slog.Logger

	cmds   chan command
	events chan event
	done   chan struct{} // closed when the loop has exited

	// Loop-owned state. Never read or written outside run().
	procs    map[string]*runtime
	order    []string // rank-sorted process names
	bringup  *bringup
	shutdown *shutdown
}

// runtime is the loop-owned record of one managed process.
type runtime struct {
	spec   spec.Spec
	state  State
	gen    uint64 // bumped on every launch; stale async events are dropped
	handle *proc.Handle

	restarts    int // automatic restarts consumed since the last manual reset
	healthFails int
	lastErr     string
	startedAt   time.Time

	probeCancel  context.CancelFunc
	backoffTimer *time.Timer
	startupTimer *time.Timer
	startupSeq   uint64 // identifies the armed startup timer; stale firings are dropped
	graceTimer   *time.Timer

	relaunch bool // relaunch after the in-flight stop completes
	waiters  []chan error
}

// New validates and normalizes the specs and returns a Supervisor ready for
// Run. No process is started until StartAll.
func New(opts Options) (*Supervisor, error) {
	specs := make([]spec.Spec, len(opts.Specs))
	copy(specs, opts.Specs)
	for i := range specs {
		specs[i].Normalize()
	}
	if err := spec.ValidateAll(specs); err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, errors.New("no processes declared")
	}

	s := &Supervisor{
		specs:      specs,
		env:        opts.Env,
		logs:       opts.Logs,
		recorder:   opts.Recorder,
		prober:     opts.Prober,
		threshold:  opts.HealthFailThreshold,
		reconciler: opts.Reconciler,
		logger:     opts.Logger,
		cmds:       make(chan command),
		events:     make(chan event, 64),
		done:       make(chan struct{}),
		procs:      make(map[string]*runtime, len(specs)),
	}
	if s.env == nil {
		s.env = env.New(true)
	}
	if s.prober == nil {
		s.prober = &health.Prober{}
	}
	if s.threshold <= 0 {
		s.threshold = DefaultHealthFailThreshold
	}
	if s.reconciler == nil {
		s.reconciler = ports.Reconciler{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	for i := range specs {
		sp := specs[i]
		s.procs[sp.Name] = &runtime{spec: sp, state: StateStopped}
		s.order = append(s.order, sp.Name)
	}
	sort.SliceStable(s.order, func(i, j int) bool {
		a, b := s.procs[s.order[i]].spec, s.procs[s.order[j]].spec
		if a.Rank != b.Rank {
			return a.Rank < b.Rank
		}
		return a.Name < b.Name
	})
	return s, nil
}

// Run executes the decision loop until a shutdown completes. Cancelling ctx
// is equivalent to StopAll. Commands issued before Run block until the loop
// picks them up.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.done)
	ctxDone := ctx.Done()
	for {
		select {
		case <-ctxDone:
			ctxDone = nil
			s.beginShutdown(nil)
		case c := <-s.cmds:
			s.handleCommand(c)
		case e := <-s.events:
			s.handleEvent(e)
		}
		if s.shutdown != nil && s.shutdown.finished {
			return nil
		}
	}
}

// Done is closed once the loop has exited after a completed shutdown.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// StartAll brings up every declared process in rank order.
func (s *Supervisor) StartAll(ctx context.Context) error {
	return s.sendErr(ctx, cmdStartAll{reply: make(chan error, 1)})
}

// StopAll performs an ordered shutdown of every process. A second call while
// a shutdown is in flight escalates to an immediate forceful kill.
func (s *Supervisor) StopAll(ctx context.Context) error {
	return s.sendErr(ctx, cmdStopAll{reply: make(chan error, 1)})
}

// Stop terminates one process and cancels any pending restart for it.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	return s.sendErr(ctx, cmdStop{name: name, reply: make(chan error, 1)})
}

// Restart stops (if needed) and relaunches one process, resetting its
// automatic restart counter.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	return s.sendErr(ctx, cmdRestart{name: name, reply: make(chan error, 1)})
}

// Status returns a consistent snapshot of every process record.
func (s *Supervisor) Status(ctx context.Context) ([]Status, error) {
	c := cmdStatus{reply: make(chan []Status, 1)}
	select {
	case s.cmds <- c:
	case <-s.done:
		return nil, ErrShuttingDown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case st := <-c.reply:
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type command interface{ replyTo() chan error }

type cmdStartAll struct{ reply chan error }
type cmdStopAll struct{ reply chan error }
type cmdStop struct {
	name  string
	reply chan error
}
type cmdRestart struct {
	name  string
	reply chan error
}
type cmdStatus struct{ reply chan []Status }

func (c cmdStartAll) replyTo() chan error { return c.reply }
func (c cmdStopAll) replyTo() chan error  { return c.reply }
func (c cmdStop) replyTo() chan error     { return c.reply }
func (c cmdRestart) replyTo() chan error  { return c.reply }
func (c cmdStatus) replyTo() chan error   { return nil }

func (s *Supervisor) sendErr(ctx context.Context, c command) error {
	select {
	case s.cmds <- c:
	case <-s.done:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.replyTo():
		return err
	case <-s.done:
		// The loop resolves all outstanding waiters before exiting, so a
		// closed done with no reply means shutdown preempted the command.
		select {
		case err := <-c.replyTo():
			return err
		default:
			return ErrShuttingDown
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

type event interface{}

type evPortCleared struct {
	name string
	gen  uint64
	err  error
}
type evExit struct {
	name string
	gen  uint64
	err  error
}
type evProbe struct {
	name   string
	gen    uint64
	sample health.Sample
}
type evBackoff struct {
	name string
	gen  uint64
}
// evStartupTimeout carries the timer sequence instead of the launch
// generation: the startup window deliberately spans crash-loop relaunches.
type evStartupTimeout struct {
	name string
	seq  uint64
}
type evGrace struct {
	name string
	gen  uint64
}

// post delivers an event from an auxiliary goroutine without blocking a
// shutdown: once the loop has exited, events are discarded.
func (s *Supervisor) post(e event) {
	select {
	case s.events <- e:
	case <-s.done:
	}
}

func (s *Supervisor) record(t history.EventType, r *runtime, detail string) {
	if s.recorder == nil {
		return
	}
	pid := 0
	if r.handle != nil {
		pid = r.handle.PID()
	}
	s.recorder.Record(history.Event{
		Type:   t,
		Name:   r.spec.Name,
		PID:    pid,
		State:  string(r.state),
		Detail: detail,
	})
}

func (s *Supervisor) publishLine(name, stream, text string) {
	if s.logs != nil {
		s.logs.Publish(logmux.Line{Source: name, Stream: stream, Text: text})
	}
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func exitDetail(err error) string {
	if err == nil {
		return ""
	}
	if code := proc.ExitCode(err); code >= 0 {
		return fmt.Sprintf("exit status %d", code)
	}
	return err.Error()
}
