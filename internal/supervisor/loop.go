package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/devherd/devherd/internal/health"
	"github.com/devherd/devherd/internal/history"
	"github.com/devherd/devherd/internal/metrics"
	"github.com/devherd/devherd/internal/proc"
)

func (s *Supervisor) handleCommand(c command) {
	switch c := c.(type) {
	case cmdStatus:
		c.reply <- s.snapshot()
	case cmdStartAll:
		s.handleStartAll(c)
	case cmdStopAll:
		s.beginShutdown(c.reply)
	case cmdStop:
		s.handleStop(c)
	case cmdRestart:
		s.handleRestart(c)
	}
}

func (s *Supervisor) handleEvent(e event) {
	switch e := e.(type) {
	case evPortCleared:
		s.onPortCleared(e)
	case evExit:
		s.onExit(e)
	case evProbe:
		s.onProbe(e)
	case evBackoff:
		s.onBackoff(e)
	case evStartupTimeout:
		s.onStartupTimeout(e)
	case evGrace:
		s.onGrace(e)
	}
}

// setState applies a transition and emits the observability side effects.
// It is the only place r.state is written.
func (s *Supervisor) setState(r *runtime, to State) {
	from := r.state
	if from == to {
		return
	}
	r.state = to
	name := r.spec.Name
	metrics.RecordStateTransition(name, string(from), string(to))
	metrics.SetCurrentState(name, string(from), false)
	metrics.SetCurrentState(name, string(to), true)
	s.logger.Debug("state transition", "name", name, "from", from, "to", to)
}

// launch begins a start attempt: reconcile the declared port, then spawn.
// Port reconciliation can take multiple grace periods, so it runs off-loop.
func (s *Supervisor) launch(r *runtime) {
	r.gen++
	gen := r.gen
	r.lastErr = ""
	r.healthFails = 0
	s.setState(r, StateStarting)

	name, port := r.spec.Name, r.spec.Port
	rec := s.reconciler
	go func() {
		err := rec.Reconcile(context.Background(), port)
		s.post(evPortCleared{name: name, gen: gen, err: err})
	}()
}

func (s *Supervisor) onPortCleared(e evPortCleared) {
	r := s.procs[e.name]
	if r == nil || r.gen != e.gen || r.state != StateStarting {
		return
	}
	if e.err != nil {
		// A port that cannot be freed counts as a failed start attempt.
		s.logger.Error("port reconcile failed", "name", e.name, "port", r.spec.Port, "err", e.err)
		s.failStart(r, fmt.Sprintf("port reconcile: %v", e.err))
		return
	}
	s.spawn(r)
}

func (s *Supervisor) spawn(r *runtime) {
	name := r.spec.Name
	handle, err := proc.Start(r.spec, s.env.Merge(r.spec.Env), func(stream, text string) {
		s.publishLine(name, stream, text)
	})
	if err != nil {
		s.logger.Error("spawn failed", "name", name, "command", r.spec.Command, "err", err)
		s.failStart(r, fmt.Sprintf("spawn: %v", err))
		return
	}

	r.handle = handle
	r.startedAt = handle.StartedAt()
	metrics.IncStart(name)
	s.logger.Info("process started", "name", name, "pid", handle.PID())
	s.record(history.EventStart, r, "")

	gen := r.gen
	go func() {
		<-handle.Done()
		s.post(evExit{name: name, gen: gen, err: handle.ExitErr()})
	}()

	if r.spec.HealthPath == "" {
		// No probe target: alive is running.
		s.setState(r, StateRunning)
		s.releaseGate(name)
		return
	}

	s.armStartupTimer(r)
	s.startProber(r)
}

// failStart routes a start attempt that never produced a live process into
// the same crash policy as an unexpected exit.
func (s *Supervisor) failStart(r *runtime, reason string) {
	r.lastErr = reason
	r.handle = nil
	metrics.IncCrash(r.spec.Name)
	s.setState(r, StateCrashed)
	s.record(history.EventCrash, r, reason)
	if s.shutdown != nil {
		s.setState(r, StateStopped)
		s.shutdownMark(r.spec.Name)
		return
	}
	s.scheduleRestart(r)
}

func (s *Supervisor) startProber(r *runtime) {
	ctx, cancel := context.WithCancel(context.Background())
	r.probeCancel = cancel
	name, port, path := r.spec.Name, r.spec.Port, r.spec.HealthPath
	gen := r.gen
	go s.prober.Run(ctx, name, port, path, func(sample health.Sample) {
		metrics.ObserveProbe(name, string(sample.Outcome), sample.Latency.Seconds())
		s.post(evProbe{name: name, gen: gen, sample: sample})
	})
}

func (s *Supervisor) stopProber(r *runtime) {
	if r.probeCancel != nil {
		r.probeCancel()
		r.probeCancel = nil
	}
}

// armStartupTimer bounds how long a start attempt may gate later ranks.
// One timer per start request: crash-and-backoff cycles within the window
// do not rearm it.
func (s *Supervisor) armStartupTimer(r *runtime) {
	if r.startupTimer != nil {
		return
	}
	name := r.spec.Name
	r.startupSeq++
	seq := r.startupSeq
	r.startupTimer = time.AfterFunc(r.spec.StartupTimeout, func() {
		s.post(evStartupTimeout{name: name, seq: seq})
	})
}

func (s *Supervisor) onStartupTimeout(e evStartupTimeout) {
	r := s.procs[e.name]
	// A firing that lost the race against stopTimer is stale: either the
	// timer slot is already cleared or a newer timer has been armed since.
	if r == nil || r.startupTimer == nil || e.seq != r.startupSeq {
		return
	}
	r.startupTimer = nil
	if r.state == StateStarting {
		s.logger.Warn("startup timeout: process not healthy yet, proceeding without it",
			"name", e.name, "timeout", r.spec.StartupTimeout)
	}
	s.releaseGate(e.name)
}

func (s *Supervisor) onProbe(e evProbe) {
	r := s.procs[e.name]
	if r == nil || r.gen != e.gen {
		return
	}
	switch r.state {
	case StateStarting:
		if e.sample.Ok() {
			stopTimer(&r.startupTimer)
			r.healthFails = 0
			s.setState(r, StateRunning)
			s.logger.Info("process healthy", "name", e.name, "latency", e.sample.Latency)
			s.releaseGate(e.name)
		}
	case StateRunning:
		if e.sample.Ok() {
			r.healthFails = 0
			return
		}
		r.healthFails++
		s.logger.Warn("health probe failed", "name", e.name,
			"outcome", e.sample.Outcome, "consecutive", r.healthFails, "err", e.sample.Err)
		if r.healthFails < s.threshold {
			return
		}
		s.setState(r, StateUnhealthy)
		s.record(history.EventUnhealthy, r, fmt.Sprintf("%d consecutive failed probes", r.healthFails))
		if r.spec.RestartOnUnhealthy {
			// Terminate now; the exit event routes into the crash policy.
			s.terminate(r)
		}
	case StateUnhealthy:
		if e.sample.Ok() && !r.spec.RestartOnUnhealthy {
			r.healthFails = 0
			s.setState(r, StateRunning)
			s.logger.Info("process recovered", "name", e.name)
		}
	}
}

func (s *Supervisor) onExit(e evExit) {
	r := s.procs[e.name]
	if r == nil || r.gen != e.gen {
		return
	}
	r.handle = nil
	s.stopProber(r)
	stopTimer(&r.graceTimer)
	detail := exitDetail(e.err)

	switch r.state {
	case StateStopping:
		s.setState(r, StateStopped)
		metrics.IncStop(e.name)
		s.record(history.EventStop, r, detail)
		s.logger.Info("process stopped", "name", e.name)
		s.resolveWaiters(r, nil)
		if r.relaunch && s.shutdown == nil {
			r.relaunch = false
			s.launch(r)
			return
		}
		r.relaunch = false
		s.releaseGate(e.name)
		s.shutdownMark(e.name)
	default:
		// Starting, Running or Unhealthy: the process died on its own.
		r.lastErr = detail
		metrics.IncCrash(e.name)
		s.setState(r, StateCrashed)
		s.record(history.EventCrash, r, detail)
		s.logger.Warn("process crashed", "name", e.name, "exit", detail)
		if s.shutdown != nil {
			s.setState(r, StateStopped)
			s.shutdownMark(e.name)
			return
		}
		s.scheduleRestart(r)
	}
}

// scheduleRestart applies the bounded backoff policy from the Crashed state.
func (s *Supervisor) scheduleRestart(r *runtime) {
	name := r.spec.Name
	if !allowRestart(r.restarts, r.spec.MaxRestarts) {
		s.setState(r, StateFailed)
		s.record(history.EventFailed, r, fmt.Sprintf("restarts exhausted after %d attempts", r.restarts))
		s.logger.Error("restarts exhausted, giving up", "name", name, "attempts", r.restarts, "last_error", r.lastErr)
		s.releaseGate(name)
		return
	}
	delay := backoffDelay(r.restarts, r.spec.BackoffBase, r.spec.BackoffCap)
	gen := r.gen
	s.logger.Info("restart scheduled", "name", name, "attempt", r.restarts+1, "backoff", delay)
	r.backoffTimer = time.AfterFunc(delay, func() {
		s.post(evBackoff{name: name, gen: gen})
	})
}

func (s *Supervisor) onBackoff(e evBackoff) {
	r := s.procs[e.name]
	if r == nil || r.gen != e.gen || r.state != StateCrashed {
		return
	}
	r.backoffTimer = nil
	r.restarts++
	metrics.IncRestart(e.name)
	s.setState(r, StateRestarting)
	s.record(history.EventRestart, r, fmt.Sprintf("attempt %d", r.restarts))
	s.launch(r)
}

// terminate starts a deliberate kill of a live process: graceful signal now,
// forced kill when the grace period expires.
func (s *Supervisor) terminate(r *runtime) {
	if r.handle == nil {
		return
	}
	name := r.spec.Name
	if err := r.handle.Terminate(); err != nil {
		s.logger.Warn("terminate signal failed", "name", name, "err", err)
	}
	gen := r.gen
	stopTimer(&r.graceTimer)
	r.graceTimer = time.AfterFunc(r.spec.GracePeriod, func() {
		s.post(evGrace{name: name, gen: gen})
	})
}

func (s *Supervisor) onGrace(e evGrace) {
	r := s.procs[e.name]
	if r == nil || r.gen != e.gen || r.handle == nil {
		return
	}
	r.graceTimer = nil
	s.logger.Warn("grace period expired, killing", "name", e.name, "pid", r.handle.PID())
	if err := r.handle.Kill(); err != nil {
		s.logger.Error("kill failed", "name", e.name, "err", err)
	}
}

func (s *Supervisor) handleStop(c cmdStop) {
	r := s.procs[c.name]
	if r == nil {
		c.reply <- fmt.Errorf("%w: %s", ErrUnknownProcess, c.name)
		return
	}
	switch r.state {
	case StateStopped, StateFailed:
		c.reply <- nil
	case StateStopping:
		r.waiters = append(r.waiters, c.reply)
	case StateCrashed, StateRestarting:
		// Cancel the pending restart; nothing is alive to signal.
		s.cancelPending(r)
		s.setState(r, StateStopped)
		metrics.IncStop(c.name)
		s.record(history.EventStop, r, "restart cancelled")
		c.reply <- nil
	default:
		if r.handle == nil {
			// Starting, but the spawn has not happened yet (port reconcile
			// in flight). Dropping the generation orphans that attempt.
			s.abandonStart(r)
			c.reply <- nil
			return
		}
		s.beginStop(r)
		r.waiters = append(r.waiters, c.reply)
	}
}

// abandonStart cancels a start attempt whose process does not exist yet.
// Bumping the generation orphans the in-flight port reconcile result.
func (s *Supervisor) abandonStart(r *runtime) {
	s.cancelPending(r)
	s.stopProber(r)
	r.gen++
	s.setState(r, StateStopped)
	s.releaseGate(r.spec.Name)
}

// beginStop transitions a live process into Stopping and signals it.
func (s *Supervisor) beginStop(r *runtime) {
	s.cancelPending(r)
	s.stopProber(r)
	s.setState(r, StateStopping)
	s.terminate(r)
}

// cancelPending clears any restart or startup bookkeeping for the process.
func (s *Supervisor) cancelPending(r *runtime) {
	stopTimer(&r.backoffTimer)
	stopTimer(&r.startupTimer)
	r.relaunch = false
}

func (s *Supervisor) handleRestart(c cmdRestart) {
	r := s.procs[c.name]
	if r == nil {
		c.reply <- fmt.Errorf("%w: %s", ErrUnknownProcess, c.name)
		return
	}
	if s.shutdown != nil {
		c.reply <- ErrShuttingDown
		return
	}
	// Manual restart is the one action that resets the attempt counter.
	r.restarts = 0
	s.record(history.EventRestart, r, "manual")
	if r.state.Alive() && r.handle != nil {
		s.beginStop(r)
		r.relaunch = true
		r.waiters = append(r.waiters, c.reply)
		return
	}
	if r.state.Alive() {
		s.abandonStart(r)
	}
	s.cancelPending(r)
	s.launch(r)
	c.reply <- nil
}

func (s *Supervisor) resolveWaiters(r *runtime, err error) {
	for _, w := range r.waiters {
		w <- err
	}
	r.waiters = nil
}
