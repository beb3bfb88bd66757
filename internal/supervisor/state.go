package supervisor

// State is the lifecycle state of one managed process. All transitions are
// applied by the supervisor loop; no other goroutine writes state.
type State string

const (
	// StateStopped means the process is not running and no restart is pending.
	StateStopped State = "stopped"
	// StateStarting means the process was spawned but has not yet passed its
	// first health probe (or, without a health path, not yet confirmed alive).
	StateStarting State = "starting"
	// StateRunning means the process is alive and, if probed, healthy.
	StateRunning State = "running"
	// StateUnhealthy means consecutive health probes failed past the
	// threshold while the process is still alive.
	StateUnhealthy State = "unhealthy"
	// StateCrashed means the process exited unexpectedly and a restart
	// decision (backoff wait) is in progress.
	StateCrashed State = "crashed"
	// StateRestarting means a restart was decided and the relaunch is
	// imminent (old process exiting or backoff elapsed).
	StateRestarting State = "restarting"
	// StateStopping means a deliberate stop is in progress.
	StateStopping State = "stopping"
	// StateFailed is terminal: restart attempts are exhausted. Only an
	// explicit restart leaves this state.
	StateFailed State = "failed"
)

// Alive reports whether an OS process is expected to exist in this state.
func (s State) Alive() bool {
	switch s {
	case StateStarting, StateRunning, StateUnhealthy, StateStopping:
		return true
	}
	return false
}

// Terminal reports whether the state requires operator action to leave.
func (s State) Terminal() bool { return s == StateFailed }
