// Package ports frees a declared TCP port before a managed process binds it.
//
// Reconciliation is check-then-terminate: the gap between the final check and
// the process's own bind is not locked, so an unrelated host process can
// still steal the port in between. This is accepted as best-effort recovery,
// not a transactional guarantee.
package ports

import (
	"context"
	"fmt"
	"time"

	gnet "github.com/shirou/gopsutil/v4/net"
	gproc "github.com/shirou/gopsutil/v4/process"
)

// ConflictError reports a port that could not be freed, naming the occupant
// when it could be identified.
type ConflictError struct {
	Port int
	PID  int32
	Name string
	Err  error
}

func (e *ConflictError) Error() string {
	who := "unknown process"
	if e.PID > 0 {
		who = fmt.Sprintf("pid %d", e.PID)
		if e.Name != "" {
			who = fmt.Sprintf("%s (pid %d)", e.Name, e.PID)
		}
	}
	if e.Err != nil {
		return fmt.Sprintf("port %d busy: held by %s: %v", e.Port, who, e.Err)
	}
	return fmt.Sprintf("port %d busy: held by %s", e.Port, who)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// Reconciler frees declared ports by terminating whatever listens on them,
// graceful signal first and forced kill after Grace.
type Reconciler struct {
	Attempts int           // termination rounds before giving up (default 3)
	Grace    time.Duration // wait after SIGTERM before SIGKILL (default 500ms)
	Poll     time.Duration // re-check interval while waiting (default 50ms)
}

func (r Reconciler) attempts() int {
	if r.Attempts <= 0 {
		return 3
	}
	return r.Attempts
}

func (r Reconciler) grace() time.Duration {
	if r.Grace <= 0 {
		return 500 * time.Millisecond
	}
	return r.Grace
}

func (r Reconciler) poll() time.Duration {
	if r.Poll <= 0 {
		return 50 * time.Millisecond
	}
	return r.Poll
}

// Listener identifies the process listening on a local TCP port.
// A zero PID with ok=true means the port is occupied but the owner could not
// be resolved (typically another user's process).
func Listener(port int) (pid int32, name string, ok bool, err error) {
	conns, err := gnet.Connections("tcp")
	if err != nil {
		return 0, "", false, fmt.Errorf("list tcp sockets: %w", err)
	}
	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port {
			continue
		}
		if c.Pid > 0 {
			if p, perr := gproc.NewProcess(c.Pid); perr == nil {
				name, _ = p.Name()
			}
		}
		return c.Pid, name, true, nil
	}
	return 0, "", false, nil
}

// Reconcile ensures port is free, terminating any occupant. Port 0 is a
// declared "no port" and succeeds immediately. The occupant vanishing
// between detection and termination counts as success.
func (r Reconciler) Reconcile(ctx context.Context, port int) error {
	if port == 0 {
		return nil
	}
	for attempt := 0; attempt < r.attempts(); attempt++ {
		pid, name, occupied, err := Listener(port)
		if err != nil {
			return err
		}
		if !occupied {
			return nil
		}
		if pid <= 0 {
			// Occupied, but not ours to identify or signal.
			return &ConflictError{Port: port, PID: pid, Name: name}
		}
		if err := terminate(pid); err != nil {
			return &ConflictError{Port: port, PID: pid, Name: name, Err: err}
		}
		if r.waitFree(ctx, port) {
			return nil
		}
		if err := kill(pid); err != nil {
			return &ConflictError{Port: port, PID: pid, Name: name, Err: err}
		}
		if r.waitFree(ctx, port) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	pid, name, occupied, _ := Listener(port)
	if !occupied {
		return nil
	}
	return &ConflictError{Port: port, PID: pid, Name: name}
}

// waitFree polls until the port is free or the grace window elapses.
func (r Reconciler) waitFree(ctx context.Context, port int) bool {
	deadline := time.Now().Add(r.grace())
	for {
		if _, _, occupied, err := Listener(port); err == nil && !occupied {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		select {
		case <-time.After(r.poll()):
		case <-ctx.Done():
			return false
		}
	}
}
