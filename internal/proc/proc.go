// Package proc launches and signals a single managed OS process, capturing
// its stdout/stderr as line-oriented streams. It makes no restart or health
// decisions; those belong to the supervisor.
package proc

import (
	"bufio"
	"errors"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/devherd/devherd/internal/logger"
	"github.com/devherd/devherd/internal/logmux"
	"github.com/devherd/devherd/internal/spec"
)

// scanners tolerate long single lines (bundler output, stack traces).
const maxLineBytes = 1024 * 1024

// LineFunc receives each captured output line. stream is logmux.StreamStdout
// or logmux.StreamStderr.
type LineFunc func(stream, text string)

// Handle is a running (or exited) managed OS process. All exported methods
// are safe for concurrent use.
type Handle struct {
	name      string
	pid       int
	startedAt time.Time
	startUnix int64 // process start time identity, 0 when unavailable

	done chan struct{} // closed after the process is reaped

	mu      sync.Mutex
	exitErr error
	mirror  *logger.Mirror
}

// Start spawns the spec's command in its working directory with the merged
// environment. Each output line is passed to onLine and mirrored to rotating
// files when the spec configures them. The returned handle's Done channel is
// closed once the process has exited and been reaped.
//
// A spawn failure (missing executable, permission) is returned as-is; Start
// never retries.
func Start(s spec.Spec, env []string, onLine LineFunc) (*Handle, error) {
	cmd := s.BuildCommand()
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	// Own process group so signals reach the whole tree.
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	mirror, err := s.Log.Open(s.Name)
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		mirror.Close()
		return nil, err
	}

	h := &Handle{
		name:      s.Name,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		startUnix: procStartUnix(cmd.Process.Pid),
		done:      make(chan struct{}),
		mirror:    mirror,
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go h.scan(&readers, stdout, logmux.StreamStdout, onLine)
	go h.scan(&readers, stderr, logmux.StreamStderr, onLine)

	go func() {
		// Pipes must be drained before Wait per os/exec contract.
		readers.Wait()
		err := cmd.Wait()
		h.mu.Lock()
		h.exitErr = err
		m := h.mirror
		h.mirror = nil
		h.mu.Unlock()
		m.Close()
		close(h.done)
	}()

	return h, nil
}

func (h *Handle) scan(wg *sync.WaitGroup, r io.Reader, stream string, onLine LineFunc) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		text := sc.Text()
		if onLine != nil {
			onLine(stream, text)
		}
		h.mu.Lock()
		m := h.mirror
		h.mu.Unlock()
		m.WriteLine(stream, text)
	}
}

// Name returns the spec name this handle was started for.
func (h *Handle) Name() string { return h.name }

// PID returns the OS process id of this run.
func (h *Handle) PID() int { return h.pid }

// StartedAt returns when the process was spawned.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the process has exited and its pipes are drained.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitErr returns the error from Wait. Valid only after Done is closed;
// nil means a zero exit status.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// ExitCode extracts the numeric exit code from an exec.ExitError, or 0 for a
// clean exit. -1 covers signal deaths and unknown failures.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// Alive reports whether the OS still schedules this process. A reused PID is
// not considered alive when the start-time identity no longer matches.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
	}
	if h.startUnix > 0 {
		if cur := procStartUnix(h.pid); cur > 0 && cur != h.startUnix {
			return false
		}
	}
	return pidAlive(h.pid)
}

// Terminate sends SIGTERM to the process group.
func (h *Handle) Terminate() error { return signalGroup(h.pid, sigTerm) }

// Kill sends SIGKILL to the process group.
func (h *Handle) Kill() error { return signalGroup(h.pid, sigKill) }
