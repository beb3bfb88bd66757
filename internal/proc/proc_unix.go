//go:build !windows

package proc

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	sysconf "github.com/tklauser/go-sysconf"
)

var (
	sigTerm = syscall.SIGTERM
	sigKill = syscall.SIGKILL
)

func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the whole process group. A vanished group is success.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	// Group may be gone while the leader lingers (or vice versa); fall back
	// to the single pid before reporting.
	err = syscall.Kill(pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// pidAlive returns true if a process with the pid exists (or EPERM). On
// Linux a quickly-exiting child can linger as a zombie; treat that as dead.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// procStartUnix returns the process start time as Unix seconds using
// platform-native methods. Returns 0 when unavailable.
func procStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS == "linux" {
		return procStartUnixLinux(pid)
	}
	// Darwin/BSD via gopsutil (sysctl under the hood).
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

// procStartUnixLinux reads /proc to compute a stable start time without
// spawning external processes.
func procStartUnixLinux(pid int) int64 {
	// /proc/[pid]/stat field 22 is starttime in clock ticks since boot.
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	line := string(b)
	// The comm field can contain spaces; find its closing ") ".
	end := strings.LastIndex(line, ") ")
	if end == -1 {
		return 0
	}
	parts := strings.Fields(strings.TrimSpace(line[end+2:]))
	// parts[0] is state (field 3 overall); starttime is index 19 here.
	if len(parts) < 20 {
		return 0
	}
	startTicks, err := strconv.ParseInt(parts[19], 10, 64)
	if err != nil || startTicks <= 0 {
		return 0
	}

	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	var btime int64
	s := bufio.NewScanner(f)
	for s.Scan() {
		if text := s.Text(); strings.HasPrefix(text, "btime ") {
			if bt, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(text, "btime ")), 10, 64); err == nil {
				btime = bt
			}
			break
		}
	}
	if btime == 0 {
		return 0
	}

	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	return btime + (startTicks / clk)
}
