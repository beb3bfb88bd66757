//go:build !windows

package ports

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestReconcileZeroPortIsNoop(t *testing.T) {
	require.NoError(t, Reconciler{}.Reconcile(context.Background(), 0))
}

func TestReconcileFreePort(t *testing.T) {
	require.NoError(t, Reconciler{}.Reconcile(context.Background(), freePort(t)))
}

func TestListenerFindsOwnProcess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	pid, _, occupied, err := Listener(port)
	require.NoError(t, err)
	require.True(t, occupied)
	require.Equal(t, int32(os.Getpid()), pid)
}

func TestReconcileEvictsOccupant(t *testing.T) {
	port := freePort(t)

	cmd := exec.Command(os.Args[0], "-test.run=TestHelperListener$")
	cmd.Env = append(os.Environ(), fmt.Sprintf("PORTS_HELPER_LISTEN=%d", port))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	out, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())
	waited := make(chan struct{})
	go func() { _ = cmd.Wait(); close(waited) }()

	sc := bufio.NewScanner(out)
	ready := false
	for sc.Scan() {
		if strings.Contains(sc.Text(), "helper-ready") {
			ready = true
			break
		}
	}
	require.True(t, ready, "helper never reported ready")

	r := Reconciler{Grace: 2 * time.Second, Poll: 20 * time.Millisecond}
	require.NoError(t, r.Reconcile(context.Background(), port))

	_, _, occupied, err := Listener(port)
	require.NoError(t, err)
	require.False(t, occupied, "port still occupied after reconcile")

	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		t.Fatal("helper did not exit")
	}
}

func TestReconcileEvictsNonLeaderOccupant(t *testing.T) {
	// No Setpgid: the occupant is not a group leader, so the group signal
	// gets ESRCH and delivery must fall back to the pid alone.
	port := freePort(t)

	cmd := exec.Command(os.Args[0], "-test.run=TestHelperListener$")
	cmd.Env = append(os.Environ(), fmt.Sprintf("PORTS_HELPER_LISTEN=%d", port))
	out, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())
	waited := make(chan struct{})
	go func() { _ = cmd.Wait(); close(waited) }()

	sc := bufio.NewScanner(out)
	ready := false
	for sc.Scan() {
		if strings.Contains(sc.Text(), "helper-ready") {
			ready = true
			break
		}
	}
	require.True(t, ready, "helper never reported ready")

	r := Reconciler{Grace: 2 * time.Second, Poll: 20 * time.Millisecond}
	require.NoError(t, r.Reconcile(context.Background(), port))

	_, _, occupied, err := Listener(port)
	require.NoError(t, err)
	require.False(t, occupied, "port still occupied after reconcile")

	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		t.Fatal("helper did not exit")
	}
}

// TestHelperListener is not a real test. It is re-executed as a child process
// by TestReconcileEvictsOccupant and holds a TCP listener open until killed.
func TestHelperListener(t *testing.T) {
	portEnv := os.Getenv("PORTS_HELPER_LISTEN")
	if portEnv == "" {
		t.Skip("helper mode only")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:"+portEnv)
	if err != nil {
		fmt.Println("helper-error:", err)
		os.Exit(1)
	}
	defer ln.Close()
	fmt.Println("helper-ready")
	time.Sleep(time.Minute)
}
