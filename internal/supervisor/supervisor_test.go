//go:build !windows

package supervisor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devherd/devherd/internal/health"
	"github.com/devherd/devherd/internal/ports"
	"github.com/devherd/devherd/internal/spec"
)

// noopPorts skips port reconciliation so tests can use listeners owned by
// the test process itself.
type noopPorts struct{}

func (noopPorts) Reconcile(context.Context, int) error { return nil }

func startSup(t *testing.T, opts Options) *Supervisor {
	t.Helper()
	if opts.Reconciler == nil {
		opts.Reconciler = noopPorts{}
	}
	if opts.Prober == nil {
		opts.Prober = &health.Prober{Interval: 20 * time.Millisecond, Timeout: 500 * time.Millisecond}
	}
	s, err := New(opts)
	require.NoError(t, err)
	go func() { _ = s.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.StopAll(ctx)
		select {
		case <-s.Done():
		case <-ctx.Done():
			t.Error("supervisor did not shut down")
		}
	})
	return s
}

func getStatus(t *testing.T, s *Supervisor, name string) Status {
	t.Helper()
	sts, err := s.Status(context.Background())
	require.NoError(t, err)
	for _, st := range sts {
		if st.Name == name {
			return st
		}
	}
	t.Fatalf("no status for %q", name)
	return Status{}
}

func waitState(t *testing.T, s *Supervisor, name string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return getStatus(t, s, name).State == want
	}, 10*time.Second, 10*time.Millisecond, "process %s never reached %s", name, want)
}

func healthSrvPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	return srv.Listener.Addr().(*net.TCPAddr).Port
}

func TestStartStopWithoutHealthPath(t *testing.T) {
	s := startSup(t, Options{Specs: []spec.Spec{{Name: "a", Command: "sleep 30"}}})
	require.NoError(t, s.StartAll(context.Background()))

	st := getStatus(t, s, "a")
	assert.Equal(t, StateRunning, st.State, "no health path means running once alive")
	assert.NotZero(t, st.PID)

	require.NoError(t, s.Stop(context.Background(), "a"))
	st = getStatus(t, s, "a")
	assert.Equal(t, StateStopped, st.State)
	assert.Zero(t, st.Restarts, "clean stop must not count as a restart")
}

func TestCrashRestartsWithBackoffThenFails(t *testing.T) {
	s := startSup(t, Options{Specs: []spec.Spec{{
		Name:        "flaky",
		Command:     "false",
		MaxRestarts: 2,
		BackoffBase: 50 * time.Millisecond,
		BackoffCap:  10 * time.Second,
	}}})
	begin := time.Now()
	require.NoError(t, s.StartAll(context.Background()))

	waitState(t, s, "flaky", StateFailed)
	st := getStatus(t, s, "flaky")
	assert.Equal(t, 2, st.Restarts, "exactly max_restarts attempts")
	assert.NotEmpty(t, st.LastError)
	// Two backoffs: 50ms then 100ms.
	assert.GreaterOrEqual(t, time.Since(begin), 150*time.Millisecond)

	// Terminal: no further Starting transition without operator action.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, StateFailed, getStatus(t, s, "flaky").State)
}

func TestStopCancelsPendingBackoff(t *testing.T) {
	s := startSup(t, Options{Specs: []spec.Spec{{
		Name:        "flaky",
		Command:     "false",
		MaxRestarts: 5,
		BackoffBase: 5 * time.Second,
	}}})
	require.NoError(t, s.StartAll(context.Background()))
	waitState(t, s, "flaky", StateCrashed)

	require.NoError(t, s.Stop(context.Background(), "flaky"))
	assert.Equal(t, StateStopped, getStatus(t, s, "flaky").State)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateStopped, getStatus(t, s, "flaky").State, "cancelled restart must not fire")
}

func TestManualRestartResetsCounter(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "ready")
	s := startSup(t, Options{Specs: []spec.Spec{{
		Name:        "svc",
		Command:     `sh -c '[ -f ` + marker + ` ] || exit 1; exec sleep 30'`,
		MaxRestarts: 1,
		BackoffBase: 20 * time.Millisecond,
	}}})
	require.NoError(t, s.StartAll(context.Background()))
	waitState(t, s, "svc", StateFailed)
	assert.Equal(t, 1, getStatus(t, s, "svc").Restarts)

	require.NoError(t, os.WriteFile(marker, nil, 0o644))
	require.NoError(t, s.Restart(context.Background(), "svc"))
	waitState(t, s, "svc", StateRunning)
	assert.Zero(t, getStatus(t, s, "svc").Restarts, "manual restart resets the counter")
}

func TestBringupWaitsForHealthyPredecessor(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dir := t.TempDir()
	second := filepath.Join(dir, "second-started")
	s := startSup(t, Options{Specs: []spec.Spec{
		{Name: "db", Command: "sleep 30", Port: healthSrvPort(t, srv), HealthPath: "/healthz", Rank: 0, StartupTimeout: 10 * time.Second},
		{Name: "web", Command: `sh -c 'touch ` + second + `; exec sleep 30'`, Rank: 1},
	}})

	done := make(chan error, 1)
	go func() { done <- s.StartAll(context.Background()) }()

	time.Sleep(300 * time.Millisecond)
	_, err := os.Stat(second)
	assert.True(t, os.IsNotExist(err), "later rank must not start before predecessor is healthy")
	assert.Equal(t, StateStarting, getStatus(t, s, "db").State)

	healthy.Store(true)
	require.NoError(t, <-done)
	waitState(t, s, "web", StateRunning)
	assert.Equal(t, StateRunning, getStatus(t, s, "db").State)
	_, err = os.Stat(second)
	assert.NoError(t, err)
}

func TestStartupTimeoutReleasesGate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := startSup(t, Options{Specs: []spec.Spec{
		{Name: "slowpoke", Command: "sleep 30", Port: healthSrvPort(t, srv), HealthPath: "/healthz", Rank: 0, StartupTimeout: 200 * time.Millisecond},
		{Name: "web", Command: "sleep 30", Rank: 1},
	}})

	require.NoError(t, s.StartAll(context.Background()))
	// Bringup proceeded despite the predecessor never turning healthy.
	assert.Equal(t, StateRunning, getStatus(t, s, "web").State)
	assert.Equal(t, StateStarting, getStatus(t, s, "slowpoke").State)
}

func TestStaleStartupTimeoutIgnored(t *testing.T) {
	s, err := New(Options{
		Specs:      []spec.Spec{{Name: "api", Command: "sleep 30", Port: 1, HealthPath: "/healthz", StartupTimeout: time.Hour}},
		Reconciler: noopPorts{},
	})
	require.NoError(t, err)
	r := s.procs["api"]

	s.armStartupTimer(r)
	stale := r.startupSeq
	// A Stop clears the slot while the old firing may already be queued;
	// a later start then arms a fresh timer.
	stopTimer(&r.startupTimer)
	s.armStartupTimer(r)
	defer stopTimer(&r.startupTimer)
	require.NotEqual(t, stale, r.startupSeq)

	s.onStartupTimeout(evStartupTimeout{name: "api", seq: stale})
	assert.NotNil(t, r.startupTimer, "stale firing must not clear the armed timer")

	s.onStartupTimeout(evStartupTimeout{name: "api", seq: r.startupSeq})
	assert.Nil(t, r.startupTimer)
}

func TestLaterStarterEvictsPortOccupant(t *testing.T) {
	port := freeTCPPort(t)
	helper := fmt.Sprintf("%s -test.run=TestHelperHTTPHolder$", os.Args[0])
	env := []string{fmt.Sprintf("SUPERVISOR_HELPER_LISTEN=%d", port)}

	s := startSup(t, Options{
		Reconciler: ports.Reconciler{Grace: 2 * time.Second, Poll: 20 * time.Millisecond},
		Specs: []spec.Spec{
			{Name: "first", Command: helper, Env: env, Port: port, HealthPath: "/healthz", Rank: 0,
				BackoffBase: time.Hour, BackoffCap: time.Hour},
			{Name: "second", Command: helper, Env: env, Port: port, HealthPath: "/healthz", Rank: 1},
		},
	})
	require.NoError(t, s.StartAll(context.Background()))

	// Starting second evicted first from the shared port; the eviction is
	// observed as first's own process crashing.
	waitState(t, s, "first", StateCrashed)
	assert.Equal(t, StateRunning, getStatus(t, s, "second").State)
	assert.NotEmpty(t, getStatus(t, s, "first").LastError)
}

// TestHelperHTTPHolder is not a real test. It is re-executed as a managed
// process by TestLaterStarterEvictsPortOccupant and serves /healthz on the
// given port until killed.
func TestHelperHTTPHolder(t *testing.T) {
	portEnv := os.Getenv("SUPERVISOR_HELPER_LISTEN")
	if portEnv == "" {
		t.Skip("helper mode only")
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: "127.0.0.1:" + portEnv, Handler: mux}
	if err := srv.ListenAndServe(); err != nil {
		fmt.Println("helper-error:", err)
		os.Exit(1)
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestUnhealthyAfterThresholdAndRecovery(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := startSup(t, Options{Specs: []spec.Spec{
		{Name: "api", Command: "sleep 30", Port: healthSrvPort(t, srv), HealthPath: "/healthz"},
	}})
	require.NoError(t, s.StartAll(context.Background()))
	waitState(t, s, "api", StateRunning)

	healthy.Store(false)
	waitState(t, s, "api", StateUnhealthy)

	healthy.Store(true)
	waitState(t, s, "api", StateRunning)
	assert.Zero(t, getStatus(t, s, "api").Restarts, "unhealthy without restart-on-unhealthy never restarts")
}

func TestRestartOnUnhealthy(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := startSup(t, Options{Specs: []spec.Spec{{
		Name:               "api",
		Command:            "sleep 30",
		Port:               healthSrvPort(t, srv),
		HealthPath:         "/healthz",
		RestartOnUnhealthy: true,
		MaxRestarts:        spec.UnlimitedRestarts,
		BackoffBase:        20 * time.Millisecond,
		GracePeriod:        time.Second,
	}}})
	require.NoError(t, s.StartAll(context.Background()))
	waitState(t, s, "api", StateRunning)

	healthy.Store(false)
	require.Eventually(t, func() bool {
		return getStatus(t, s, "api").Restarts >= 1
	}, 15*time.Second, 20*time.Millisecond, "unhealthy process was never restarted")
}

func TestNoHealthPathNeverUnhealthy(t *testing.T) {
	s := startSup(t, Options{Specs: []spec.Spec{{Name: "a", Command: "sleep 30"}}})
	require.NoError(t, s.StartAll(context.Background()))
	for i := 0; i < 10; i++ {
		st := getStatus(t, s, "a")
		require.NotEqual(t, StateUnhealthy, st.State)
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStopAllReverseOrder(t *testing.T) {
	dir := t.TempDir()
	mark := func(name string) string {
		// Record the moment the TERM handler ran.
		return `sh -c 'trap "date +%s%N > ` + filepath.Join(dir, name) + `; exit 0" TERM; while true; do sleep 0.1; done'`
	}
	s := startSup(t, Options{Specs: []spec.Spec{
		{Name: "db", Command: mark("db"), Rank: 0},
		{Name: "web", Command: mark("web"), Rank: 1},
	}})
	require.NoError(t, s.StartAll(context.Background()))
	require.NoError(t, s.StopAll(context.Background()))

	dbStamp, err := os.ReadFile(filepath.Join(dir, "db"))
	require.NoError(t, err)
	webStamp, err := os.ReadFile(filepath.Join(dir, "web"))
	require.NoError(t, err)
	assert.Less(t, string(webStamp), string(dbStamp), "later rank must stop first")
	<-s.Done()
}

func TestSecondStopAllEscalatesToKill(t *testing.T) {
	s := startSup(t, Options{Specs: []spec.Spec{{
		Name:        "stubborn",
		Command:     `sh -c 'trap "" TERM; while true; do sleep 0.1; done'`,
		GracePeriod: 30 * time.Second,
	}}})
	require.NoError(t, s.StartAll(context.Background()))

	first := make(chan error, 1)
	go func() { first <- s.StopAll(context.Background()) }()
	time.Sleep(100 * time.Millisecond)

	begin := time.Now()
	require.NoError(t, s.StopAll(context.Background()))
	require.NoError(t, <-first)
	assert.Less(t, time.Since(begin), 5*time.Second, "escalation must not wait out the grace period")
}

func TestStatusConsistentDuringRestarts(t *testing.T) {
	s := startSup(t, Options{Specs: []spec.Spec{
		{Name: "flaky", Command: "false", MaxRestarts: spec.UnlimitedRestarts, BackoffBase: 10 * time.Millisecond, BackoffCap: 20 * time.Millisecond},
		{Name: "steady", Command: "sleep 30"},
	}})
	require.NoError(t, s.StartAll(context.Background()))

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		sts, err := s.Status(context.Background())
		require.NoError(t, err)
		require.Len(t, sts, 2, "snapshot must always contain every spec exactly once")
		for _, st := range sts {
			require.NotEmpty(t, st.State)
		}
	}
}

func TestUnknownProcess(t *testing.T) {
	s := startSup(t, Options{Specs: []spec.Spec{{Name: "a", Command: "sleep 30"}}})
	require.ErrorIs(t, s.Stop(context.Background(), "ghost"), ErrUnknownProcess)
	require.ErrorIs(t, s.Restart(context.Background(), "ghost"), ErrUnknownProcess)
}
