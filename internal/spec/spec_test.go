package spec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCommandSimple(t *testing.T) {
	s := Spec{Command: "sleep 5"}
	cmd := s.BuildCommand()
	require.NotNil(t, cmd)
	assert.Contains(t, cmd.Path, "sleep")
	assert.Equal(t, []string{"sleep", "5"}, cmd.Args)
}

func TestBuildCommandShellMeta(t *testing.T) {
	s := Spec{Command: "echo hi | cat"}
	cmd := s.BuildCommand()
	assert.Equal(t, "/bin/sh", cmd.Path)
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi | cat"}, cmd.Args)
}

func TestBuildCommandExplicitShell(t *testing.T) {
	s := Spec{Command: `sh -c 'echo hi > /dev/null'`}
	cmd := s.BuildCommand()
	assert.Equal(t, "/bin/sh", cmd.Path)
	// Outer quotes stripped so redirection works inside the script.
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi > /dev/null"}, cmd.Args)
}

func TestBuildCommandEmpty(t *testing.T) {
	s := Spec{}
	cmd := s.BuildCommand()
	assert.Equal(t, "/bin/true", cmd.Path)
}

func TestNormalizeDefaults(t *testing.T) {
	s := Spec{Name: "web", Command: "true"}
	s.Normalize()
	assert.Equal(t, DefaultStartupTimeout, s.StartupTimeout)
	assert.Equal(t, DefaultMaxRestarts, s.MaxRestarts)
	assert.Equal(t, DefaultBackoffBase, s.BackoffBase)
	assert.Equal(t, DefaultBackoffCap, s.BackoffCap)
	assert.Equal(t, DefaultGracePeriod, s.GracePeriod)
}

func TestNormalizeKeepsUnlimited(t *testing.T) {
	s := Spec{Name: "web", Command: "true", MaxRestarts: UnlimitedRestarts}
	s.Normalize()
	assert.Equal(t, UnlimitedRestarts, s.MaxRestarts)
}

func TestNormalizeCapNotBelowBase(t *testing.T) {
	s := Spec{Name: "web", Command: "true", BackoffBase: 10 * time.Second, BackoffCap: time.Second}
	s.Normalize()
	assert.Equal(t, 10*time.Second, s.BackoffCap)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{"ok", Spec{Name: "web-1", Command: "sleep 1"}, false},
		{"ok with health", Spec{Name: "api", Command: "sleep 1", Port: 8080, HealthPath: "/healthz"}, false},
		{"empty name", Spec{Command: "sleep 1"}, true},
		{"bad name chars", Spec{Name: "a/b", Command: "sleep 1"}, true},
		{"dotdot name", Spec{Name: "..", Command: "sleep 1"}, true},
		{"missing command", Spec{Name: "web"}, true},
		{"port out of range", Spec{Name: "web", Command: "x", Port: 70000}, true},
		{"health without port", Spec{Name: "web", Command: "x", HealthPath: "/healthz"}, true},
		{"health without slash", Spec{Name: "web", Command: "x", Port: 80, HealthPath: "healthz"}, true},
		{"bad env", Spec{Name: "web", Command: "x", Env: []string{"NOVALUE"}}, true},
		{"max restarts below -1", Spec{Name: "web", Command: "x", MaxRestarts: -2}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.spec.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateAllDuplicates(t *testing.T) {
	specs := []Spec{
		{Name: "web", Command: "sleep 1", Port: 3000},
		{Name: "web", Command: "sleep 1"},
	}
	assert.Error(t, ValidateAll(specs))

	// Same port on different names is allowed: the later starter evicts
	// whatever occupies the port.
	specs = []Spec{
		{Name: "web", Command: "sleep 1", Port: 3000},
		{Name: "api", Command: "sleep 1", Port: 3000},
	}
	assert.NoError(t, ValidateAll(specs))
}
