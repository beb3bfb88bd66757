package spec

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/devherd/devherd/internal/logger"
)

// Defaults applied by Normalize when a field is left zero.
const (
	DefaultStartupTimeout = 10 * time.Second
	DefaultBackoffBase    = time.Second
	DefaultBackoffCap     = 30 * time.Second
	DefaultGracePeriod    = 5 * time.Second
	DefaultMaxRestarts    = 5
)

// UnlimitedRestarts disables the restart ceiling for a process.
const UnlimitedRestarts = -1

// Spec describes one managed process. It is immutable after load: the
// supervisor copies it into its runtime record and never writes it back.
type Spec struct {
	Name               string        `json:"name" mapstructure:"name"`
	Command            string        `json:"command" mapstructure:"command"`
	WorkDir            string        `json:"work_dir" mapstructure:"workdir"`
	Env                []string      `json:"env" mapstructure:"env"`
	Port               int           `json:"port" mapstructure:"port"`                 // 0 = no declared port
	HealthPath         string        `json:"health_path" mapstructure:"health_path"`   // empty = liveness-only
	StartupTimeout     time.Duration `json:"startup_timeout" mapstructure:"startup_timeout"`
	MaxRestarts        int           `json:"max_restarts" mapstructure:"max_restarts"` // -1 = unlimited
	BackoffBase        time.Duration `json:"backoff_base" mapstructure:"backoff_base"`
	BackoffCap         time.Duration `json:"backoff_cap" mapstructure:"backoff_cap"`
	Rank               int           `json:"rank" mapstructure:"rank"` // lower ranks start first
	GracePeriod        time.Duration `json:"grace_period" mapstructure:"grace_period"`
	RestartOnUnhealthy bool          `json:"restart_on_unhealthy" mapstructure:"restart_on_unhealthy"`
	Log                logger.Config `json:"log" mapstructure:"log"`
}

// Normalize fills zero-valued policy fields with defaults. MaxRestarts keeps
// a set value of -1 (unlimited); only the zero value gets the default.
func (s *Spec) Normalize() {
	if s.StartupTimeout <= 0 {
		s.StartupTimeout = DefaultStartupTimeout
	}
	if s.MaxRestarts == 0 {
		s.MaxRestarts = DefaultMaxRestarts
	}
	if s.BackoffBase <= 0 {
		s.BackoffBase = DefaultBackoffBase
	}
	if s.BackoffCap <= 0 {
		s.BackoffCap = DefaultBackoffCap
	}
	if s.BackoffCap < s.BackoffBase {
		s.BackoffCap = s.BackoffBase
	}
	if s.GracePeriod <= 0 {
		s.GracePeriod = DefaultGracePeriod
	}
}

// Validate reports the first problem with the spec.
func (s *Spec) Validate() error {
	if !IsSafeName(s.Name) {
		return fmt.Errorf("invalid process name %q: allowed [A-Za-z0-9._-], no '..'", s.Name)
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("process %s: command is required", s.Name)
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("process %s: port %d out of range", s.Name, s.Port)
	}
	if s.HealthPath != "" {
		if s.Port == 0 {
			return fmt.Errorf("process %s: health_path requires a declared port", s.Name)
		}
		if !strings.HasPrefix(s.HealthPath, "/") {
			return fmt.Errorf("process %s: health_path must start with '/'", s.Name)
		}
	}
	if s.MaxRestarts < UnlimitedRestarts {
		return fmt.Errorf("process %s: max_restarts must be >= -1", s.Name)
	}
	for _, kv := range s.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("process %s: env entry %q must be KEY=VALUE", s.Name, kv)
		}
	}
	return nil
}

// ValidateAll validates each spec and rejects duplicate names. Two specs may
// declare the same port: whoever starts later evicts the current occupant.
func ValidateAll(specs []Spec) error {
	names := make(map[string]struct{}, len(specs))
	for i := range specs {
		s := &specs[i]
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("duplicate process name %q", s.Name)
		}
		names[s.Name] = struct{}{}
	}
	return nil
}

// BuildCommand constructs an *exec.Cmd for the spec's command string.
// It avoids invoking a shell when not necessary, and it also respects an
// explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (s *Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	// If the command already explicitly uses a shell, honor it without adding another layer.
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		// Always use absolute shell path to avoid PATH dependency when Env is overridden.
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC)
	}
	// Fallback: when metacharacters are present, use /bin/sh -c
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.Command(name, args...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>"
// at the beginning of cmdStr. It preserves the substring after "-c " verbatim
// to avoid breaking quoting.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// Strip one pair of wrapping quotes so the actual script reaches
			// the shell (outer quotes would otherwise inhibit redirection).
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return after, true
		}
	}
	return "", false
}

// IsSafeName validates process names to avoid path traversal when used in
// filenames. Allowed characters: A-Z a-z 0-9 . _ - and no ".." sequence.
func IsSafeName(s string) bool {
	if s == "" {
		return false
	}
	if strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}
