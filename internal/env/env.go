// Package env composes the environment handed to managed processes.
// Precedence, lowest to highest: inherited OS environment (optional),
// variables loaded from env files, globals from configuration, and
// per-process overrides.
package env

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

type Vars map[string]string

// Env accumulates layered variables and produces the final "K=V" list.
type Env struct {
	useOS  bool
	files  Vars
	global Vars
	osEnv  Vars // cached OS environment
}

func New(useOS bool) *Env {
	return &Env{useOS: useOS, files: make(Vars), global: make(Vars)}
}

// Set adds a global variable.
func (e *Env) Set(k, v string) {
	if k != "" {
		e.global[k] = v
	}
}

// LoadFile reads a dotenv-style file: one K=V per line, blank lines and
// lines starting with # ignored, surrounding quotes on values stripped.
func (e *Env) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		raw = strings.TrimPrefix(raw, "export ")
		i := strings.IndexByte(raw, '=')
		if i <= 0 {
			return fmt.Errorf("env file %s:%d: malformed line %q", path, line, raw)
		}
		k := strings.TrimSpace(raw[:i])
		v := strings.TrimSpace(raw[i+1:])
		if len(v) >= 2 {
			if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
				v = v[1 : len(v)-1]
			}
		}
		e.files[k] = v
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

func (e *Env) fromOS() Vars {
	if e.osEnv != nil {
		return e.osEnv
	}
	base := make(Vars)
	if e.useOS {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i > 0 {
				base[kv[:i]] = kv[i+1:]
			}
		}
	}
	e.osEnv = base
	return base
}

// Merge composes the final environment for one process, applying perProc
// "K=V" entries on top of the layered globals. Values get one pass of
// ${VAR} expansion against the composed map.
func (e *Env) Merge(perProc []string) []string {
	m := make(Vars)
	for k, v := range e.fromOS() {
		m[k] = v
	}
	for k, v := range e.files {
		m[k] = v
	}
	for k, v := range e.global {
		m[k] = v
	}
	for _, kv := range perProc {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	return out
}

// expand replaces ${VAR} references with values from m, single pass only.
func expand(s string, m Vars) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
