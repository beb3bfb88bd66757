// Package logger provides optional rotating file mirrors for the raw
// stdout/stderr of a managed process. The live aggregated stream is handled
// by logmux; mirrors exist so a session's output survives on disk when the
// operator asks for it.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes file mirroring for one process. An empty Dir disables
// mirroring entirely. Rotation parameters follow lumberjack semantics.
type Config struct {
	Dir        string `json:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// Enabled reports whether mirroring is configured.
func (c Config) Enabled() bool { return c.Dir != "" }

// Mirror holds the rotating writers for one process run. Close flushes and
// releases both files.
type Mirror struct {
	Stdout io.WriteCloser
	Stderr io.WriteCloser
}

// Open creates Dir if needed and returns rotating writers named
// <dir>/<name>.stdout.log and <dir>/<name>.stderr.log.
func (c Config) Open(name string) (*Mirror, error) {
	if !c.Enabled() {
		return nil, nil
	}
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", c.Dir, err)
	}
	mk := func(stream string) io.WriteCloser {
		return &lj.Logger{
			Filename:   filepath.Join(c.Dir, fmt.Sprintf("%s.%s.log", name, stream)),
			MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   c.Compress,
		}
	}
	return &Mirror{Stdout: mk("stdout"), Stderr: mk("stderr")}, nil
}

// WriteLine appends one captured line to the mirror for the given stream.
func (m *Mirror) WriteLine(stream, text string) {
	if m == nil {
		return
	}
	w := m.Stdout
	if stream == "stderr" {
		w = m.Stderr
	}
	if w != nil {
		_, _ = io.WriteString(w, text+"\n")
	}
}

// Close releases both writers. Safe on a nil mirror.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	if m.Stdout != nil {
		_ = m.Stdout.Close()
	}
	if m.Stderr != nil {
		_ = m.Stderr.Close()
	}
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
