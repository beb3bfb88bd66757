// Package config loads the orchestrator's TOML configuration: global
// environment handling, observability settings and the static list of
// managed processes. The list is loaded once; runtime reloads are not
// supported.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/devherd/devherd/internal/env"
	"github.com/devherd/devherd/internal/logger"
	"github.com/devherd/devherd/internal/spec"
)

type ServerConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
}

type HealthConfig struct {
	Interval      time.Duration `toml:"interval" mapstructure:"interval"`
	Timeout       time.Duration `toml:"timeout" mapstructure:"timeout"`
	FailThreshold int           `toml:"fail_threshold" mapstructure:"fail_threshold"`
}

type HistoryConfig struct {
	DSN    string `toml:"dsn" mapstructure:"dsn"`
	Buffer int    `toml:"buffer" mapstructure:"buffer"`
}

type PortsConfig struct {
	Attempts int           `toml:"attempts" mapstructure:"attempts"`
	Grace    time.Duration `toml:"grace" mapstructure:"grace"`
}

// Config is the full parsed configuration file.
type Config struct {
	Env      []string      `toml:"env" mapstructure:"env"`
	EnvFiles []string      `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool          `toml:"use_os_env" mapstructure:"use_os_env"`
	Log      logger.Config `toml:"log" mapstructure:"log"`
	Server   ServerConfig  `toml:"server" mapstructure:"server"`
	Metrics  MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	Health   HealthConfig  `toml:"health" mapstructure:"health"`
	History  HistoryConfig `toml:"history" mapstructure:"history"`
	Ports    PortsConfig   `toml:"ports" mapstructure:"ports"`
	Procs    []spec.Spec   `toml:"processes" mapstructure:"processes"`
}

// Load reads and validates the TOML file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if len(c.Procs) == 0 {
		return nil, fmt.Errorf("config %s declares no processes", path)
	}
	for i := range c.Procs {
		// Processes without their own log section inherit the global one.
		if !c.Procs[i].Log.Enabled() {
			c.Procs[i].Log = c.Log
		}
		c.Procs[i].Normalize()
	}
	if err := spec.ValidateAll(c.Procs); err != nil {
		return nil, err
	}
	return &c, nil
}

// BuildEnv composes the global environment from the config's env settings.
func (c *Config) BuildEnv() (*env.Env, error) {
	e := env.New(c.UseOSEnv)
	for _, p := range c.EnvFiles {
		if err := e.LoadFile(p); err != nil {
			return nil, err
		}
	}
	for _, kv := range c.Env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				e.Set(kv[:i], kv[i+1:])
				break
			}
		}
	}
	return e, nil
}
