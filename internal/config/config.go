// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

// Package config loads callpipe's YAML configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marcelocantos/callpipe/internal/rules"
)

// Config holds the global callpipe configuration. Command-line flags
// override every field.
type Config struct {
	URI         string        `yaml:"uri"`
	Direct      bool          `yaml:"direct"`
	Human       bool          `yaml:"human"`
	Raw         bool          `yaml:"raw"`
	Pipe        int           `yaml:"pipe"`
	KeepRunning bool          `yaml:"keep_running"`
	Echo        bool          `yaml:"echo"`
	Quiet       bool          `yaml:"quiet"`
	MaxLine     int           `yaml:"max_line"`
	Shell       *bool         `yaml:"shell"`
	Token       string        `yaml:"token"`
	UUID        string        `yaml:"uuid"`
	Journal     JournalConfig `yaml:"journal"`
	Daemon      DaemonConfig  `yaml:"daemon"`
	Log         LogConfig     `yaml:"log"`
}

// JournalConfig controls the call journal.
type JournalConfig struct {
	Path string `yaml:"path"` // empty disables the journal
}

// DaemonConfig controls the loopback server.
type DaemonConfig struct {
	IdleTimeout string `yaml:"idle_timeout"`
	Socket      string `yaml:"socket"`
	Script      string `yaml:"script"`
	Journal     string `yaml:"journal"`

	// Rules maps "api/verb" globs to admission rules.
	Rules map[string]rules.TargetRuleConfig `yaml:"rules"`
}

// RuleSet compiles the daemon's admission rules. Hardcoded rules are
// always included.
func (d *DaemonConfig) RuleSet() (*rules.RuleSet, error) {
	rs := rules.NewRuleSet(rules.Hardcoded()...)
	patterns := make([]string, 0, len(d.Rules))
	for p := range d.Rules {
		patterns = append(patterns, p)
	}
	slices.Sort(patterns)
	for _, p := range patterns {
		fns, err := rules.CompileTargetRule(p, d.Rules[p])
		if err != nil {
			return nil, err
		}
		for _, fn := range fns {
			rs.AddConfig(fn)
		}
	}
	return rs, nil
}

// LogConfig controls diagnostics.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultIdleTimeout is used when no idle_timeout is configured.
const DefaultIdleTimeout = 5 * time.Minute

// IdleTimeoutDuration parses the configured idle timeout or returns the default.
func (d *DaemonConfig) IdleTimeoutDuration() time.Duration {
	if d.IdleTimeout != "" {
		dur, err := time.ParseDuration(d.IdleTimeout)
		if err == nil {
			return dur
		}
	}
	return DefaultIdleTimeout
}

// ShellEnabled reports whether `!` escapes may run.
func (c *Config) ShellEnabled() bool {
	return c.Shell == nil || *c.Shell
}

// LogLevel parses Log.Level, defaulting to warn.
func (c *Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelWarn
	}
	return level
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "warn"},
	}
}

// Load reads the config from the standard location
// (~/.config/callpipe/config.yaml). If the file doesn't exist, returns the
// default config.
func Load() (*Config, error) {
	if _, err := os.UserHomeDir(); err != nil {
		return DefaultConfig(), nil
	}
	return LoadFrom(ConfigPath())
}

// LoadFrom reads the config from the given path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Pipe < 0 {
		return nil, fmt.Errorf("parse config %s: pipe must not be negative", path)
	}
	if cfg.MaxLine < 0 {
		return nil, fmt.Errorf("parse config %s: max_line must not be negative", path)
	}

	cfg.Journal.Path = ExpandHome(cfg.Journal.Path)
	cfg.Daemon.Socket = ExpandHome(cfg.Daemon.Socket)
	cfg.Daemon.Script = ExpandHome(cfg.Daemon.Script)
	cfg.Daemon.Journal = ExpandHome(cfg.Daemon.Journal)
	return cfg, nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

// ConfigPath returns the standard config file path.
func ConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "callpipe", "config.yaml")
}
