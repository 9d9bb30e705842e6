// pattern: Imperative Shell

// Package config loads the daemon's two configuration layers: its own
// bootstrap Settings (internal/config/settings.go, yaml.v3) and the
// program descriptor file (internal/config/programs.go, gopkg.in/ini.v1).
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is taskmasterd's own bootstrap configuration: where to log, how
// often to tick the monitor loop, and where to keep the single-instance
// lock file. This is distinct from the program descriptor file
// (programs.go) — Settings is the daemon's configuration of itself.
type Settings struct {
	LogLevel    string        `yaml:"log_level"`
	LogFile     string        `yaml:"log_file"`
	DataDir     string        `yaml:"data_dir"`
	TickInterval time.Duration `yaml:"tick_interval"`
	WatchConfig bool          `yaml:"watch_config"`
}

// DefaultSettings returns the daemon's bootstrap defaults.
func DefaultSettings() Settings {
	return Settings{
		LogLevel:     "info",
		LogFile:      filepath.Join(defaultDataDir(), "taskmasterd.log"),
		DataDir:      defaultDataDir(),
		TickInterval: time.Second,
		WatchConfig:  false,
	}
}

// Load reads Settings from the default per-user config directory.
func Load() (Settings, error) {
	return LoadFrom(filepath.Join(defaultConfigDir(), "config.yaml"))
}

// LoadFrom reads Settings from path, overlaying onto DefaultSettings. A
// missing file is not an error: the defaults are returned as-is.
func LoadFrom(path string) (Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, err
	}

	if err := yaml.Unmarshal(data, &s); err != nil {
		return DefaultSettings(), err
	}

	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.TickInterval <= 0 {
		s.TickInterval = time.Second
	}

	return s, nil
}

func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "taskmasterd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "taskmasterd")
	}
	return filepath.Join(home, ".config", "taskmasterd")
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "taskmasterd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".local", "share", "taskmasterd")
	}
	return filepath.Join(home, ".local", "share", "taskmasterd")
}
