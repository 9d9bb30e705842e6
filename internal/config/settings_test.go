package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromMissingFileReturnsDefaults(t *testing.T) {
	s, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if s.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", s.LogLevel, "info")
	}
	if s.TickInterval != time.Second {
		t.Errorf("TickInterval = %v, want %v", s.TickInterval, time.Second)
	}
}

func TestLoadFromOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
log_level: debug
data_dir: /tmp/taskmasterd-test
watch_config: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	s, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if s.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", s.LogLevel, "debug")
	}
	if s.DataDir != "/tmp/taskmasterd-test" {
		t.Errorf("DataDir = %q, want %q", s.DataDir, "/tmp/taskmasterd-test")
	}
	if !s.WatchConfig {
		t.Error("WatchConfig = false, want true")
	}
}
