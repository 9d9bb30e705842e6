// pattern: Imperative Shell

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewManager(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	cfg := Config{
		FilePath:   logFile,
		MaxSizeMB:  10,
		MaxBackups: 5,
		MaxAgeDays: 7,
		Level:      "debug",
	}

	mgr, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer func() { _ = mgr.Close() }()

	// File may not exist until first write, that's OK
	_, _ = os.Stat(logFile)
}

func TestManager_For(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	cfg := Config{
		FilePath:   logFile,
		MaxSizeMB:  10,
		MaxBackups: 5,
		MaxAgeDays: 7,
		Level:      "debug",
	}

	mgr, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer func() { _ = mgr.Close() }()

	// Get named logger
	logger := mgr.For("supervisor.nginx")
	if logger == nil {
		t.Fatal("For() returned nil")
	}

	// Same scope should return same logger (cached)
	logger2 := mgr.For("supervisor.nginx")
	if logger != logger2 {
		t.Error("For() should return cached logger for same scope")
	}

	// Different scope should return different logger
	logger3 := mgr.For("supervisor.redis")
	if logger == logger3 {
		t.Error("For() should return different logger for different scope")
	}
}

func TestManager_LoggingToFile(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	cfg := Config{
		FilePath:   logFile,
		MaxSizeMB:  10,
		MaxBackups: 5,
		MaxAgeDays: 7,
		Level:      "debug",
	}

	mgr, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	// Log a message
	logger := mgr.For("runner.nginx.0")
	logger.Info("file test message")

	// Close to flush
	_ = mgr.Close()

	// Check file contains entry
	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	content := string(data)
	if !strings.Contains(content, "file test message") {
		t.Errorf("log file should contain message, got: %s", content)
	}
	if !strings.Contains(content, "runner.nginx.0") {
		t.Errorf("log file should contain scope, got: %s", content)
	}
}

func TestManager_Cleanup(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	cfg := Config{
		FilePath:   logFile,
		MaxSizeMB:  10,
		MaxBackups: 5,
		MaxAgeDays: 7,
		Level:      "debug",
	}

	mgr, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer func() { _ = mgr.Close() }()

	// Create some loggers
	mgr.For("supervisor.nginx")
	mgr.For("supervisor.redis")
	mgr.For("runner.nginx.0")

	// Cleanup supervisor.nginx; runner.nginx.0 has a different prefix and stays cached
	mgr.Cleanup("supervisor.nginx")

	// Just verify no panic and logger still works after cleanup
	logger := mgr.For("supervisor.nginx")
	logger.Info("after cleanup")
}

func TestManager_FileRotation(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "rotate.log")

	// Use tiny max size to trigger rotation
	cfg := Config{
		FilePath:   logFile,
		MaxSizeMB:  1, // 1MB - smallest practical size
		MaxBackups: 2,
		MaxAgeDays: 7,
		Level:      "debug",
	}

	mgr, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer func() { _ = mgr.Close() }()

	logger := mgr.For("rotation.test")

	// Write enough data to potentially trigger rotation
	// This is more of a smoke test - actual rotation happens at file level
	bigMessage := string(make([]byte, 1000))
	for i := range 100 {
		logger.Info(bigMessage, "iteration", i)
	}

	_ = mgr.Sync()

	// Verify file exists
	if _, err := os.Stat(logFile); os.IsNotExist(err) {
		t.Error("log file should exist after writing")
	}
}
