// pattern: Imperative Shell
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	flag "github.com/spf13/pflag"

	"taskmasterd/internal/config"
	"taskmasterd/internal/ctl"
	"taskmasterd/internal/lock"
	"taskmasterd/internal/logging"
	"taskmasterd/internal/registry"
)

// Exit codes returned by run().
const (
	exitClean      = 0
	exitBadConfig  = 2
	exitUnexpected = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.StringP("config", "c", "", "program descriptor file (required)")
	verbose := flag.BoolP("verbose", "v", false, "run the in-process control REPL on stdin")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "taskmasterd: -c CONFIG is required")
		return exitBadConfig
	}

	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskmasterd: failed to load settings: %v\n", err)
		return exitBadConfig
	}

	if err := os.MkdirAll(settings.DataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "taskmasterd: failed to create data dir: %v\n", err)
		return exitUnexpected
	}

	fl, err := lock.Acquire(settings.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskmasterd: %v\n", err)
		return exitUnexpected
	}
	defer lock.Release(fl)

	logMgr, err := logging.NewManager(logging.Config{
		FilePath:   settings.LogFile,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 28,
		Level:      settings.LogLevel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskmasterd: failed to open log file: %v\n", err)
		return exitUnexpected
	}
	defer func() { _ = logMgr.Close() }()

	daemonLog := logMgr.For("registry")

	reg := registry.New(daemonLog, func(name string) *logging.ScopedLogger {
		return logMgr.For("supervisor." + name)
	}, settings.TickInterval)
	reg.OnRemove(func(name string) { logMgr.Cleanup("supervisor." + name) })

	absConfigPath, err := filepath.Abs(*configPath)
	if err != nil {
		absConfigPath = *configPath
	}

	if _, err := reg.Load(absConfigPath); err != nil {
		fmt.Fprintf(os.Stderr, "taskmasterd: invalid configuration: %v\n", err)
		return exitBadConfig
	}

	if err := reg.StartAll(); err != nil {
		daemonLog.Error("start_all failed", "error", err)
	}

	reg.ListenForSignals()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	if settings.WatchConfig {
		if err := reg.EnableConfigWatch(absConfigPath); err != nil {
			daemonLog.Warn("config watch disabled", "error", err)
		}
	}

	if *verbose || isTTY(os.Stdin) {
		repl := ctl.New(reg, os.Stdout)
		if err := repl.Run(os.Stdin); err != nil {
			daemonLog.Warn("control session ended with an error", "error", err)
		}
	}

	// Ending the control session (or running headless) leaves the daemon
	// supervising until SIGINT or SIGTERM.
	<-stop
	reg.Shutdown()
	return exitClean
}

func isTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
