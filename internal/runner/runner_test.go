// pattern: Imperative Shell

package runner

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"taskmasterd/internal/descriptor"
)

func testProgram(t *testing.T, cmd string) *descriptor.Program {
	t.Helper()
	p, err := descriptor.New(descriptor.Raw{
		Name:       "t",
		Cmd:        cmd,
		WorkingDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("descriptor.New() error = %v", err)
	}
	return p
}

func TestSpawnAndPollExits(t *testing.T) {
	p := testProgram(t, "/bin/sh -c true")
	r := New(p, 0)

	if err := r.Spawn(); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if r.Pid() == 0 {
		t.Fatal("expected non-zero pid after spawn")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		res := r.Poll()
		if !res.Alive {
			if res.Exited == nil {
				t.Fatal("expected exit status when not alive")
			}
			if res.Exited.Code != 0 {
				t.Errorf("expected exit code 0, got %d", res.Exited.Code)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("child never exited")
}

func TestSpawnNonZeroExit(t *testing.T) {
	p := testProgram(t, "/bin/sh -c 'exit 7'")
	r := New(p, 0)

	if err := r.Spawn(); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		res := r.Poll()
		if !res.Alive {
			if res.Exited.Code != 7 {
				t.Errorf("expected exit code 7, got %d", res.Exited.Code)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("child never exited")
}

func TestTerminateGraceful(t *testing.T) {
	p := testProgram(t, "trap 'exit 0' TERM; sleep 30")
	r := New(p, 0)

	if err := r.Spawn(); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	// Give the shell time to install its trap and start sleep.
	time.Sleep(200 * time.Millisecond)

	status := r.Terminate(syscall.SIGTERM, 2*time.Second)
	if status.Code != 0 {
		t.Errorf("expected graceful exit code 0, got %d", status.Code)
	}
	if r.Pid() != 0 {
		t.Error("expected pid reset to 0 after termination")
	}
}

func TestTerminateEscalatesToKill(t *testing.T) {
	// This child ignores SIGTERM, forcing the grace period to expire and
	// the escalation to SIGKILL.
	p := testProgram(t, "trap '' TERM; sleep 30")
	r := New(p, 0)

	if err := r.Spawn(); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	// Give the shell time to install its trap and start sleep.
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	status := r.Terminate(syscall.SIGTERM, 200*time.Millisecond)
	elapsed := time.Since(start)

	if elapsed < 200*time.Millisecond {
		t.Errorf("expected termination to wait out the grace period, took %v", elapsed)
	}
	if status.Signal != syscall.SIGKILL {
		t.Errorf("expected SIGKILL as the terminating signal, got %v", status.Signal)
	}
}

func TestTerminateAlreadyDeadIsIdempotent(t *testing.T) {
	p := testProgram(t, "/bin/sh -c true")
	r := New(p, 0)

	if err := r.Spawn(); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && r.Poll().Alive {
		time.Sleep(10 * time.Millisecond)
	}

	// Should not block or panic against an already-dead child.
	status := r.Terminate(syscall.SIGTERM, 50*time.Millisecond)
	if status.Code != 0 || status.Signal != 0 {
		t.Errorf("expected zero-value status for already-dead child, got %+v", status)
	}
}

func TestSpawnWritesOutputSink(t *testing.T) {
	dir := t.TempDir()
	stdoutPath := filepath.Join(dir, "out.log")

	p, err := descriptor.New(descriptor.Raw{
		Name:       "t",
		Cmd:        "/bin/sh -c 'echo hello-stdout'",
		WorkingDir: dir,
		Stdout:     stdoutPath,
	})
	if err != nil {
		t.Fatalf("descriptor.New() error = %v", err)
	}

	r := New(p, 0)
	if err := r.Spawn(); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && r.Poll().Alive {
		time.Sleep(10 * time.Millisecond)
	}

	data, err := os.ReadFile(stdoutPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "hello-stdout") {
		t.Errorf("expected sink to contain child output, got %q", data)
	}
}

func TestSpawnSinkSuffixedWhenNumProcsGreaterThanOne(t *testing.T) {
	dir := t.TempDir()
	stdoutPath := filepath.Join(dir, "out.log")
	numProcs := 2

	p, err := descriptor.New(descriptor.Raw{
		Name:       "t",
		Cmd:        "/bin/sh -c 'echo hi'",
		WorkingDir: dir,
		Stdout:     stdoutPath,
		NumProcs:   &numProcs,
	})
	if err != nil {
		t.Fatalf("descriptor.New() error = %v", err)
	}

	r := New(p, 1)
	if err := r.Spawn(); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && r.Poll().Alive {
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := os.Stat(stdoutPath + ".1"); err != nil {
		t.Errorf("expected suffixed sink file to exist: %v", err)
	}
}

func TestSpawnRejectsSecondConcurrentChild(t *testing.T) {
	p := testProgram(t, "/bin/sh -c 'sleep 30'")
	r := New(p, 0)

	if err := r.Spawn(); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	defer r.Terminate(syscall.SIGKILL, time.Second)

	if err := r.Spawn(); err == nil {
		t.Fatal("expected second Spawn() to fail while a child is live")
	}
}

func TestSpawnBadWorkingDirReturnsSpawnError(t *testing.T) {
	p := testProgram(t, "/bin/sh -c true")
	p.WorkingDir = "/no/such/directory/taskmasterd-test"
	r := New(p, 0)

	err := r.Spawn()
	if err == nil {
		t.Fatal("expected Spawn() to fail for a nonexistent working directory")
	}
	if _, ok := err.(*SpawnError); !ok {
		t.Errorf("expected *SpawnError, got %T: %v", err, err)
	}
}
