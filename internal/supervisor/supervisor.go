// pattern: Imperative Shell

package supervisor

import (
	"sync"
	"time"

	"taskmasterd/internal/descriptor"
	"taskmasterd/internal/logging"
	"taskmasterd/internal/runner"
)

// instanceSlot tracks one live instance within the current generation.
type instanceSlot struct {
	runner    *runner.Runner
	startedAt time.Time
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdRestart
	cmdStatus
	cmdShutdown
)

type command struct {
	kind  cmdKind
	reply chan Snapshot
}

// Supervisor is the in-process owner of one program's state machine and
// its instances. All mutable state below this point is touched only by
// the goroutine started in New — every public method communicates with it
// exclusively through the mailbox channel, so exactly one mutator ever
// touches a given program's runtime state at a time.
type Supervisor struct {
	program *descriptor.Program
	logger  *logging.ScopedLogger

	mailbox  chan command
	exitedCh chan struct{}

	// Touched only by the monitor goroutine.
	state             State
	instances         []*instanceSlot
	failedStarts      int
	generationStarted time.Time
	backoffUntil      time.Time
	lastTransition    time.Time
}

// New constructs a Supervisor for program and starts its monitor
// goroutine. The supervisor begins STOPPED; callers decide whether to
// Start it immediately (the Registry does this for autostart programs).
func New(program *descriptor.Program, logger *logging.ScopedLogger, tickInterval time.Duration) *Supervisor {
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	s := &Supervisor{
		program:        program,
		logger:         logger,
		mailbox:        make(chan command),
		exitedCh:       make(chan struct{}),
		state:          Stopped,
		lastTransition: time.Now(),
	}
	go s.run(tickInterval)
	return s
}

// Program returns the descriptor this supervisor was constructed from.
func (s *Supervisor) Program() *descriptor.Program { return s.program }

func (s *Supervisor) run(tickInterval time.Duration) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-s.mailbox:
			s.handle(cmd)
			if cmd.kind == cmdShutdown {
				close(s.exitedCh)
				return
			}
		case <-ticker.C:
			s.onTick()
		}
	}
}

func (s *Supervisor) handle(cmd command) {
	switch cmd.kind {
	case cmdStart:
		s.doStart()
	case cmdStop:
		s.doStop()
	case cmdRestart:
		s.doStop()
		s.doStart()
	case cmdStatus:
		// no-op: snapshot taken below regardless
	case cmdShutdown:
		s.doStop()
	}
	cmd.reply <- s.snapshot()
	close(cmd.reply)
}

// send delivers a command to the monitor goroutine and waits for its
// resulting snapshot. Safe to call concurrently from multiple callers —
// the mailbox itself serializes delivery.
func (s *Supervisor) send(kind cmdKind) Snapshot {
	reply := make(chan Snapshot, 1)
	s.mailbox <- command{kind: kind, reply: reply}
	return <-reply
}

// Start spawns numprocs instances and enters STARTING.
// Idempotent from RUNNING/STARTING/STOPPING.
func (s *Supervisor) Start() Snapshot { return s.send(cmdStart) }

// Stop terminates every live instance with stopsignal/stoptime and
// returns once STOPPED. Idempotent from quiescent states.
func (s *Supervisor) Stop() Snapshot { return s.send(cmdStop) }

// Restart performs stop() then start() as a single mailbox operation, so
// the replacement generation never overlaps the prior one.
func (s *Supervisor) Restart() Snapshot { return s.send(cmdRestart) }

// Status returns a snapshot without ever blocking on the supervised
// child.
func (s *Supervisor) Status() Snapshot { return s.send(cmdStatus) }

// Shutdown stops the program (if live) and terminates the monitor
// goroutine. The Supervisor must not be used afterward.
func (s *Supervisor) Shutdown() {
	reply := make(chan Snapshot, 1)
	s.mailbox <- command{kind: cmdShutdown, reply: reply}
	<-reply
	<-s.exitedCh
}

func (s *Supervisor) doStart() {
	if s.state.live() && s.state != Backoff {
		return // RUNNING/STARTING/STOPPING: idempotent no-op
	}
	s.failedStarts = 0
	s.spawnGeneration()
}

// spawnGeneration spawns a fresh numprocs-wide generation of instances.
// On any single spawn failure, every sibling already spawned in this
// attempt is torn down — a generation is all-or-nothing — and the
// failure is recorded as a failed start.
func (s *Supervisor) spawnGeneration() {
	now := time.Now()
	instances := make([]*instanceSlot, s.program.NumProcs)

	for i := 0; i < s.program.NumProcs; i++ {
		r := runner.New(s.program, i)
		if err := r.Spawn(); err != nil {
			if s.logger != nil {
				s.logger.Warn("spawn failed", "program", s.program.Name, "index", i, "error", err)
			}
			for j := 0; j < i; j++ {
				instances[j].runner.Terminate(s.program.StopSignal, s.stopGrace())
			}
			s.instances = nil
			s.registerFailedStart()
			return
		}
		instances[i] = &instanceSlot{runner: r, startedAt: now}
	}

	s.instances = instances
	s.generationStarted = now
	s.state = Starting
	s.lastTransition = now
}

func (s *Supervisor) stopGrace() time.Duration {
	return time.Duration(s.program.StopTime) * time.Second
}

func (s *Supervisor) startGrace() time.Duration {
	return time.Duration(s.program.StartTime) * time.Second
}

// registerFailedStart accounts a failed start against the retry budget —
// the counter never exceeds startretries+1, at which point the state
// becomes FATAL — and schedules a backoff/retry otherwise.
func (s *Supervisor) registerFailedStart() {
	s.failedStarts++
	now := time.Now()
	if s.failedStarts > s.program.StartRetries {
		s.state = Fatal
		s.lastTransition = now
		return
	}
	s.state = Backoff
	s.backoffUntil = now.Add(s.startGrace())
	s.lastTransition = now
}

func (s *Supervisor) doStop() {
	if !s.state.live() {
		return // STOPPED/EXITED/FATAL: idempotent no-op
	}
	s.state = Stopping
	s.lastTransition = time.Now()
	s.terminateAll()
	s.instances = nil
	s.state = Stopped
	s.lastTransition = time.Now()
}

func (s *Supervisor) terminateAll() {
	var wg sync.WaitGroup
	grace := s.stopGrace()
	for _, inst := range s.instances {
		if inst == nil || inst.runner.Pid() == 0 {
			continue
		}
		wg.Add(1)
		go func(r *runner.Runner) {
			defer wg.Done()
			r.Terminate(s.program.StopSignal, grace)
		}(inst.runner)
	}
	wg.Wait()
}

func (s *Supervisor) onTick() {
	switch s.state {
	case Starting, Running:
		s.pollInstances()
	case Backoff:
		if !s.backoffUntil.After(time.Now()) {
			s.spawnGeneration()
		}
	}
}

// pollInstances checks every instance for exit without blocking. While
// STARTING, any single exit fails the whole generation (a generation is
// all-or-nothing until it has proven itself for starttime), unless
// autorestart is never. While RUNNING, each exit is handled against its
// own slot: an exit that is not respawned leaves siblings running and
// moves the program to EXITED only when it was the last live instance; an
// exit that is respawned moves the program back to STARTING (or, for a
// fast failure, tears the generation down into BACKOFF). If every instance is
// still alive and the program is STARTING, promotion to RUNNING is
// evaluated once starttime has elapsed uniformly.
func (s *Supervisor) pollInstances() {
	for i, inst := range s.instances {
		if inst == nil {
			continue
		}
		res := inst.runner.Poll()
		if res.Alive {
			continue
		}
		if s.state == Starting {
			s.handleStartExit(i, res.Exited)
			return
		}
		s.handleRunningExit(i, res.Exited)
		if s.state != Running {
			return
		}
	}

	if s.state == Starting && time.Since(s.generationStarted) >= s.startGrace() {
		s.state = Running
		s.failedStarts = 0
		s.lastTransition = time.Now()
	}
}

// handleStartExit tears down the whole generation when one instance dies
// before the generation has proven itself — the decision table's
// STARTING → BACKOFF edge applies regardless of exitcodes. Under
// autorestart=never nothing is respawned and no failed start is counted:
// the exited slot is dropped, siblings keep running, and the program is
// EXITED once no instance is left.
func (s *Supervisor) handleStartExit(index int, status *runner.ExitStatus) {
	if s.program.AutoRestart == descriptor.Never {
		s.instances[index] = nil
		if !s.anyLive() {
			s.state = Exited
			s.lastTransition = time.Now()
		}
		return
	}
	s.terminateSiblings(index)
	s.instances = nil
	s.registerFailedStart()
}

// handleRunningExit applies the restart-decision table to the single
// instance at index that just exited with status. Without a respawn,
// siblings are left running and the program only transitions (to EXITED)
// once this was the last live instance. With a respawn, the program
// re-enters STARTING, or BACKOFF with every sibling torn down when the
// exit came before starttime or the respawn failed.
func (s *Supervisor) handleRunningExit(index int, status *runner.ExitStatus) {
	expected := s.program.ExpectedExit(status.Code)

	respawn := false
	switch s.program.AutoRestart {
	case descriptor.Always:
		respawn = true
	case descriptor.Never:
		respawn = false
	case descriptor.Unexpected:
		respawn = !expected
	}

	s.instances[index] = nil

	if respawn {
		if status.Elapsed < s.startGrace() {
			// This instance failed fast; the whole program backs off
			// together, same as a fresh generation failing to start.
			s.terminateSiblings(index)
			s.instances = nil
			s.registerFailedStart()
			return
		}

		r := runner.New(s.program, index)
		if err := r.Spawn(); err != nil {
			if s.logger != nil {
				s.logger.Warn("respawn failed", "program", s.program.Name, "index", index, "error", err)
			}
			s.terminateSiblings(index)
			s.instances = nil
			s.registerFailedStart()
			return
		}

		// A replacement was spawned for a stable (uptime ≥ starttime)
		// exit: the whole program re-enters STARTING to prove the
		// replacement out, but the failed-start counter does not move.
		now := time.Now()
		s.instances[index] = &instanceSlot{runner: r, startedAt: now}
		s.state = Starting
		s.generationStarted = now
		s.lastTransition = now
		return
	}

	if s.anyLive() {
		return // siblings remain; stay RUNNING
	}
	s.state = Exited
	s.lastTransition = time.Now()
}

// terminateSiblings sends stopsignal to every live instance other than
// except, waiting up to stoptime each.
func (s *Supervisor) terminateSiblings(except int) {
	for i, inst := range s.instances {
		if i == except || inst == nil || inst.runner.Pid() == 0 {
			continue
		}
		inst.runner.Terminate(s.program.StopSignal, s.stopGrace())
	}
}

// anyLive reports whether any instance slot is still occupied.
func (s *Supervisor) anyLive() bool {
	for _, inst := range s.instances {
		if inst != nil {
			return true
		}
	}
	return false
}

func (s *Supervisor) snapshot() Snapshot {
	instances := make([]InstanceSnapshot, 0, len(s.instances))
	for i, inst := range s.instances {
		if inst == nil {
			continue
		}
		pid := inst.runner.Pid()
		var uptime time.Duration
		if pid != 0 {
			uptime = time.Since(inst.startedAt)
		}
		instances = append(instances, InstanceSnapshot{Index: i, Pid: pid, Uptime: uptime})
	}
	return Snapshot{
		Name:           s.program.Name,
		State:          s.state,
		Instances:      instances,
		FailedStarts:   s.failedStarts,
		LastTransition: s.lastTransition,
	}
}
