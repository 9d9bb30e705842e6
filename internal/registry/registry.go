// pattern: Imperative Shell

// Package registry implements the Supervisor Registry: the daemon's
// top-level name→supervisor map, its load/reload diff algorithm, broadcast
// start_all/stop_all, per-name dispatch, and top-level signal handling.
package registry

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"taskmasterd/internal/config"
	"taskmasterd/internal/descriptor"
	"taskmasterd/internal/logging"
	"taskmasterd/internal/supervisor"
)

// UnknownProgramError reports that the caller addressed a program name not
// present in the registry.
type UnknownProgramError struct {
	Name string
}

func (e *UnknownProgramError) Error() string {
	return fmt.Sprintf("registry: unknown program %q", e.Name)
}

// ErrClosed is returned by every operation once Shutdown has completed.
var ErrClosed = fmt.Errorf("registry: closed")

// Snapshot is a per-program status entry, reusing the Program Supervisor's
// own snapshot type.
type Snapshot = supervisor.Snapshot

// LoadResult reports how load/reload classified the programs named in a
// descriptor file.
type LoadResult struct {
	Added     []string
	Removed   []string
	Changed   []string
	Unchanged []string
}

type cmdKind int

const (
	cmdLoad cmdKind = iota
	cmdReload
	cmdStartAll
	cmdStopAll
	cmdStart
	cmdStop
	cmdRestart
	cmdStatusAll
	cmdStatusOne
	cmdShutdown
)

type command struct {
	kind  cmdKind
	name  string
	path  string
	reply chan response
}

type response struct {
	result LoadResult
	snap   Snapshot
	snaps  []Snapshot
	err    error
}

// LoggerFor builds a scoped logger for a supervisor given its program name.
type LoggerFor func(name string) *logging.ScopedLogger

// Registry owns every Program Supervisor in the daemon. All mutable state
// below this point is touched only by the goroutine started in New —
// exactly as with Supervisor, every public method communicates with it
// through the mailbox, so the registry runs as its own coordinator task.
type Registry struct {
	logger    *logging.ScopedLogger
	loggerFor LoggerFor
	onRemove  func(name string)
	tick      time.Duration

	mailbox  chan command
	exitedCh chan struct{}

	reloadTrigger chan struct{}
	sigCh         chan os.Signal
	watcher       *fsnotify.Watcher

	// Touched only by the coordinator goroutine.
	names       []string
	supervisors map[string]*supervisor.Supervisor
	descriptors map[string]*descriptor.Program
	configPath  string
}

// New constructs an empty Registry and starts its coordinator goroutine.
// Call Load to populate it before starting anything.
func New(logger *logging.ScopedLogger, loggerFor LoggerFor, tickInterval time.Duration) *Registry {
	r := &Registry{
		logger:        logger,
		loggerFor:     loggerFor,
		tick:          tickInterval,
		mailbox:       make(chan command),
		exitedCh:      make(chan struct{}),
		reloadTrigger: make(chan struct{}, 1),
		supervisors:   make(map[string]*supervisor.Supervisor),
		descriptors:   make(map[string]*descriptor.Program),
	}
	go r.run()
	return r
}

// OnRemove registers a callback invoked with a program's name whenever
// reload drops it from the registry, so callers can release any
// per-program resource keyed by name (e.g. cached loggers).
func (r *Registry) OnRemove(fn func(name string)) {
	r.onRemove = fn
}

func (r *Registry) run() {
	for {
		select {
		case cmd := <-r.mailbox:
			resp := r.handle(cmd)
			cmd.reply <- resp
			if cmd.kind == cmdShutdown {
				close(r.exitedCh)
				return
			}
		case sig := <-r.sigCh:
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				r.doShutdown()
				close(r.exitedCh)
				return
			case syscall.SIGHUP:
				if _, err := r.doLoad(r.configPath); err != nil && r.logger != nil {
					r.logger.Warn("reload via SIGHUP failed", "error", err)
				}
			}
		case <-r.reloadTrigger:
			if _, err := r.doLoad(r.configPath); err != nil && r.logger != nil {
				r.logger.Warn("reload via config watch failed", "error", err)
			}
		}
	}
}

func (r *Registry) send(cmd command) response {
	select {
	case r.mailbox <- cmd:
		return <-cmd.reply
	case <-r.exitedCh:
		return response{err: ErrClosed}
	}
}

func (r *Registry) handle(cmd command) response {
	switch cmd.kind {
	case cmdLoad:
		result, err := r.doLoad(cmd.path)
		return response{result: result, err: err}
	case cmdReload:
		result, err := r.doLoad(r.configPath)
		return response{result: result, err: err}
	case cmdStartAll:
		r.doStartAll()
		return response{}
	case cmdStopAll:
		r.doStopAll()
		return response{}
	case cmdStart:
		sv, ok := r.supervisors[cmd.name]
		if !ok {
			return response{err: &UnknownProgramError{Name: cmd.name}}
		}
		return response{snap: sv.Start()}
	case cmdStop:
		sv, ok := r.supervisors[cmd.name]
		if !ok {
			return response{err: &UnknownProgramError{Name: cmd.name}}
		}
		return response{snap: sv.Stop()}
	case cmdRestart:
		sv, ok := r.supervisors[cmd.name]
		if !ok {
			return response{err: &UnknownProgramError{Name: cmd.name}}
		}
		return response{snap: sv.Restart()}
	case cmdStatusOne:
		sv, ok := r.supervisors[cmd.name]
		if !ok {
			return response{err: &UnknownProgramError{Name: cmd.name}}
		}
		return response{snap: sv.Status()}
	case cmdStatusAll:
		return response{snaps: r.doStatusAll()}
	case cmdShutdown:
		r.doShutdown()
		return response{}
	}
	return response{}
}

// Load reads the program descriptor file at path and diffs it against the
// registry's current contents. The first call is a plain load; subsequent
// calls are reloads.
func (r *Registry) Load(path string) (LoadResult, error) {
	resp := r.send(command{kind: cmdLoad, path: path, reply: make(chan response, 1)})
	return resp.result, resp.err
}

// Reload re-reads the descriptor file at the path given to the most
// recent Load call and diff-applies it. The `reload` control command and
// the SIGHUP handler both converge here.
func (r *Registry) Reload() (LoadResult, error) {
	resp := r.send(command{kind: cmdReload, reply: make(chan response, 1)})
	return resp.result, resp.err
}

// Names returns every registered program name in insertion order.
func (r *Registry) Names() []string {
	resp := r.send(command{kind: cmdStatusAll, reply: make(chan response, 1)})
	names := make([]string, 0, len(resp.snaps))
	for _, snap := range resp.snaps {
		names = append(names, snap.Name)
	}
	return names
}

// StartAll broadcasts start to every registered program.
func (r *Registry) StartAll() error {
	resp := r.send(command{kind: cmdStartAll, reply: make(chan response, 1)})
	return resp.err
}

// StopAll broadcasts stop to every registered program and returns only
// once every supervisor has reached STOPPED.
func (r *Registry) StopAll() error {
	resp := r.send(command{kind: cmdStopAll, reply: make(chan response, 1)})
	return resp.err
}

// Start dispatches start to the named program.
func (r *Registry) Start(name string) (Snapshot, error) {
	resp := r.send(command{kind: cmdStart, name: name, reply: make(chan response, 1)})
	return resp.snap, resp.err
}

// Stop dispatches stop to the named program.
func (r *Registry) Stop(name string) (Snapshot, error) {
	resp := r.send(command{kind: cmdStop, name: name, reply: make(chan response, 1)})
	return resp.snap, resp.err
}

// Restart dispatches restart to the named program.
func (r *Registry) Restart(name string) (Snapshot, error) {
	resp := r.send(command{kind: cmdRestart, name: name, reply: make(chan response, 1)})
	return resp.snap, resp.err
}

// Status returns a snapshot for the named program.
func (r *Registry) Status(name string) (Snapshot, error) {
	resp := r.send(command{kind: cmdStatusOne, name: name, reply: make(chan response, 1)})
	return resp.snap, resp.err
}

// StatusAll returns a snapshot of every registered program, concatenated
// in insertion order.
func (r *Registry) StatusAll() []Snapshot {
	resp := r.send(command{kind: cmdStatusAll, reply: make(chan response, 1)})
	return resp.snaps
}

// Shutdown stops every program and tears down the registry. Rejects
// further commands afterward.
func (r *Registry) Shutdown() {
	r.send(command{kind: cmdShutdown, reply: make(chan response, 1)})
	<-r.exitedCh
	if r.watcher != nil {
		_ = r.watcher.Close()
	}
}

// ListenForSignals installs SIGINT/SIGTERM (shutdown) and SIGHUP (reload)
// handlers. The OS-level handler does no work beyond delivering the
// signal onto the channel signal.Notify manages for us; all real handling
// happens inside run(), on the coordinator goroutine.
func (r *Registry) ListenForSignals() {
	r.sigCh = make(chan os.Signal, 8)
	signal.Notify(r.sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
}

// EnableConfigWatch watches path for changes and triggers the same
// reload() path as SIGHUP when it changes — a convenience trigger, never
// a replacement for SIGHUP.
func (r *Registry) EnableConfigWatch(path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return err
	}
	r.watcher = w
	target := filepath.Clean(path)

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				select {
				case r.reloadTrigger <- struct{}{}:
				default:
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			case <-r.exitedCh:
				return
			}
		}
	}()

	return nil
}

func (r *Registry) doLoad(path string) (LoadResult, error) {
	newDescs, err := config.LoadPrograms(path)
	if err != nil {
		// A load error leaves the registry's prior state intact.
		return LoadResult{}, err
	}

	var result LoadResult

	for _, name := range r.names {
		if _, ok := newDescs[name]; !ok {
			r.supervisors[name].Stop()
			r.supervisors[name].Shutdown()
			delete(r.supervisors, name)
			delete(r.descriptors, name)
			if r.onRemove != nil {
				r.onRemove(name)
			}
			result.Removed = append(result.Removed, name)
		}
	}

	kept := r.names[:0:0]
	for _, name := range r.names {
		if _, ok := newDescs[name]; ok {
			kept = append(kept, name)
		}
	}
	r.names = kept

	for _, name := range r.names {
		oldDesc := r.descriptors[name]
		newDesc := newDescs[name]
		if oldDesc.Equal(newDesc) {
			result.Unchanged = append(result.Unchanged, name)
			continue
		}
		r.supervisors[name].Stop()
		r.supervisors[name].Shutdown()
		sv := supervisor.New(newDesc, r.scopedLogger(name), r.tick)
		r.supervisors[name] = sv
		r.descriptors[name] = newDesc
		if newDesc.AutoStart {
			sv.Start()
		}
		result.Changed = append(result.Changed, name)
	}

	var added []string
	for name := range newDescs {
		if _, ok := r.descriptors[name]; !ok {
			added = append(added, name)
		}
	}
	sort.Strings(added)

	for _, name := range added {
		newDesc := newDescs[name]
		sv := supervisor.New(newDesc, r.scopedLogger(name), r.tick)
		r.supervisors[name] = sv
		r.descriptors[name] = newDesc
		r.names = append(r.names, name)
		if newDesc.AutoStart {
			sv.Start()
		}
		result.Added = append(result.Added, name)
	}

	r.configPath = path
	return result, nil
}

func (r *Registry) scopedLogger(name string) *logging.ScopedLogger {
	if r.loggerFor == nil {
		return logging.NopLogger()
	}
	return r.loggerFor(name)
}

func (r *Registry) doStartAll() {
	for _, name := range r.names {
		r.supervisors[name].Start()
	}
}

func (r *Registry) doStopAll() {
	var wg sync.WaitGroup
	for _, name := range r.names {
		sv := r.supervisors[name]
		wg.Add(1)
		go func(sv *supervisor.Supervisor) {
			defer wg.Done()
			sv.Stop()
		}(sv)
	}
	wg.Wait()
}

func (r *Registry) doStatusAll() []Snapshot {
	snaps := make([]Snapshot, 0, len(r.names))
	for _, name := range r.names {
		snaps = append(snaps, r.supervisors[name].Status())
	}
	return snaps
}

func (r *Registry) doShutdown() {
	r.doStopAll()
	for _, name := range r.names {
		r.supervisors[name].Shutdown()
	}
}
