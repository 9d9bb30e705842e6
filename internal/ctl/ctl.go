// pattern: Imperative Shell

// Package ctl implements the Control CLI: a line-oriented REPL dispatching
// status/start/stop/restart/reload/list/help/quit against a live
// *registry.Registry. It runs in-process against the daemon's own engine
// rather than as a second process talking over a socket — it reads from
// whatever io.Reader the caller hands it (ordinarily the daemon's own
// stdin).
package ctl

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"taskmasterd/internal/registry"
)

// InvalidCommandError reports an unrecognized REPL line.
type InvalidCommandError struct {
	Line string
}

func (e *InvalidCommandError) Error() string {
	return fmt.Sprintf("invalid command: %q", e.Line)
}

const prompt = "taskmasterd> "

// REPL dispatches control commands against reg, writing output to out.
type REPL struct {
	reg *registry.Registry
	out io.Writer
}

// New constructs a REPL bound to reg.
func New(reg *registry.Registry, out io.Writer) *REPL {
	return &REPL{reg: reg, out: out}
}

// Run reads commands from in, one per line, until EOF, "quit", or "exit".
// The daemon keeps running after Run returns — only the control session
// ends.
func (c *REPL) Run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(c.out, prompt)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Fprint(c.out, prompt)
			continue
		}

		quit, err := c.dispatch(line)
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
		fmt.Fprint(c.out, prompt)
	}

	return scanner.Err()
}

// dispatch executes one REPL line. The first return reports whether the
// control session should end.
func (c *REPL) dispatch(line string) (bool, error) {
	fields := strings.Fields(line)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "quit", "exit":
		return true, nil
	case "help":
		c.printHelp()
		return false, nil
	case "list":
		c.printList()
		return false, nil
	case "status":
		return false, c.status(args)
	case "start":
		return false, c.dispatchOne(args, "start", c.reg.StartAll, c.reg.Start)
	case "stop":
		return false, c.dispatchOne(args, "stop", c.reg.StopAll, c.reg.Stop)
	case "restart":
		return false, c.dispatchOne(args, "restart", restartAll(c.reg), c.reg.Restart)
	case "reload":
		return false, c.reload()
	default:
		return false, &InvalidCommandError{Line: line}
	}
}

func restartAll(reg *registry.Registry) func() error {
	return func() error {
		if err := reg.StopAll(); err != nil {
			return err
		}
		return reg.StartAll()
	}
}

// dispatchOne implements the common "NAME | all" shape shared by
// start/stop/restart.
func (c *REPL) dispatchOne(args []string, verb string, all func() error, one func(string) (registry.Snapshot, error)) error {
	if len(args) != 1 {
		return &InvalidCommandError{Line: verb + " " + strings.Join(args, " ")}
	}
	if args[0] == "all" {
		if err := all(); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s all: ok\n", verb)
		return nil
	}
	snap, err := one(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s %s: %s\n", verb, args[0], snap.State)
	return nil
}

func (c *REPL) status(args []string) error {
	if len(args) == 0 {
		c.printStatusTable(c.reg.StatusAll())
		return nil
	}
	if len(args) != 1 {
		return &InvalidCommandError{Line: "status " + strings.Join(args, " ")}
	}
	snap, err := c.reg.Status(args[0])
	if err != nil {
		return err
	}
	c.printStatusTable([]registry.Snapshot{snap})
	return nil
}

func (c *REPL) reload() error {
	result, err := c.reg.Reload()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "reload: added=%v removed=%v changed=%v unchanged=%v\n",
		result.Added, result.Removed, result.Changed, result.Unchanged)
	return nil
}

func (c *REPL) printList() {
	for _, name := range c.reg.Names() {
		fmt.Fprintln(c.out, name)
	}
}

func (c *REPL) printStatusTable(snaps []registry.Snapshot) {
	for _, s := range snaps {
		fmt.Fprintf(c.out, "%-20s %-10s", s.Name, s.State)
		for _, inst := range s.Instances {
			fmt.Fprintf(c.out, " pid=%d uptime=%s", inst.Pid, inst.Uptime.Round(1e9))
		}
		fmt.Fprintf(c.out, " failed_starts=%d\n", s.FailedStarts)
	}
}

func (c *REPL) printHelp() {
	fmt.Fprint(c.out, `commands:
  status            list every program's status
  status NAME       one program's status
  start NAME|all    start a program, or every program
  stop NAME|all     stop a program, or every program
  restart NAME|all  restart a program, or every program
  reload            re-read the config file and diff-apply it
  list              enumerate configured program names
  help              this text
  quit, exit        end this control session (the daemon keeps running)
`)
}
