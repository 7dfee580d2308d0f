// Package procctl starts and stops the bare-metal and Docker-backed
// processes named in a config.ProcessDef, and guarantees every process it
// started gets a shutdown attempt even when a scenario run fails partway
// through.
package procctl

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/google/shlex"
	"github.com/ja7ad/cardamon/pkg/cardamonlog"
	"github.com/ja7ad/cardamon/pkg/config"
)

// SpawnError wraps a failure to start a managed process.
type SpawnError struct {
	Process string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("procctl: spawn %q: %v", e.Process, e.Err)
}
func (e *SpawnError) Unwrap() error { return e.Err }

// ShutdownError wraps a failure to stop a managed process. Shutdown is
// best-effort: a ShutdownError for one process never stops the controller
// from attempting the rest.
type ShutdownError struct {
	Process string
	Err     error
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("procctl: shutdown %q: %v", e.Process, e.Err)
}
func (e *ShutdownError) Unwrap() error { return e.Err }

// Handle is a process cardamon started itself, tracked so it can be torn
// down later.
type Handle struct {
	Def *config.ProcessDef
	Pid int

	cmd      *exec.Cmd
	stdout   *os.File
	stderr   *os.File
}

// Controller spawns and shuts down config-defined processes.
type Controller struct{}

// New returns a ready-to-use Controller.
func New() *Controller { return &Controller{} }

// Spawn starts def.Up detached (its own process group, so cardamon exiting
// doesn't take the child down by signal propagation) and returns a Handle
// carrying the OS-assigned pid.
func (c *Controller) Spawn(def *config.ProcessDef) (*Handle, error) {
	parts, err := shlex.Split(def.Up)
	if err != nil || len(parts) == 0 {
		return nil, &SpawnError{Process: def.Name, Err: fmt.Errorf("invalid up command %q", def.Up)}
	}

	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	h := &Handle{Def: def, cmd: cmd}

	switch def.Redirect {
	case config.RedirectParent:
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	case config.RedirectNull:
		cmd.Stdout = nil
		cmd.Stderr = nil
	default: // RedirectFile, and the zero value: every spawned process
		// appends to the same two working-directory files, matching the
		// original implementation's Redirect::File handling.
		if f, err := os.OpenFile("./.stdout", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			h.stdout = f
			cmd.Stdout = f
		}
		if f, err := os.OpenFile("./.stderr", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			h.stderr = f
			cmd.Stderr = f
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Process: def.Name, Err: err}
	}
	h.Pid = cmd.Process.Pid
	cardamonlog.WithComponent("procctl").Info().Str("process", def.Name).Int("pid", h.Pid).Msg("process started")
	return h, nil
}

// Shutdown runs def.Down (with {pid} substituted), or falls back to
// signaling the process group directly when no down command is set.
func (c *Controller) Shutdown(h *Handle) error {
	log := cardamonlog.WithComponent("procctl")
	defer func() {
		if h.stdout != nil {
			_ = h.stdout.Close()
		}
		if h.stderr != nil {
			_ = h.stderr.Close()
		}
	}()

	if h.Def.Down == "" {
		if err := syscall.Kill(-h.Pid, syscall.SIGTERM); err != nil {
			return &ShutdownError{Process: h.Def.Name, Err: err}
		}
		log.Info().Str("process", h.Def.Name).Msg("process stopped (signal)")
		return nil
	}

	down := strings.ReplaceAll(h.Def.Down, "{pid}", strconv.Itoa(h.Pid))
	parts, err := shlex.Split(down)
	if err != nil || len(parts) == 0 {
		return &ShutdownError{Process: h.Def.Name, Err: fmt.Errorf("invalid down command %q", down)}
	}
	cmd := exec.Command(parts[0], parts[1:]...)
	if err := cmd.Run(); err != nil {
		return &ShutdownError{Process: h.Def.Name, Err: err}
	}
	log.Info().Str("process", h.Def.Name).Msg("process stopped (down command)")
	return nil
}

// Guard collects handles as they're spawned and shuts every one of them
// down exactly once, regardless of how the caller exits — it's meant to sit
// behind a defer in the scenario/live driver so a mid-run panic or error
// still tears down every process it started.
type Guard struct {
	ctl     *Controller
	mu      sync.Mutex
	handles []*Handle
}

// NewGuard returns a Guard bound to ctl.
func NewGuard(ctl *Controller) *Guard {
	return &Guard{ctl: ctl}
}

// Track registers a handle for later shutdown.
func (g *Guard) Track(h *Handle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handles = append(g.handles, h)
}

// Handles returns a snapshot of the handles tracked so far, in spawn
// order — used by the driver to resolve the observation target set after
// spawning, without taking ownership away from the guard's own shutdown
// bookkeeping.
func (g *Guard) Handles() []*Handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Handle, len(g.handles))
	copy(out, g.handles)
	return out
}

// ShutdownAll attempts to stop every tracked handle, collecting but not
// aborting on individual failures. Intended to be deferred.
func (g *Guard) ShutdownAll() []error {
	g.mu.Lock()
	handles := g.handles
	g.handles = nil
	g.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := g.ctl.Shutdown(h); err != nil {
			cardamonlog.WithComponent("procctl").Warn().Err(err).Str("process", h.Def.Name).Msg("shutdown failed")
			errs = append(errs, err)
		}
	}
	return errs
}
