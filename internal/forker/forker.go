// Package forker implements the forker side of the control channel from
// spec §4.4/§6: it receives "spawn <N>" requests over forkerctl and execs
// new worker processes, each pointed at the core's child-registration
// WebSocket endpoint with a unique jail id.
//
// Everything downstream of the exec call — capability drops, chroot, and
// staging sysTemplate/loTemplate into the jail — is the sandboxed worker
// binary's own responsibility (spec.md §6 frames the forker itself as an
// external collaborator); this package only decides when and with what
// arguments to launch it, grounded on internal/procutil for the exec.Cmd
// attribute handling spec.md §4.4's grounding note calls out explicitly.
package forker

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"

	"coolwsd/internal/procutil"
)

// Options configures the forker supervisor.
type Options struct {
	// WorkerBinary is the path to the sandboxed worker executable.
	WorkerBinary string
	// WorkerArgs are extra arguments appended after the standard
	// --child-url/--jail-id/--jail-root flags, e.g. LibreOffice-specific
	// flags that never vary between spawns.
	WorkerArgs []string
	// ChildURL is the core's child-registration WebSocket endpoint, e.g.
	// "ws://127.0.0.1:9980/child".
	ChildURL string
	// JailRoot is the parent directory workers stage their sandboxes
	// under (spec §6's child_root_path).
	JailRoot string
}

// Supervisor owns the set of live worker processes launched by this forker
// and implements forkerctl.Handler.
type Supervisor struct {
	opts   Options
	nextID int64

	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// New constructs a Supervisor. It does not launch anything until a spawn
// request arrives over the control channel.
func New(opts Options) *Supervisor {
	return &Supervisor{opts: opts, procs: make(map[int]*exec.Cmd)}
}

// HandleSpawn implements forkerctl.Handler. A spawn request is best effort,
// not a transaction: one failed exec is logged and the rest of the batch
// still proceeds (spec §4.4).
func (s *Supervisor) HandleSpawn(n int) {
	for i := 0; i < n; i++ {
		if err := s.spawnOne(); err != nil {
			slog.Error("[FORKER] failed to spawn worker", "error", err)
		}
	}
}

func (s *Supervisor) spawnOne() error {
	jailID := strconv.FormatInt(atomic.AddInt64(&s.nextID, 1), 10)
	args := append([]string{
		"--child-url", s.opts.ChildURL,
		"--jail-id", jailID,
		"--jail-root", s.opts.JailRoot,
	}, s.opts.WorkerArgs...)

	cmd := exec.Command(s.opts.WorkerBinary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	procutil.HideWindow(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("forker: start worker %s: %w", s.opts.WorkerBinary, err)
	}

	pid := cmd.Process.Pid
	s.mu.Lock()
	s.procs[pid] = cmd
	s.mu.Unlock()
	slog.Info("[FORKER] spawned worker", "pid", pid, "jailId", jailID)

	go s.reap(cmd)
	return nil
}

func (s *Supervisor) reap(cmd *exec.Cmd) {
	err := cmd.Wait()
	pid := cmd.Process.Pid
	s.mu.Lock()
	delete(s.procs, pid)
	s.mu.Unlock()
	if err != nil {
		slog.Info("[FORKER] worker process exited", "pid", pid, "error", err)
		return
	}
	slog.Info("[FORKER] worker process exited", "pid", pid)
}

// Count reports the number of worker processes currently tracked as live,
// for tests and diagnostics.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Shutdown kills every worker process this forker launched. The core's eof
// sentinel (forkerctl.Handler's peer closing the connection) tells the
// forker to stop accepting spawn requests; Shutdown makes sure a restart
// does not orphan whatever children are still running.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	procs := make([]*exec.Cmd, 0, len(s.procs))
	for _, cmd := range s.procs {
		procs = append(procs, cmd)
	}
	s.mu.Unlock()

	for _, cmd := range procs {
		if cmd.Process == nil {
			continue
		}
		if err := cmd.Process.Kill(); err != nil {
			slog.Warn("[FORKER] failed to kill worker on shutdown", "pid", cmd.Process.Pid, "error", err)
		}
	}
}
