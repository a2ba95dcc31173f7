// Package watchdog implements the shell-alive oracle: a remote shell
// holds an advisory exclusive flock on a per-shell lockfile for its whole
// lifetime; the Manager blocks trying to acquire the same lock, and
// learns the shell is gone the instant it succeeds.
//
// This is a dedicated goroutine that reports a single lock release by
// closing a channel. The Manager waits on that channel in one goroutine
// per binding and then calls UnregisterBinding directly, so the teardown
// runs concurrently with IPC-driven calls and is serialised against them
// only by the Manager's own locks. The
// background-goroutine-with-a-state-change-channel shape is modelled on
// internal/tunnel/monitor.go's ConnMonitor.Run.
package watchdog

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Watchdog blocks acquiring an advisory exclusive lock on a path already
// held by a live shell process, then reports release exactly once on
// Released.
type Watchdog struct {
	log *slog.Logger
	path string

	mu sync.Mutex
	released chan struct{}
	active bool
	fired bool
	closedCh bool
}

// LockPath returns the conventional lockfile path for a shell of the given
// program name and PID: /var/lock/<progname>-<pid>.lock
func LockPath(progname string, pid int) string {
	return fmt.Sprintf("/var/lock/%s-%d.lock", progname, pid)
}

// New opens path read-only and starts a goroutine that blocks until it can
// take the exclusive flock the shell is holding. Failure to open the path
// is fatal to registration.
func New(log *slog.Logger, path string) (*Watchdog, error) {
	if log == nil {
		log = slog.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open lockfile %q: %w", path, err)
	}

	w := &Watchdog{
		log: log,
		path: path,
		released: make(chan struct{}),
		active: true,
	}

	go w.run(f)
	return w, nil
}

func (w *Watchdog) run(f *os.File) {
	defer f.Close()
	// Blocks until the prior holder (the live shell) releases its
	// exclusive lock, i.e. until the shell process exits.
	_ = unix.Flock(int(f.Fd()), unix.LOCK_EX)

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.active || w.closedCh {
		return // Destroy() ran first; a late fire is a no-op.
	}
	w.log.Info("shell-alive lock released", "path", w.path)
	w.fired = true
	w.closedCh = true
	close(w.released)
}

// Released returns a channel that closes exactly once: either because the
// watched shell's lock was released (a real fire, see Fired), or because
// Destroy ran first (a cancelled watch). Callers must check Fired after
// the channel closes to tell the two apart.
func (w *Watchdog) Released() <-chan struct{} {
	return w.released
}

// Fired reports whether Released closed because the lock was actually
// released by the shell, as opposed to Destroy cancelling the watch.
func (w *Watchdog) Fired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

// Destroy disables this watchdog: a lock release observed after Destroy
// has run delivers nothing, so a late-firing watchdog goroutine is a
// no-op. It also closes Released immediately so a goroutine blocked
// waiting on it (e.g. the Manager's watchBinding) does not leak past a
// binding's own teardown.
func (w *Watchdog) Destroy() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active = false
	if !w.closedCh {
		w.closedCh = true
		close(w.released)
	}
}
