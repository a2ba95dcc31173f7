// Package supervisor owns the lifecycle of exactly one external tunnel
// daemon process per binding: it renders a config file, spawns the
// external binary, tracks its PID, and stops it cleanly. Modelled on
// internal/tunnel/server_linux.go's exec-shim Start/Stop/Status shape and
// internal/service/docker.go's Start/Stop/IsRunning Backend interface,
// generalised from "docker container" to "arbitrary exec'd process" since
// the tunnel daemon here is always a direct host subprocess, never a
// container.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/legrandrdv/tundev-manager/internal/vtunconfig"
)

// ErrNotConfigured is returned by Stop when the Supervisor's config was
// never set.
var ErrNotConfigured = errors.New("NotConfigured")

// HookRunner is how a rendered up/down hook command is turned into a real
// command line. Production code wires this to tundev-managerd's hidden
// "hook" subcommand, which calls back into TunnelInterfaceStatusUpdate
// over the IPC bus; tests substitute a stub.
type HookRunner func(username, iface, status string) string

// Config bundles everything Start needs beyond the vtunconfig.Config
// itself.
type Config struct {
	// Username is the account this binding belongs to; used to derive the
	// interface name and to parameterise the up/down hooks.
	Username string
	// Tunnel is the vtunconfig.Config describing mode/addressing/port.
	Tunnel vtunconfig.Config
	// Dir is where the rendered daemon config file is written.
	Dir string
	// BinPath is the external tunnel daemon executable.
	BinPath string
	// HookRunner renders the shell command line installed as up_cmd/down_cmd.
	HookRunner HookRunner
}

// Supervisor manages one external tunnel daemon process.
type Supervisor struct {
	log *slog.Logger

	mu sync.Mutex
	cfg *Config
	cmd *exec.Cmd
	configPath string
	ifaceName string
	waitDone chan struct{} // closed by the single reaper goroutine once cmd.Wait() returns
}

// New creates an unconfigured Supervisor.
func New(log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{log: log}
}

// Configure sets the tunnel parameters this Supervisor will use on the
// next Start. Safe to call again before Start to reconfigure (e.g. when
// the Manager copies a master's mode onto an onsite binding at pairing).
func (s *Supervisor) Configure(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cfg
	s.cfg = &c
}

// InterfaceName returns the interface name this Supervisor will bring up,
// deriving it from the username:
// {tap|tun|tunM}_to_{username}.
func InterfaceName(mode vtunconfig.Mode, username string) string {
	prefix := "tun"
	switch mode {
	case vtunconfig.ModeL2:
		prefix = "tap"
	case vtunconfig.ModeL3Multi:
		prefix = "tunM"
	}
	return fmt.Sprintf("%s_to_%s", prefix, username)
}

// Start renders the config file and spawns the external tunnel daemon.
// Requires Configure to have been called with a valid vtunconfig.Config.
func (s *Supervisor) Start() (pid int, iface string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg == nil {
		return 0, "", ErrNotConfigured
	}
	if s.cmd != nil {
		return s.cmd.Process.Pid, s.ifaceName, nil // already running; idempotent
	}

	cfg := *s.cfg
	iface = InterfaceName(cfg.Tunnel.Mode, cfg.Username)

	tunnelCfg := cfg.Tunnel
	tunnelCfg.UpCmd = cfg.HookRunner(cfg.Username, iface, "up")
	tunnelCfg.DownCmd = cfg.HookRunner(cfg.Username, iface, "down")

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return 0, "", fmt.Errorf("create supervisor dir: %w", err)
	}
	configPath := filepath.Join(cfg.Dir, fmt.Sprintf("%s.conf", cfg.Username))
	if err := os.WriteFile(configPath, []byte(tunnelCfg.RenderDaemonConfig()), 0o600); err != nil {
		return 0, "", fmt.Errorf("write tunnel config: %w", err)
	}

	cmd := exec.Command(cfg.BinPath, "-f", configPath)
	if err := cmd.Start(); err != nil {
		_ = os.Remove(configPath)
		return 0, "", fmt.Errorf("spawn tunnel daemon: %w", err)
	}

	s.cmd = cmd
	s.configPath = configPath
	s.ifaceName = iface
	waitDone := make(chan struct{})
	s.waitDone = waitDone

	go func() {
		_ = cmd.Wait() // reap; TunnelInterfaceStatusUpdate(down) is the authoritative signal
		close(waitDone)
	}()

	s.log.Info("tunnel daemon started", "username", cfg.Username, "iface", iface, "pid", cmd.Process.Pid)
	return cmd.Process.Pid, iface, nil
}

// Stop signals the daemon to terminate, waits briefly, then removes the
// config file. Idempotent: stopping a Supervisor that never started is a
// no-op, unless Configure was never called, which surfaces
// ErrNotConfigured
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg == nil {
		return ErrNotConfigured
	}
	if s.cmd == nil {
		return nil
	}

	proc := s.cmd.Process
	waitDone := s.waitDone
	_ = proc.Signal(os.Interrupt)

	select {
	case <-waitDone:
	case <-time.After(3 * time.Second):
		_ = proc.Kill()
		<-waitDone
	}

	if s.configPath != "" {
		_ = os.Remove(s.configPath)
	}
	s.log.Info("tunnel daemon stopped", "username", s.cfg.Username, "iface", s.ifaceName)
	s.cmd = nil
	s.configPath = ""
	s.ifaceName = ""
	s.waitDone = nil
	return nil
}

// Running reports whether a tunnel daemon process is currently tracked.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}
