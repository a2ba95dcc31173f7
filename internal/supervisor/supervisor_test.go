package supervisor

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/legrandrdv/tundev-manager/internal/vtunconfig"
)

// fakeDaemon writes a tiny shell script that sleeps until it receives
// SIGINT/SIGTERM, standing in for the external tunnel daemon binary.
func fakeDaemon(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-vtund")
	script := "#!/bin/sh\ntrap 'exit 0' INT TERM\nwhile true; do sleep 1; done\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake daemon: %v", err)
	}
	return path
}

func testTunnelConfig(t *testing.T) vtunconfig.Config {
	t.Helper()
	_, network, err := net.ParseCIDR("192.168.100.0/30")
	if err != nil {
		t.Fatalf("parse cidr: %v", err)
	}
	cfg, err := vtunconfig.New(vtunconfig.ModeL3, network, 5000, "onsite_a", "sekret")
	if err != nil {
		t.Fatalf("vtunconfig.New: %v", err)
	}
	return cfg
}

func TestStartWithoutConfigureFails(t *testing.T) {
	s := New(nil)
	if _, _, err := s.Start(); err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestStopWithoutConfigureFails(t *testing.T) {
	s := New(nil)
	if err := s.Stop(); err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	dir := t.TempDir()
	var hookCalls []string
	s := New(nil)
	s.Configure(Config{
		Username: "onsite_a",
		Tunnel:   testTunnelConfig(t),
		Dir:      dir,
		BinPath:  fakeDaemon(t),
		HookRunner: func(username, iface, status string) string {
			call := fmt.Sprintf("%s:%s:%s", username, iface, status)
			hookCalls = append(hookCalls, call)
			return "tundev-shell-hook " + call
		},
	})

	pid, iface, err := s.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if pid == 0 {
		t.Fatalf("expected non-zero pid")
	}
	if iface != "tun_to_onsite_a" {
		t.Fatalf("unexpected iface name: %s", iface)
	}
	if !s.Running() {
		t.Fatalf("expected Running() to be true after Start")
	}
	if len(hookCalls) != 2 {
		t.Fatalf("expected 2 hook calls (up+down), got %v", hookCalls)
	}

	configPath := filepath.Join(dir, "onsite_a.conf")
	if _, err := os.Stat(configPath); err != nil {
		t.Fatalf("expected config file to exist: %v", err)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Running() {
		t.Fatalf("expected Running() to be false after Stop")
	}
	if _, err := os.Stat(configPath); !os.IsNotExist(err) {
		t.Fatalf("expected config file to be removed after Stop")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s := New(nil)
	s.Configure(Config{
		Username:   "onsite_a",
		Tunnel:     testTunnelConfig(t),
		Dir:        dir,
		BinPath:    fakeDaemon(t),
		HookRunner: func(string, string, string) string { return "noop" },
	})
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop before Start should be a no-op, got: %v", err)
	}

	if _, _, err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op, got: %v", err)
	}
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	dir := t.TempDir()
	s := New(nil)
	s.Configure(Config{
		Username:   "onsite_a",
		Tunnel:     testTunnelConfig(t),
		Dir:        dir,
		BinPath:    fakeDaemon(t),
		HookRunner: func(string, string, string) string { return "noop" },
	})
	pid1, _, err := s.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	pid2, _, err := s.Start()
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if pid1 != pid2 {
		t.Fatalf("expected Start to be idempotent: %d != %d", pid1, pid2)
	}
	_ = s.Stop()
	// Give the OS a moment to reap in case the test runner checks zombies.
	time.Sleep(10 * time.Millisecond)
}
