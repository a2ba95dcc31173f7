// Package kernelglue applies and rolls back the kernel-side state that
// stitches two tunnel interfaces together: IP forwarding, FORWARD accept
// rules, NAT masquerade, policy-routing tables for L3, and a bridge for
// L2. Every operation is idempotent.
//
// Kernel mutation is performed by shelling out to ip/iptables/sysctl,
// modelled on internal/tunnel/server_linux.go's run()+exec.Command idiom.
// The surface (NAT + policy routing + bridge, all in one place) doesn't
// match any pack example closely enough to ground a netlink backend on
// (katalix-go-l2tp-debian's mdlayher/netlink usage is scoped to L2TP
// generic-netlink messages, not iptables/policy-route/bridge management).
// This module is kept behind the small Backend interface below so a
// netlink implementation can replace the shelled-out one later without
// touching internal/manager.
package kernelglue

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// Backend executes one kernel-mutating command line. The production
// Backend shells out; tests substitute a recording stub.
type Backend interface {
	Run(args ...string) error
}

// ExecBackend runs commands via os/exec, the way
// internal/tunnel/server_linux.go's run() helper does.
type ExecBackend struct{}

func (ExecBackend) Run(args ...string) error {
	if len(args) == 0 {
		return fmt.Errorf("kernelglue: empty command")
	}
	out, err := exec.Command(args[0], args[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Glue applies/rolls back stitches. It tracks how many L3 sessions are
// currently "up" across the whole Manager so it can decide when it is safe
// to disable IP forwarding again.
type Glue struct {
	backend Backend
	log *slog.Logger

	mu sync.Mutex
	forwardingOn bool
	upL3Sessions int
}

// New creates a Glue using backend for kernel mutation.
func New(log *slog.Logger, backend Backend) *Glue {
	if log == nil {
		log = slog.Default()
	}
	if backend == nil {
		backend = ExecBackend{}
	}
	return &Glue{backend: backend, log: log}
}

func (g *Glue) run(args ...string) {
	if err := g.backend.Run(args...); err != nil {
		// Kernel-side failures are logged, never raised: partial state is
		// reconciled by the next transition.
		g.log.Warn("kernel glue command failed", "args", args, "err", err)
	}
}

// EnableForwardingDefaultDrop is run once at daemon startup: if the
// default FORWARD policy is currently ACCEPT, it is switched to DROP so
// this core becomes the sole authority over what may cross a forwarded
// path; RestoreForwardingDefault undoes this on exit.
func (g *Glue) EnableForwardingDefaultDrop() {
	g.run("iptables", "-P", "FORWARD", "DROP")
}

// RestoreForwardingDefault restores FORWARD's default policy to ACCEPT on
// daemon exit.
func (g *Glue) RestoreForwardingDefault() {
	g.run("iptables", "-P", "FORWARD", "ACCEPT")
}

func (g *Glue) setForwarding(on bool) {
	g.mu.Lock()
	already := g.forwardingOn == on
	g.forwardingOn = on
	g.mu.Unlock()
	if already {
		return
	}
	val := "0"
	if on {
		val = "1"
	}
	g.run("sysctl", "-w", "net.ipv4.ip_forward="+val)
}

// StitchL3 wires masterIface<->onsiteIface for an L3 session: enables
// ip_forward if needed, adds symmetric FORWARD ACCEPT rules, MASQUERADEs
// traffic leaving onsiteIface, and sets up two policy routing tables so
// each side's return traffic is routed via the other side's gateway.
// Idempotent: safe to call twice.
func (g *Glue) StitchL3(masterIface, onsiteIface, onsiteGw, masterGw string) {
	g.mu.Lock()
	g.upL3Sessions++
	g.mu.Unlock()

	g.setForwarding(true)

	g.acceptForward(masterIface, onsiteIface)
	g.acceptForward(onsiteIface, masterIface)

	g.masquerade(onsiteIface)

	g.policyRoute(1, onsiteGw, onsiteIface, masterIface)
	g.policyRoute(2, masterGw, masterIface, onsiteIface)
}

// acceptForward idempotently adds a FORWARD ACCEPT rule from in to out.
// iptables has no native "add if missing" verb, so existence is checked
// with -C before -A, the conventional idiom for idempotent iptables rules.
func (g *Glue) acceptForward(in, out string) {
	check := []string{"iptables", "-C", "FORWARD", "-i", in, "-o", out, "-j", "ACCEPT"}
	if g.backend.Run(check...) == nil {
		return // already present
	}
	g.run("iptables", "-A", "FORWARD", "-i", in, "-o", out, "-j", "ACCEPT")
}

func (g *Glue) dropForward(in, out string) {
	g.run("iptables", "-D", "FORWARD", "-i", in, "-o", out, "-j", "ACCEPT")
}

func (g *Glue) masquerade(out string) {
	check := []string{"iptables", "-t", "nat", "-C", "POSTROUTING", "-o", out, "-j", "MASQUERADE"}
	if g.backend.Run(check...) == nil {
		return
	}
	g.run("iptables", "-t", "nat", "-A", "POSTROUTING", "-o", out, "-j", "MASQUERADE")
}

func (g *Glue) unmasquerade(out string) {
	g.run("iptables", "-t", "nat", "-D", "POSTROUTING", "-o", out, "-j", "MASQUERADE")
}

func (g *Glue) policyRoute(table int, gw, outIface, inIface string) {
	g.run("ip", "route", "replace", "default", "via", gw, "dev", outIface, "table", fmt.Sprintf("%d", table))
	g.run("ip", "rule", "add", "unicast", "iif", inIface, "table", fmt.Sprintf("%d", table))
}

func (g *Glue) unpolicyRoute(table int, inIface string) {
	g.run("ip", "rule", "del", "unicast", "iif", inIface, "table", fmt.Sprintf("%d", table))
	g.run("ip", "route", "flush", "table", fmt.Sprintf("%d", table))
}

// UnstitchL3 reverses StitchL3 in reverse order, and disables IP
// forwarding only if no other session is still up.
func (g *Glue) UnstitchL3(masterIface, onsiteIface string) {
	g.unpolicyRoute(2, onsiteIface)
	g.unpolicyRoute(1, masterIface)
	g.unmasquerade(onsiteIface)
	g.dropForward(onsiteIface, masterIface)
	g.dropForward(masterIface, onsiteIface)

	g.mu.Lock()
	if g.upL3Sessions > 0 {
		g.upL3Sessions--
	}
	remaining := g.upL3Sessions
	g.mu.Unlock()

	if remaining == 0 {
		g.setForwarding(false)
	}
}

// StitchL2 creates br0 (if missing), attaches both interfaces, brings the
// bridge up, and adds a FORWARD ACCEPT rule for traffic crossing it.
// Idempotent.
func (g *Glue) StitchL2(masterIface, onsiteIface string) {
	if g.backend.Run("ip", "link", "show", "br0") != nil {
		g.run("ip", "link", "add", "name", "br0", "type", "bridge")
	}
	g.addToBridge(masterIface)
	g.addToBridge(onsiteIface)
	g.run("ip", "link", "set", "br0", "up")
	g.acceptForward("br0", "br0")
}

func (g *Glue) addToBridge(iface string) {
	g.run("ip", "link", "set", iface, "master", "br0")
}

// UnstitchL2 brings br0 down, detaches both interfaces, deletes the
// bridge, and drops the FORWARD rule.
func (g *Glue) UnstitchL2(masterIface, onsiteIface string) {
	g.run("ip", "link", "set", "br0", "down")
	g.run("ip", "link", "set", masterIface, "nomaster")
	g.run("ip", "link", "set", onsiteIface, "nomaster")
	g.run("ip", "link", "del", "br0")
	g.dropForward("br0", "br0")
}
