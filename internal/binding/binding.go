// Package binding implements the per-device binding: one container per
// logged-in device bundling a vtunconfig.Config, a supervisor.Supervisor
// and a watchdog.Watchdog, with the role resolved from the static
// account->role table. Modelled on internal/agent/agent.go, which
// similarly owns a tunnel plus mutex-guarded metadata behind a small set
// of With* setters and a single lifecycle entry point.
package binding

import (
	"log/slog"
	"net"
	"sync"

	"github.com/legrandrdv/tundev-manager/internal/roletable"
	"github.com/legrandrdv/tundev-manager/internal/supervisor"
	"github.com/legrandrdv/tundev-manager/internal/vtunconfig"
	"github.com/legrandrdv/tundev-manager/internal/watchdog"
)

// Binding is the Manager's per-device record.
type Binding struct {
	Username string
	Role roletable.Role

	Supervisor *supervisor.Supervisor
	Watchdog *watchdog.Watchdog

	log *slog.Logger

	mu sync.RWMutex
	lanIP *net.IPNet
	lanDNS []net.IP
	hostname string
	currentIface string
	tunnelConfig vtunconfig.Config
	onDestroy func()
	destroyed bool
}

// New constructs a Binding for username/role. The caller is expected to
// Configure the supervisor separately once the tunnel profile is known.
func New(log *slog.Logger, username string, role roletable.Role, sup *supervisor.Supervisor, wd *watchdog.Watchdog) *Binding {
	if log == nil {
		log = slog.Default()
	}
	return &Binding{
		Username: username,
		Role: role,
		Supervisor: sup,
		Watchdog: wd,
		log: log,
	}
}

// SetLanIP records the tunnelling device's LAN IP (set_tunnelling_dev_lan_ip_address).
func (b *Binding) SetLanIP(ip *net.IPNet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lanIP = ip
}

// LanIP returns the tunnelling device's LAN IP, or nil if unset.
func (b *Binding) LanIP() *net.IPNet {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lanIP
}

// SetLanDNS records the tunnelling device's DNS server list.
func (b *Binding) SetLanDNS(dns []net.IP) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lanDNS = dns
}

// SetHostname records the tunnelling device's hostname.
func (b *Binding) SetHostname(hostname string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hostname = hostname
}

// SetTunnelConfig stores the vtunconfig.Config this binding's supervisor is
// (or will be) running, so GetPeerTunnelShellConfig can render it.
func (b *Binding) SetTunnelConfig(cfg vtunconfig.Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tunnelConfig = cfg
}

// TunnelConfig returns the current tunnel config.
func (b *Binding) TunnelConfig() vtunconfig.Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tunnelConfig
}

// SetCurrentIface records the interface name once the supervisor reports
// its tunnel daemon has been spawned.
func (b *Binding) SetCurrentIface(iface string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentIface = iface
}

// CurrentIface returns the interface name, or "" if the tunnel hasn't
// started.
func (b *Binding) CurrentIface() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currentIface
}

// OnDestroy registers the callback Destroy runs after tearing down the
// watchdog and supervisor (used by the Manager to unregister the binding
// from the watchdog fire path).
func (b *Binding) OnDestroy(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDestroy = fn
}

// Destroy tears the binding down: it first disables the watchdog callback
// to break the re-entry cycle, then stops the tunnel daemon, then (if set)
// runs the registered IPC-unregistration hook. Destruction is best-effort
// and never panics, so cascaded cleanup triggered by one binding's
// watchdog firing cannot take down the Manager process.
func (b *Binding) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	onDestroy := b.onDestroy
	b.mu.Unlock()

	if b.Watchdog != nil {
		b.Watchdog.Destroy()
	}
	if b.Supervisor != nil {
		if err := b.Supervisor.Stop(); err != nil {
			b.log.Warn("supervisor stop during destroy", "username", b.Username, "err", err)
		}
	}
	if onDestroy != nil {
		onDestroy()
	}
}
