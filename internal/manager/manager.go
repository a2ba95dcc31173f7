// Package manager implements the Manager Service: the request router
// that owns the binding map and session pool, serialises their mutation,
// and drives kernel-glue stitch/unstitch on session transitions. Grounded
// on internal/hostd/server.go's "one struct, one method per RPC
// operation" shape merged with internal/daemon/server.go's
// dispatch-by-method-name transport; wired to internal/ipc.Bus by
// cmd/tundev-managerd rather than embedded here, so this package stays
// transport-agnostic the way hostd.Server is.
package manager

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"

	"github.com/legrandrdv/tundev-manager/internal/binding"
	"github.com/legrandrdv/tundev-manager/internal/ipc"
	"github.com/legrandrdv/tundev-manager/internal/kernelglue"
	"github.com/legrandrdv/tundev-manager/internal/roletable"
	"github.com/legrandrdv/tundev-manager/internal/sessionpool"
	"github.com/legrandrdv/tundev-manager/internal/supervisor"
	"github.com/legrandrdv/tundev-manager/internal/vtunconfig"
	"github.com/legrandrdv/tundev-manager/internal/watchdog"
)

var (
	ErrMasterNotRegistered = errors.New("MasterNotRegistered")
	ErrOnsiteNotRegistered = errors.New("OnsiteNotRegistered")
	ErrUnknownDevice = errors.New("UnknownDevice")
	ErrInvalidStatus = errors.New("InvalidInterfaceStatus")
	ErrNoTunnelConfigFor = errors.New("NoTunnelConfigFor")
)

// Metrics is the subset of internal/metrics.Recorder the Manager drives.
// Kept as an interface here (rather than importing internal/metrics
// directly) so this package has no ambient-stack dependency, matching
// hostd/server.go's own lack of a metrics import.
type Metrics interface {
	SetBindings(n int)
	SetSessionsByStatus(down, inProgress, up int)
	IncStitch()
	IncWatchdogFire()
}

type noopMetrics struct{}

func (noopMetrics) SetBindings(int) {}
func (noopMetrics) SetSessionsByStatus(int, int, int) {}
func (noopMetrics) IncStitch() {}
func (noopMetrics) IncWatchdogFire() {}

// HookCommandBuilder renders the shell command a tunnel daemon's up/down
// hook should run to report back into the Manager by calling
// TunnelInterfaceStatusUpdate. cmd/tundev-managerd supplies the real
// implementation (it shells out to the daemon's own "hook" subcommand,
// which dials the IPC bus).
type HookCommandBuilder func(username, iface, status string) string

// Service is the Manager. One instance owns all daemon state.
type Service struct {
	log *slog.Logger
	roles *roletable.Table
	glue *kernelglue.Glue
	signals *ipc.SignalServer
	metrics Metrics
	hookCmd HookCommandBuilder
	binPath string

	bindingsMu sync.Mutex // bindings_lock; acquired before sessions.mu
	bindings map[string]*binding.Binding

	sessions *sessionpool.Pool

	// transitionMu is the sessions_lock of spec §4.G/§5: it is held across
	// a whole UpdateIface+applyTransition sequence so that two
	// TunnelInterfaceStatusUpdate calls (racing hook callbacks, or a hook
	// callback racing a watchdog-triggered teardown) can never apply
	// kernel-glue mutations for the same session out of receive order.
	transitionMu sync.Mutex
}

// Config bundles Service's constructor dependencies.
type Config struct {
	Log *slog.Logger
	Roles *roletable.Table
	Glue *kernelglue.Glue
	Signals *ipc.SignalServer
	Metrics Metrics
	HookCmd HookCommandBuilder
	TunnelBinPath string // path to the external tunnel daemon binary
}

// New constructs a Service. It does not itself flip the FORWARD policy;
// the caller does that once via Glue before constructing bindings, and
// restores it via Glue.RestoreForwardingDefault on exit (Shutdown only
// destroys bindings).
func New(cfg Config) *Service {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Service{
		log: log,
		roles: cfg.Roles,
		glue: cfg.Glue,
		signals: cfg.Signals,
		metrics: metrics,
		hookCmd: cfg.HookCmd,
		binPath: cfg.TunnelBinPath,
		bindings: map[string]*binding.Binding{},
		sessions: sessionpool.New(),
	}
}

// BindingPath is the opaque per-binding object identifier returned by
// RegisterBinding.
func BindingPath(username string) string {
	return "/tundevmanager/" + username
}

// RegisterBinding resolves role, destroys any pre-existing binding for
// username (warning), builds a fresh Binding from the role's static
// profile, and arms its watchdog to call UnregisterBinding on fire.
func (s *Service) RegisterBinding(username string, mode vtunconfig.Mode, lanIP *net.IPNet, lanDNS []net.IP, hostname, lockfilePath string) (string, error) {
	role, err := s.roles.Resolve(username)
	if err != nil {
		return "", err
	}
	profile, err := s.roles.Profile(username)
	if err != nil {
		return "", err
	}
	_, network, err := net.ParseCIDR(profile.Network)
	if err != nil {
		return "", fmt.Errorf("manager: bad profile network for %s: %w", username, err)
	}

	if mode == "" {
		mode = vtunconfig.ModeL3
	}
	secret, err := generateSecret()
	if err != nil {
		return "", fmt.Errorf("manager: generate secret: %w", err)
	}
	tunCfg, err := vtunconfig.New(mode, network, profile.Port, username, secret)
	if err != nil {
		return "", err
	}

	s.bindingsMu.Lock()
	if existing, ok := s.bindings[username]; ok {
		s.log.Warn("duplicate username on register, replacing binding", "username", username)
		s.bindingsMu.Unlock()
		existing.Destroy()
		s.bindingsMu.Lock()
	}

	wd, err := watchdog.New(s.log, lockfilePath)
	if err != nil {
		s.bindingsMu.Unlock()
		return "", fmt.Errorf("manager: watchdog for %s: %w", username, err)
	}

	sup := supervisor.New(s.log)
	b := binding.New(s.log, username, role, sup, wd)
	b.SetLanIP(lanIP)
	b.SetLanDNS(lanDNS)
	b.SetHostname(hostname)
	b.SetTunnelConfig(tunCfg)
	b.OnDestroy(func() { s.removeBinding(username) })

	sup.Configure(supervisor.Config{
		Username: username,
		Tunnel: tunCfg,
		Dir: "/run/tundev-manager",
		BinPath: s.binPath,
		HookRunner: s.hookRunnerFor(username),
	})

	s.bindings[username] = b
	s.bindingsMu.Unlock()

	go s.watchBinding(username, wd)

	s.metrics.SetBindings(s.bindingCount())
	return BindingPath(username), nil
}

func (s *Service) hookRunnerFor(username string) supervisor.HookRunner {
	return func(_ string, iface, status string) string {
		if s.hookCmd == nil {
			return ""
		}
		return s.hookCmd(username, iface, status)
	}
}

// watchBinding blocks on the watchdog's Released channel and, when it
// fires, unregisters the binding, cascading a watchdog-triggered teardown
// the same way a shell exit does.
func (s *Service) watchBinding(username string, wd *watchdog.Watchdog) {
	<-wd.Released()
	if !wd.Fired() {
		return // Destroy() ran first (e.g. a clean exit); nothing to cascade.
	}
	s.metrics.IncWatchdogFire()
	s.log.Info("watchdog fired, unregistering binding", "username", username)
	_ = s.UnregisterBinding(username)
}

func (s *Service) removeBinding(username string) {
	s.bindingsMu.Lock()
	delete(s.bindings, username)
	s.bindingsMu.Unlock()
	s.metrics.SetBindings(s.bindingCount())
}

func (s *Service) bindingCount() int {
	s.bindingsMu.Lock()
	defer s.bindingsMu.Unlock()
	return len(s.bindings)
}

// UnregisterBinding destroys username's Binding, removes every Session it
// participated in, and stops the peer's tunnel for each.
func (s *Service) UnregisterBinding(username string) error {
	s.bindingsMu.Lock()
	b, ok := s.bindings[username]
	if !ok {
		s.bindingsMu.Unlock()
		return nil // missing username is a no-op
	}
	delete(s.bindings, username)
	s.bindingsMu.Unlock()

	b.Destroy() // runs OnDestroy -> removeBinding, idempotent

	peers := s.sessions.RemoveInvolving(username)
	for _, peer := range peers {
		s.stopTunnelBestEffort(peer)
	}
	s.refreshSessionMetrics()
	return nil
}

func (s *Service) stopTunnelBestEffort(username string) {
	s.bindingsMu.Lock()
	b, ok := s.bindings[username]
	s.bindingsMu.Unlock()
	if !ok {
		return
	}
	if b.Supervisor != nil {
		if err := b.Supervisor.Stop(); err != nil {
			s.log.Warn("stop peer tunnel", "username", username, "err", err)
		}
	}
}

// DumpBindings returns every binding's object path.
func (s *Service) DumpBindings() []string {
	s.bindingsMu.Lock()
	defer s.bindingsMu.Unlock()
	out := make([]string, 0, len(s.bindings))
	for username := range s.bindings {
		out = append(out, BindingPath(username))
	}
	sort.Strings(out)
	return out
}

// GetOnlineOnsiteDevs returns the usernames of currently-registered
// onsite bindings.
func (s *Service) GetOnlineOnsiteDevs() []string {
	s.bindingsMu.Lock()
	defer s.bindingsMu.Unlock()
	var out []string
	for username, b := range s.bindings {
		if b.Role == roletable.RoleOnsite {
			out = append(out, username)
		}
	}
	sort.Strings(out)
	return out
}

// ConnectMasterToOnsite validates both sides are registered and that
// neither already takes part in a session, copies the master's mode onto
// the onsite's tunnel config (and its supervisor's), records the Session,
// and signals the onsite binding's VtunAllowedSignal.
func (s *Service) ConnectMasterToOnsite(masterID, onsiteID string) error {
	s.bindingsMu.Lock()
	master, ok := s.bindings[masterID]
	if !ok {
		s.bindingsMu.Unlock()
		return ErrMasterNotRegistered
	}
	onsite, ok := s.bindings[onsiteID]
	if !ok {
		s.bindingsMu.Unlock()
		return ErrOnsiteNotRegistered
	}
	if len(s.sessions.SessionsFor(masterID)) > 0 || len(s.sessions.SessionsFor(onsiteID)) > 0 {
		s.bindingsMu.Unlock()
		return sessionpool.ErrAlreadyConnected
	}

	masterMode := master.TunnelConfig().Mode
	onsiteCfg := onsite.TunnelConfig()
	onsiteCfg.Mode = masterMode
	onsite.SetTunnelConfig(onsiteCfg)
	onsite.Supervisor.Configure(supervisor.Config{
		Username: onsiteID,
		Tunnel: onsiteCfg,
		Dir: "/run/tundev-manager",
		BinPath: s.binPath,
		HookRunner: s.hookRunnerFor(onsiteID),
	})
	s.bindingsMu.Unlock()

	if err := s.sessions.Add(masterID, onsiteID); err != nil {
		return err
	}
	s.refreshSessionMetrics()

	if s.signals != nil {
		s.signals.Push(onsiteID, ipc.Signal{Name: "VtunAllowedSignal", Body: masterID})
	}
	return nil
}

// sessionMode computes the session-wide mode from both sides' tunnel
// configs: "L3" if both are L3, "L2" if both are L2, else "invalid".
func (s *Service) sessionMode(masterID, onsiteID string) string {
	s.bindingsMu.Lock()
	defer s.bindingsMu.Unlock()
	master, mok := s.bindings[masterID]
	onsite, ook := s.bindings[onsiteID]
	if !mok || !ook {
		return "invalid"
	}
	mm, om := master.TunnelConfig().Mode, onsite.TunnelConfig().Mode
	switch {
	case mm == vtunconfig.ModeL3 && om == vtunconfig.ModeL3:
		return "L3"
	case mm == vtunconfig.ModeL2 && om == vtunconfig.ModeL2:
		return "L2"
	default:
		return "invalid"
	}
}

// TunnelInterfaceStatusUpdate validates status, updates the session
// pool, and on in-progress->up stitches (or unstitches on up->in-progress,
// cascading a peer tunnel stop). The whole update+apply sequence runs
// under transitionMu, so concurrent hook callbacks and watchdog-triggered
// teardowns can never interleave their kernel-glue mutations for the same
// session out of receive order (spec §4.G/§5).
func (s *Service) TunnelInterfaceStatusUpdate(deviceID, iface, status string) error {
	var up bool
	switch status {
	case "up":
		up = true
	case "down":
		up = false
	default:
		return ErrInvalidStatus
	}

	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	s.bindingsMu.Lock()
	if _, ok := s.bindings[deviceID]; !ok {
		s.bindingsMu.Unlock()
		return ErrUnknownDevice
	}
	if up {
		if b, ok := s.bindings[deviceID]; ok {
			b.SetCurrentIface(iface)
		}
	}
	s.bindingsMu.Unlock()

	transitions := s.sessions.UpdateIface(deviceID, iface, up)
	for _, tr := range transitions {
		s.applyTransition(tr)
	}
	s.refreshSessionMetrics()
	return nil
}

func (s *Service) applyTransition(tr sessionpool.Transition) {
	mode := s.sessionMode(tr.Session.MasterID, tr.Session.OnsiteID)

	if tr.Previous == sessionpool.StatusInProgress && tr.Current == sessionpool.StatusUp {
		switch mode {
		case "L3":
			gwOnsite, gwMaster := s.gatewaysFor(tr.Session)
			s.glue.StitchL3(tr.Session.MasterIface, tr.Session.OnsiteIface, gwOnsite, gwMaster)
			s.metrics.IncStitch()
		case "L2":
			s.glue.StitchL2(tr.Session.MasterIface, tr.Session.OnsiteIface)
			s.metrics.IncStitch()
		default:
			s.log.Warn("unknown session mode combination, no stitch", "master", tr.Session.MasterID, "onsite", tr.Session.OnsiteID)
		}
		return
	}

	if tr.Previous == sessionpool.StatusUp && tr.Current == sessionpool.StatusInProgress {
		switch mode {
		case "L3":
			s.glue.UnstitchL3(tr.Session.MasterIface, tr.Session.OnsiteIface)
		case "L2":
			s.glue.UnstitchL2(tr.Session.MasterIface, tr.Session.OnsiteIface)
		}
		// cascade: stop the side that is still up.
		if tr.Session.MasterIface == "" {
			s.stopTunnelBestEffort(tr.Session.OnsiteID)
		} else {
			s.stopTunnelBestEffort(tr.Session.MasterID)
		}
	}
}

func (s *Service) gatewaysFor(sess sessionpool.Session) (onsiteGw, masterGw string) {
	s.bindingsMu.Lock()
	defer s.bindingsMu.Unlock()
	if onsite, ok := s.bindings[sess.OnsiteID]; ok {
		onsiteGw = onsite.TunnelConfig().FarIP.String()
	}
	if master, ok := s.bindings[sess.MasterID]; ok {
		masterGw = master.TunnelConfig().FarIP.String()
	}
	return onsiteGw, masterGw
}

func (s *Service) refreshSessionMetrics() {
	down, inProgress, up := 0, 0, 0
	for _, sess := range s.sessions.All() {
		switch sess.StatusOf() {
		case sessionpool.StatusDown:
			down++
		case sessionpool.StatusInProgress:
			inProgress++
		case sessionpool.StatusUp:
			up++
		}
	}
	s.metrics.SetSessionsByStatus(down, inProgress, up)
}

// GetPeerTunnelShellConfig returns username's peer-shell rendering,
// lazily registering a binding with a default L3 profile if one does not
// already exist.
func (s *Service) GetPeerTunnelShellConfig(username string) (string, error) {
	s.bindingsMu.Lock()
	b, ok := s.bindings[username]
	s.bindingsMu.Unlock()
	if !ok {
		if _, err := s.RegisterBinding(username, vtunconfig.ModeL3, nil, nil, "", defaultLockfilePath(username)); err != nil {
			return "", err
		}
		s.bindingsMu.Lock()
		b = s.bindings[username]
		s.bindingsMu.Unlock()
	}
	if b == nil {
		return "", ErrNoTunnelConfigFor
	}
	lines, err := vtunconfig.DeriveClient(b.TunnelConfig()).PeerShellLines()
	if err != nil {
		return "", err
	}
	out := ""
	for _, line := range lines {
		out += line + "\n"
	}
	return out, nil
}

// DumpSessions returns one textual descriptor per session.
func (s *Service) DumpSessions() []string {
	sessions := s.sessions.All()
	out := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, fmt.Sprintf("%s<->%s: %s", sess.MasterID, sess.OnsiteID, sess.StatusOf()))
	}
	return out
}

// GetOnsiteLanConfig returns masterID's paired onsite's LAN CIDR, or ""
// if unpaired or unset.
func (s *Service) GetOnsiteLanConfig(masterID string) string {
	for _, sess := range s.sessions.SessionsFor(masterID) {
		if sess.MasterID != masterID {
			continue
		}
		s.bindingsMu.Lock()
		onsite, ok := s.bindings[sess.OnsiteID]
		s.bindingsMu.Unlock()
		if ok {
			if lanIP := onsite.LanIP(); lanIP != nil {
				return lanIP.String()
			}
		}
	}
	return ""
}

// StartTunnelServer starts username's tunnel daemon via its binding's
// supervisor, recording the resulting interface name.
func (s *Service) StartTunnelServer(username string) (pid int, iface string, err error) {
	s.bindingsMu.Lock()
	b, ok := s.bindings[username]
	s.bindingsMu.Unlock()
	if !ok {
		return 0, "", ErrUnknownDevice
	}
	pid, iface, err = b.Supervisor.Start()
	if err != nil {
		return 0, "", err
	}
	b.SetCurrentIface(iface)
	return pid, iface, nil
}

// StopTunnelServer stops username's tunnel daemon via its binding's
// supervisor.
func (s *Service) StopTunnelServer(username string) error {
	s.bindingsMu.Lock()
	b, ok := s.bindings[username]
	s.bindingsMu.Unlock()
	if !ok {
		return ErrUnknownDevice
	}
	return b.Supervisor.Stop()
}

// Shutdown destroys every binding. Restoring the kernel's FORWARD default
// policy is the caller's responsibility, since the kernel-glue handle
// outlives any single binding.
func (s *Service) Shutdown() {
	s.bindingsMu.Lock()
	bindings := make([]*binding.Binding, 0, len(s.bindings))
	for _, b := range s.bindings {
		bindings = append(bindings, b)
	}
	s.bindingsMu.Unlock()

	for _, b := range bindings {
		b.Destroy()
	}
}

func defaultLockfilePath(username string) string {
	return "/var/lock/tundev-shell-" + username + ".lock"
}

// generateSecret returns a fresh random hex-encoded tunnel secret.
func generateSecret() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
