// Package shell implements the device shell: a single, role-parameterised
// line-oriented interpreter, rather than a common-base-plus-master/onsite-
// subclass hierarchy. Command dispatch follows the switch-on-method-name
// shape of internal/daemon/server.go's handle(), generalised from a fixed
// two-method set to the full line-command surface a tundev shell exposes.
package shell

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/legrandrdv/tundev-manager/internal/roletable"
	"github.com/legrandrdv/tundev-manager/internal/vtunconfig"
)

// ManagerClient is the subset of internal/manager.Service this shell
// calls. Production wiring implements it over internal/ipc.Client;
// tests substitute an in-process fake.
type ManagerClient interface {
	RegisterBinding(username string, mode vtunconfig.Mode, lanIP *net.IPNet, lanDNS []net.IP, hostname, lockfile string) (string, error)
	UnregisterBinding(username string) error
	GetPeerTunnelShellConfig(username string) (string, error)
	StartTunnelServer(username string) (pid int, iface string, err error)
	StopTunnelServer(username string) error
	GetOnlineOnsiteDevs() ([]string, error)
	ConnectMasterToOnsite(masterID, onsiteID string) error
}

// SignalWaiter blocks for this shell's VtunAllowedSignal, standing in for
// a D-Bus signal wait on an onsite shell.
type SignalWaiter interface {
	WaitVtunAllowed(username string, timeout time.Duration) (ready bool, err error)
}

// Shell is one interactive session for one logged-in device account.
type Shell struct {
	Username string
	Role roletable.Role
	LockPath string

	client ManagerClient
	signals SignalWaiter

	in *bufio.Scanner
	out io.Writer
	err io.Writer

	mode vtunconfig.Mode
	lanIP *net.IPNet
	lanDNS []net.IP
	hostname string
	uplinkType string
	debug bool
	registered bool
}

// New constructs a Shell for username/role reading commands from r and
// writing output to w and errW.
func New(username string, role roletable.Role, lockPath string, client ManagerClient, signals SignalWaiter, r io.Reader, w, errW io.Writer) *Shell {
	return &Shell{
		Username: username,
		Role: role,
		LockPath: lockPath,
		client: client,
		signals: signals,
		in: bufio.NewScanner(r),
		out: w,
		err: errW,
		mode: vtunconfig.ModeL3,
	}
}

// Run executes the REPL until exit/logout/EOF or a fatal IPC error. A
// local validation error is reported and the session continues; an IPC
// failure talking to the Manager is reported and terminates the session,
// the shell-side half of LostMasterProcess.
func (s *Shell) Run() error {
	defer func() { _ = s.client.UnregisterBinding(s.Username) }()

	for {
		fmt.Fprintf(s.out, "%s$ ", s.Username)
		if !s.in.Scan() {
			return nil // EOF
		}
		line := strings.TrimSpace(s.in.Text())
		if line == "" {
			continue
		}
		done, err := s.dispatch(line)
		if err != nil {
			fmt.Fprintln(s.err, err)
			var ipcErr *ipcError
			if errors.As(err, &ipcErr) {
				return err
			}
			continue
		}
		if done {
			return nil
		}
	}
}

// ipcError wraps a failure from a call to the Manager (over client or
// signals), distinguishing it from a local validation error so Run can
// terminate the session on the former and keep going on the latter.
type ipcError struct{ err error }

func (e *ipcError) Error() string { return e.err.Error() }
func (e *ipcError) Unwrap() error { return e.err }

func (s *Shell) dispatch(line string) (exit bool, err error) {
	fields := strings.SplitN(line, " ", 2)
	cmd := fields[0]
	var rest string
	if len(fields) == 2 {
		rest = strings.TrimSpace(fields[1])
	}

	switch cmd {
	case "get_tunnel_mode":
		fmt.Fprintln(s.out, s.mode)
		return false, nil
	case "set_tunnelling_dev_lan_ip_address":
		return false, s.setLanIP(rest)
	case "set_tunnelling_dev_dns_server_list":
		return false, s.setLanDNS(rest)
	case "set_tunnelling_dev_hostname":
		return false, s.setHostname(rest)
	case "echo":
		fmt.Fprintln(s.out, rest)
		return false, nil
	case "drop_vtun":
		return false, s.dropVtun()
	case "debug_mode":
		return false, s.setDebugMode(rest)
	case "exit", "logout", "EOF":
		return true, nil
	case "get_role":
		fmt.Fprintln(s.out, string(s.Role))
		return false, nil
	case "get_vtun_parameters":
		return false, s.getVtunParameters()
	case "set_tunnelling_dev_uplink_type":
		return false, s.roleOnly(roletable.RoleOnsite, func() error { return s.setUplinkType(rest) })
	case "wait_vtun_allowed", "wait_master_connection":
		if s.Role != roletable.RoleOnsite {
			return false, fmt.Errorf("command not available for role %s", s.Role)
		}
		return s.waitVtunAllowed()
	case "set_tunnel_mode":
		return false, s.roleOnly(roletable.RoleMaster, func() error { return s.setTunnelMode(rest) })
	case "show_online_onsite_devs":
		return false, s.roleOnly(roletable.RoleMaster, s.showOnlineOnsiteDevs)
	case "connect_to_onsite_dev":
		return false, s.roleOnly(roletable.RoleMaster, func() error { return s.connectToOnsiteDev(rest) })
	default:
		return false, fmt.Errorf("unknown command: %s", cmd)
	}
}

func (s *Shell) roleOnly(want roletable.Role, fn func() error) error {
	if s.Role != want {
		return fmt.Errorf("command not available for role %s", s.Role)
	}
	return fn()
}

func (s *Shell) setLanIP(arg string) error {
	_, ipNet, err := net.ParseCIDR(arg)
	if err != nil {
		return fmt.Errorf("Invalid IP network: %s", arg)
	}
	s.lanIP = ipNet
	return nil
}

func (s *Shell) setLanDNS(arg string) error {
	var dns []net.IP
	for _, tok := range strings.Fields(arg) {
		ip := net.ParseIP(tok)
		if ip == nil {
			return fmt.Errorf("Invalid DNS server address: %s", tok)
		}
		dns = append(dns, ip)
	}
	s.lanDNS = dns
	return nil
}

// setHostname accepts a hostname optionally wrapped in single quotes with
// backslash escapes.
func (s *Shell) setHostname(arg string) error {
	name, err := unquoteHostname(arg)
	if err != nil {
		return err
	}
	s.hostname = name
	return nil
}

func unquoteHostname(arg string) (string, error) {
	if len(arg) < 2 || arg[0] != '\'' || arg[len(arg)-1] != '\'' {
		return arg, nil
	}
	inner := arg[1 : len(arg)-1]
	var b strings.Builder
	for i := 0; i < len(inner); i++ {
		if inner[i] == '\\' && i+1 < len(inner) {
			i++
		}
		b.WriteByte(inner[i])
	}
	return b.String(), nil
}

// setUplinkType validates and stores the uplink type in the shell's own
// state only; it is never sent to the Manager.
func (s *Shell) setUplinkType(arg string) error {
	switch arg {
	case "lan", "wlan", "3g":
		s.uplinkType = arg
		return nil
	default:
		return fmt.Errorf("Invalid uplink type: %s", arg)
	}
}

func (s *Shell) setTunnelMode(arg string) error {
	mode := vtunconfig.Mode(arg)
	if !mode.Valid() {
		return fmt.Errorf("Invalid tunnel mode: %s", arg)
	}
	s.mode = mode
	return nil
}

func (s *Shell) setDebugMode(arg string) error {
	switch arg {
	case "on":
		s.debug = true
	case "off":
		s.debug = false
	default:
		return fmt.Errorf("Invalid debug_mode argument: %s", arg)
	}
	return nil
}

// getVtunParameters ensures registration, starts the tunnel server, and
// prints the peer-shell rendering.
func (s *Shell) getVtunParameters() error {
	if !s.registered {
		if _, err := s.client.RegisterBinding(s.Username, s.mode, s.lanIP, s.lanDNS, s.hostname, s.LockPath); err != nil {
			return &ipcError{err}
		}
		s.registered = true
	}
	if _, _, err := s.client.StartTunnelServer(s.Username); err != nil {
		return &ipcError{err}
	}
	rendering, err := s.client.GetPeerTunnelShellConfig(s.Username)
	if err != nil {
		return &ipcError{err}
	}
	fmt.Fprint(s.out, rendering)
	return nil
}

func (s *Shell) dropVtun() error {
	if err := s.client.StopTunnelServer(s.Username); err != nil {
		return &ipcError{err}
	}
	return nil
}

// waitVtunAllowed blocks up to 60s for VtunAllowedSignal and prints
// "ready" or "not_ready". A "ready" response terminates the shell
// session.
func (s *Shell) waitVtunAllowed() (exit bool, err error) {
	ready, err := s.signals.WaitVtunAllowed(s.Username, 60*time.Second)
	if err != nil {
		return false, &ipcError{err}
	}
	if ready {
		fmt.Fprintln(s.out, "ready")
		return true, nil
	}
	fmt.Fprintln(s.out, "not_ready")
	return false, nil
}

func (s *Shell) showOnlineOnsiteDevs() error {
	devs, err := s.client.GetOnlineOnsiteDevs()
	if err != nil {
		return &ipcError{err}
	}
	fmt.Fprintln(s.out, strings.Join(devs, " "))
	return nil
}

func (s *Shell) connectToOnsiteDev(onsiteID string) error {
	if onsiteID == "" {
		return fmt.Errorf("connect_to_onsite_dev requires an onsite device id")
	}
	if err := s.client.ConnectMasterToOnsite(s.Username, onsiteID); err != nil {
		return &ipcError{err}
	}
	return nil
}

// ParsePort is a small helper shared by cmd/tundevctl for profile entry
// validation (the static per-role allocation table).
func ParsePort(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("InvalidTcpPort: %s", s)
	}
	return n, nil
}
