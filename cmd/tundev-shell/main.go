// Command tundev-shell is installed as a tundev account's login shell
// . It resolves its role locally from the static role table
// (looked up by username, not Manager-consulted), holds the watchdog lockfile
// for its whole lifetime, and runs an internal/shell.Shell wired to the
// daemon over internal/ipc.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/sys/unix"

	"github.com/legrandrdv/tundev-manager/internal/ipc"
	"github.com/legrandrdv/tundev-manager/internal/roletable"
	"github.com/legrandrdv/tundev-manager/internal/shell"
	"github.com/legrandrdv/tundev-manager/internal/vtunconfig"
	"github.com/legrandrdv/tundev-manager/internal/watchdog"
)

// CLI is tundev-shell's flag set. A login shell is invoked with no
// arguments beyond an optional leading "-" (login convention), so every
// flag has a default suitable for /etc/passwd installation.
type CLI struct {
	Socket string `default:"/run/tundev-manager/bus.sock" help:"Path of the request/response IPC socket."`
	SignalSocket string `default:"/run/tundev-manager/signals.sock" help:"Path of the signal-push IPC socket."`
	RolesPath string `default:"/etc/tundev-manager/roles.toml" help:"Path to the static role/profile table."`
}

func main() {
	var cli CLI
	kong.Parse(&cli, kong.Name("tundev-shell"))

	if err := run(cli); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cli CLI) error {
	username := currentUsername()

	roles, err := roletable.Load(cli.RolesPath)
	if err != nil {
		return fmt.Errorf("load role table: %w", err)
	}
	role, err := roles.Resolve(username)
	if err != nil {
		return err
	}

	lockPath := watchdog.LockPath("tundev-shell", os.Getpid())
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lockfile %q: %w", lockPath, err)
	}
	defer lockFile.Close()
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock %q: %w", lockPath, err)
	}
	defer unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)

	client := &managerClient{c: ipc.NewClient(cli.Socket)}
	signals := &signalWaiter{sockPath: cli.SignalSocket}

	sh := shell.New(username, role, lockPath, client, signals, os.Stdin, os.Stdout, os.Stderr)
	return sh.Run()
}

func currentUsername() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return os.Getenv("LOGNAME")
}

// managerClient adapts internal/shell.ManagerClient onto an ipc.Client.
type managerClient struct {
	c *ipc.Client
}

type registerBindingParams struct {
	Username string `json:"username"`
	Mode string `json:"mode"`
	LanIP string `json:"lan_ip,omitempty"`
	LanDNS []string `json:"lan_dns,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Lockfile string `json:"lockfile"`
}

type registerBindingResult struct {
	ObjectPath string `json:"object_path"`
}

func (m *managerClient) RegisterBinding(username string, mode vtunconfig.Mode, lanIP *net.IPNet, lanDNS []net.IP, hostname, lockfile string) (string, error) {
	p := registerBindingParams{Username: username, Mode: string(mode), Hostname: hostname, Lockfile: lockfile}
	if lanIP != nil {
		p.LanIP = lanIP.String()
	}
	for _, ip := range lanDNS {
		p.LanDNS = append(p.LanDNS, ip.String())
	}
	var res registerBindingResult
	if err := m.c.Call("RegisterTundevBinding", p, &res); err != nil {
		return "", err
	}
	return res.ObjectPath, nil
}

func (m *managerClient) UnregisterBinding(username string) error {
	return m.c.Call("UnregisterTundevBinding", map[string]string{"username": username}, nil)
}

func (m *managerClient) GetPeerTunnelShellConfig(username string) (string, error) {
	var rendering string
	err := m.c.Call("GetAssociatedClientTundevShellConfig", map[string]string{"username": username}, &rendering)
	return rendering, err
}

func (m *managerClient) StartTunnelServer(username string) (pid int, iface string, err error) {
	var res struct {
		PID int `json:"pid"`
		Iface string `json:"iface"`
	}
	if err := m.c.Call("StartTunnelServer", map[string]string{"username": username}, &res); err != nil {
		return 0, "", err
	}
	return res.PID, res.Iface, nil
}

func (m *managerClient) StopTunnelServer(username string) error {
	return m.c.Call("StopTunnelServer", map[string]string{"username": username}, nil)
}

func (m *managerClient) GetOnlineOnsiteDevs() ([]string, error) {
	var devs []string
	err := m.c.Call("GetOnlineOnsiteDevs", nil, &devs)
	return devs, err
}

func (m *managerClient) ConnectMasterToOnsite(masterID, onsiteID string) error {
	return m.c.Call("ConnectMasterDevToOnsiteDev", map[string]string{"master_id": masterID, "onsite_id": onsiteID}, nil)
}

// signalWaiter adapts internal/shell.SignalWaiter onto ipc.Subscribe/ReadSignal.
type signalWaiter struct {
	sockPath string
}

func (s *signalWaiter) WaitVtunAllowed(username string, timeout time.Duration) (bool, error) {
	conn, err := ipc.Subscribe(s.sockPath, username)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	sig, err := ipc.ReadSignal(conn, time.Now().Add(timeout))
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return false, nil
		}
		return false, err
	}
	return sig.Name == "VtunAllowedSignal", nil
}
