package shell

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/legrandrdv/tundev-manager/internal/roletable"
	"github.com/legrandrdv/tundev-manager/internal/vtunconfig"
)

type fakeClient struct {
	registered      map[string]bool
	startCalls      []string
	stopCalls       []string
	connectCalls    [][2]string
	onlineOnsite    []string
	onlineOnsiteErr error
	peerRendering   string
}

func newFakeClient() *fakeClient {
	return &fakeClient{registered: map[string]bool{}, onlineOnsite: []string{"onsite_a"}, peerRendering: "tunnel_ip_network: 192.168.100.0\n"}
}

func (f *fakeClient) RegisterBinding(username string, mode vtunconfig.Mode, lanIP *net.IPNet, lanDNS []net.IP, hostname, lockfile string) (string, error) {
	f.registered[username] = true
	return "/tundevmanager/" + username, nil
}

func (f *fakeClient) UnregisterBinding(username string) error {
	delete(f.registered, username)
	return nil
}

func (f *fakeClient) GetPeerTunnelShellConfig(username string) (string, error) {
	return f.peerRendering, nil
}

func (f *fakeClient) StartTunnelServer(username string) (int, string, error) {
	f.startCalls = append(f.startCalls, username)
	return 1234, "tun_to_" + username, nil
}

func (f *fakeClient) StopTunnelServer(username string) error {
	f.stopCalls = append(f.stopCalls, username)
	return nil
}

func (f *fakeClient) GetOnlineOnsiteDevs() ([]string, error) {
	if f.onlineOnsiteErr != nil {
		return nil, f.onlineOnsiteErr
	}
	return f.onlineOnsite, nil
}

func (f *fakeClient) ConnectMasterToOnsite(masterID, onsiteID string) error {
	f.connectCalls = append(f.connectCalls, [2]string{masterID, onsiteID})
	return nil
}

type fakeSignals struct {
	ready bool
	err   error
}

func (f fakeSignals) WaitVtunAllowed(username string, timeout time.Duration) (bool, error) {
	return f.ready, f.err
}

func runShell(t *testing.T, role roletable.Role, client ManagerClient, signals SignalWaiter, input string) (string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	s := New("test_user", role, "/var/lock/test.lock", client, signals, strings.NewReader(input), &out, &errOut)
	if err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return out.String(), errOut.String()
}

func TestGetRoleReturnsBinaryRole(t *testing.T) {
	out, _ := runShell(t, roletable.RoleOnsite, newFakeClient(), fakeSignals{}, "get_role\nexit\n")
	if !strings.Contains(out, "onsite") {
		t.Fatalf("expected role onsite in output, got %q", out)
	}
}

func TestSetLanIPValidatesCIDR(t *testing.T) {
	_, errOut := runShell(t, roletable.RoleOnsite, newFakeClient(), fakeSignals{}, "set_tunnelling_dev_lan_ip_address 999.1.1.1/24\nexit\n")
	if !strings.Contains(errOut, "Invalid IP network: 999.1.1.1/24") {
		t.Fatalf("expected invalid IP error, got %q", errOut)
	}
}

func TestGetVtunParametersRegistersStartsAndPrintsRendering(t *testing.T) {
	client := newFakeClient()
	out, _ := runShell(t, roletable.RoleOnsite, client, fakeSignals{}, "get_vtun_parameters\nexit\n")
	if !client.registered["test_user"] {
		t.Fatal("expected binding to be registered")
	}
	if len(client.startCalls) != 1 {
		t.Fatalf("expected one tunnel start, got %v", client.startCalls)
	}
	if !strings.Contains(out, "tunnel_ip_network") {
		t.Fatalf("expected peer-shell rendering in output, got %q", out)
	}
}

func TestExitUnregistersBinding(t *testing.T) {
	client := newFakeClient()
	_, _ = runShell(t, roletable.RoleOnsite, client, fakeSignals{}, "get_vtun_parameters\nexit\n")
	if client.registered["test_user"] {
		t.Fatal("expected binding to be unregistered on exit")
	}
}

func TestWaitVtunAllowedReadyTerminatesSession(t *testing.T) {
	out, _ := runShell(t, roletable.RoleOnsite, newFakeClient(), fakeSignals{ready: true}, "wait_vtun_allowed\necho should_not_run\n")
	if !strings.Contains(out, "ready") {
		t.Fatalf("expected ready in output, got %q", out)
	}
	if strings.Contains(out, "should_not_run") {
		t.Fatalf("expected session to terminate after ready, got %q", out)
	}
}

func TestWaitVtunAllowedNotReadyContinuesSession(t *testing.T) {
	out, _ := runShell(t, roletable.RoleOnsite, newFakeClient(), fakeSignals{ready: false}, "wait_vtun_allowed\necho still_here\nexit\n")
	if !strings.Contains(out, "not_ready") || !strings.Contains(out, "still_here") {
		t.Fatalf("expected not_ready then continued session, got %q", out)
	}
}

func TestMasterOnlyCommandsRejectedForOnsite(t *testing.T) {
	_, errOut := runShell(t, roletable.RoleOnsite, newFakeClient(), fakeSignals{}, "set_tunnel_mode L2\nexit\n")
	if !strings.Contains(errOut, "not available for role onsite") {
		t.Fatalf("expected role rejection, got %q", errOut)
	}
}

func TestShowOnlineOnsiteDevsAndConnect(t *testing.T) {
	client := newFakeClient()
	out, _ := runShell(t, roletable.RoleMaster, client, fakeSignals{}, "show_online_onsite_devs\nconnect_to_onsite_dev onsite_a\nexit\n")
	if !strings.Contains(out, "onsite_a") {
		t.Fatalf("expected onsite_a listed, got %q", out)
	}
	if len(client.connectCalls) != 1 || client.connectCalls[0] != [2]string{"test_user", "onsite_a"} {
		t.Fatalf("unexpected connect calls: %v", client.connectCalls)
	}
}

func TestHostnameWithQuotesAndEscapes(t *testing.T) {
	var out, errOut bytes.Buffer
	client := newFakeClient()
	s := New("test_user", roletable.RoleOnsite, "/var/lock/test.lock", client, fakeSignals{}, strings.NewReader(`set_tunnelling_dev_hostname 'rpi\'s box'`+"\nexit\n"), &out, &errOut)
	if err := s.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.hostname != "rpi's box" {
		t.Fatalf("unexpected hostname: %q", s.hostname)
	}
}

func TestUnknownCommandReportsError(t *testing.T) {
	_, errOut := runShell(t, roletable.RoleOnsite, newFakeClient(), fakeSignals{}, "bogus_command\nexit\n")
	if !strings.Contains(errOut, "unknown command") {
		t.Fatalf("expected unknown command error, got %q", errOut)
	}
}

func TestIPCFailureTerminatesSession(t *testing.T) {
	client := newFakeClient()
	client.onlineOnsiteErr = errors.New("manager unreachable")
	var out, errOut bytes.Buffer
	s := New("test_user", roletable.RoleMaster, "/var/lock/test.lock", client, fakeSignals{}, strings.NewReader("show_online_onsite_devs\necho should_not_run\n"), &out, &errOut)
	err := s.Run()
	if err == nil {
		t.Fatal("expected Run to return an error on IPC failure")
	}
	if !strings.Contains(errOut.String(), "manager unreachable") {
		t.Fatalf("expected error reported to stderr, got %q", errOut.String())
	}
	if strings.Contains(out.String(), "should_not_run") {
		t.Fatalf("expected session to terminate after IPC failure, got %q", out.String())
	}
}
