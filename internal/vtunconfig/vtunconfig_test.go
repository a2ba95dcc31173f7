package vtunconfig

import (
	"errors"
	"net"
	"testing"
)

func mustNet(t *testing.T, cidr string) *net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(cidr)
	if err != nil {
		t.Fatalf("parse %q: %v", cidr, err)
	}
	return n
}

func TestNewDerivesNearFarIPs(t *testing.T) {
	cfg, err := New(ModeL3, mustNet(t, "192.168.100.0/30"), 5000, "onsite_a", "sekret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cfg.NearIP.String() != "192.168.100.1" || cfg.FarIP.String() != "192.168.100.2" {
		t.Fatalf("unexpected near/far: %s/%s", cfg.NearIP, cfg.FarIP)
	}
}

func TestNewRejectsInvalidMode(t *testing.T) {
	_, err := New(Mode("bogus"), mustNet(t, "192.168.100.0/30"), 5000, "x", "s")
	if !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}
}

func TestNewRejectsNarrowNetwork(t *testing.T) {
	_, err := New(ModeL3, mustNet(t, "192.168.100.0/31"), 5000, "x", "s")
	if !errors.Is(err, ErrBadTunnelIPRange) {
		t.Fatalf("expected ErrBadTunnelIpRange, got %v", err)
	}
}

func TestNewRejectsBadPort(t *testing.T) {
	_, err := New(ModeL3, mustNet(t, "192.168.100.0/30"), 70000, "x", "s")
	if !errors.Is(err, ErrInvalidTCPPort) {
		t.Fatalf("expected ErrInvalidTcpPort, got %v", err)
	}
}

// TestDeriveClientSwapsNearFar checks DeriveClient swaps near_ip<->far_ip
// and preserves mode/net/port/secret.
func TestDeriveClientSwapsNearFar(t *testing.T) {
	server, err := New(ModeL3, mustNet(t, "192.168.101.0/30"), 5001, "master_a", "sekret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	server.BindIface = "lo"
	server.UpCmd = "up.sh"
	server.DownCmd = "down.sh"

	client := DeriveClient(server)

	if client.NearIP.String() != server.FarIP.String() || client.FarIP.String() != server.NearIP.String() {
		t.Fatalf("near/far not swapped: client=%+v server=%+v", client, server)
	}
	if client.Mode != server.Mode || client.Net.String() != server.Net.String() ||
		client.TCPPort != server.TCPPort || client.Secret != server.Secret {
		t.Fatalf("derived client changed an invariant field: %+v", client)
	}
	if client.BindIface != "" || client.UpCmd != "" || client.DownCmd != "" {
		t.Fatalf("derived client should clear bind_iface/hooks, got %+v", client)
	}

	// Applying the near/far swap again returns the fields to the server's values.
	roundTrip := DeriveClient(client)
	if roundTrip.NearIP.String() != server.NearIP.String() || roundTrip.FarIP.String() != server.FarIP.String() {
		t.Fatalf("near/far swap is not its own inverse: %+v vs %+v", roundTrip, server)
	}
}

func TestPeerShellLinesOrderAndContent(t *testing.T) {
	cfg, err := New(ModeL3, mustNet(t, "192.168.100.0/30"), 5000, "onsite_a", "sekret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	lines, err := cfg.PeerShellLines()
	if err != nil {
		t.Fatalf("PeerShellLines: %v", err)
	}
	want := []string{
		"tunnel_ip_network: 192.168.100.0",
		"tunnel_ip_prefix: /30",
		"tunnel_ip_netmask: 255.255.255.252",
		"tunnelling_dev_ip_address: 192.168.100.1",
		"rdv_server_ip_address: 192.168.100.2",
		"rdv_server_vtun_tcp_port: 5000",
		"tunnel_secret: sekret",
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d: %v", len(lines), len(want), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d: got %q want %q", i, lines[i], want[i])
		}
	}
}

func TestPeerShellLinesRequiresPort(t *testing.T) {
	cfg, err := New(ModeL3, mustNet(t, "192.168.100.0/30"), 0, "onsite_a", "sekret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := cfg.PeerShellLines(); !errors.Is(err, ErrTCPPortUnset) {
		t.Fatalf("expected ErrTcpPortUnset, got %v", err)
	}
}

func TestRenderDaemonConfigEncodesAllFields(t *testing.T) {
	cfg, err := New(ModeL2, mustNet(t, "192.168.100.0/30"), 5000, "onsite_a", "sekret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cfg.UpCmd = "tundev-shell-hook up"
	cfg.DownCmd = "tundev-shell-hook down"
	out := cfg.RenderDaemonConfig()
	for _, want := range []string{
		"mode=L2", "network=192.168.100.0/30", "near_ip=192.168.100.1",
		"far_ip=192.168.100.2", "tcp_port=5000", "name=onsite_a", "secret=sekret",
		"bind_iface=lo", "up_cmd=tundev-shell-hook up", "down_cmd=tundev-shell-hook down",
	} {
		if !containsLine(out, want) {
			t.Errorf("daemon config missing line %q:\n%s", want, out)
		}
	}
}

func containsLine(s, line string) bool {
	for _, l := range splitLines(s) {
		if l == line {
			return true
		}
	}
	return false
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}
