// Package vtunconfig models the parameters of one vtun tunnel endpoint and
// the two textual renderings a binding needs: the lines printed back to a
// tundev shell, and the file consumed by the external tunnel daemon.
package vtunconfig

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Mode is the tunnel's link-layer mode.
type Mode string

const (
	ModeL2 Mode = "L2"
	ModeL3 Mode = "L3"
	ModeL3Multi Mode = "L3_multi"
)

// Valid reports whether m is one of the three supported literals.
func (m Mode) Valid() bool {
	switch m {
	case ModeL2, ModeL3, ModeL3Multi:
		return true
	default:
		return false
	}
}

var (
	ErrInvalidMode = errors.New("InvalidMode")
	ErrBadTunnelIPRange = errors.New("BadTunnelIpRange")
	ErrInvalidTCPPort = errors.New("InvalidTcpPort")
	ErrTCPPortUnset = errors.New("TcpPortUnset")
)

// Config is the server-side description of one vtun tunnel endpoint.
type Config struct {
	Mode Mode
	// Net is the /30-or-narrower IPv4 network the tunnel's inner addressing
	// is drawn from. NearIP = Net+1, FarIP = Net+2.
	Net net.IPNet
	NearIP net.IP
	FarIP net.IP
	TCPPort int // 0 means unset
	Name string
	Secret string
	// BindIface is the interface the external tunnel daemon listens on.
	// Defaults to "lo".
	BindIface string
	UpCmd string
	DownCmd string
}

// New builds a server-side Config, deriving NearIP/FarIP from network and
// validating the netmask and port
func New(mode Mode, network *net.IPNet, tcpPort int, name, secret string) (Config, error) {
	if !mode.Valid() {
		return Config{}, ErrInvalidMode
	}
	ones, bits := network.Mask.Size()
	if bits-ones < 2 {
		return Config{}, fmt.Errorf("%w: %s has fewer than 2 host bits", ErrBadTunnelIPRange, network)
	}
	near := nthHost(network, 1)
	far := nthHost(network, 2)
	if near.Equal(far) {
		return Config{}, fmt.Errorf("%w: near and far IP collide in %s", ErrBadTunnelIPRange, network)
	}
	if tcpPort != 0 && (tcpPort < 1 || tcpPort > 65535) {
		return Config{}, ErrInvalidTCPPort
	}
	return Config{
		Mode: mode,
		Net: *network,
		NearIP: near,
		FarIP: far,
		TCPPort: tcpPort,
		Name: name,
		Secret: secret,
		BindIface: "lo",
	}, nil
}

// nthHost returns the address n within network counting from the network
// address (nthHost(net, 1) is the first usable host).
func nthHost(network *net.IPNet, n byte) net.IP {
	ip4 := network.IP.To4()
	out := make(net.IP, 4)
	copy(out, ip4)
	out[3] += n
	return out
}

// DeriveClient produces the peer-side Config for a server-side Config: near
// and far IPs are swapped, bind interface and hook commands are cleared.
// Mode, network, port and secret are preserved. Pure function; the result is
// never persisted by this core.
func DeriveClient(server Config) Config {
	client := server
	client.NearIP, client.FarIP = server.FarIP, server.NearIP
	client.BindIface = ""
	client.UpCmd = ""
	client.DownCmd = ""
	return client
}

// PeerShellLines renders the exact, ordered lines a tundev shell's
// get_vtun_parameters prints for the remote device. The external tunnel
// daemon's remote host is never printed: the device reaches it through
// the SSH session it is already inside.
func (c Config) PeerShellLines() ([]string, error) {
	if !c.Mode.Valid() {
		return nil, ErrInvalidMode
	}
	if c.TCPPort == 0 {
		return nil, ErrTCPPortUnset
	}
	ones, _ := c.Net.Mask.Size()
	return []string{
		fmt.Sprintf("tunnel_ip_network: %s", c.Net.IP),
		fmt.Sprintf("tunnel_ip_prefix: /%d", ones),
		fmt.Sprintf("tunnel_ip_netmask: %s", net.IP(c.Net.Mask)),
		fmt.Sprintf("tunnelling_dev_ip_address: %s", c.NearIP),
		fmt.Sprintf("rdv_server_ip_address: %s", c.FarIP),
		fmt.Sprintf("rdv_server_vtun_tcp_port: %d", c.TCPPort),
		fmt.Sprintf("tunnel_secret: %s", c.Secret),
	}, nil
}

// RenderDaemonConfig produces the file content handed to the external
// tunnel daemon binary. Mode, addressing, port, secret, name, bind
// interface and both hook commands are encoded as key=value lines; the
// external daemon owns the byte-level format beyond that.
func (c Config) RenderDaemonConfig() string {
	ones, _ := c.Net.Mask.Size()
	var b strings.Builder
	fmt.Fprintf(&b, "mode=%s\n", c.Mode)
	fmt.Fprintf(&b, "network=%s/%d\n", c.Net.IP, ones)
	fmt.Fprintf(&b, "near_ip=%s\n", c.NearIP)
	fmt.Fprintf(&b, "far_ip=%s\n", c.FarIP)
	fmt.Fprintf(&b, "tcp_port=%d\n", c.TCPPort)
	fmt.Fprintf(&b, "name=%s\n", c.Name)
	fmt.Fprintf(&b, "secret=%s\n", c.Secret)
	fmt.Fprintf(&b, "bind_iface=%s\n", c.BindIface)
	if c.UpCmd != "" {
		fmt.Fprintf(&b, "up_cmd=%s\n", c.UpCmd)
	}
	if c.DownCmd != "" {
		fmt.Fprintf(&b, "down_cmd=%s\n", c.DownCmd)
	}
	return b.String()
}
