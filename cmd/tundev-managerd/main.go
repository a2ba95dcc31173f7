// Command tundev-managerd is the long-lived Manager process. Lifecycle
// wiring follows internal/daemon.Run's signal.NotifyContext shape; kong
// flag structs follow cmd/hop/daemon.go's subcommand pattern.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/legrandrdv/tundev-manager/internal/adminconsole"
	"github.com/legrandrdv/tundev-manager/internal/ipc"
	"github.com/legrandrdv/tundev-manager/internal/kernelglue"
	"github.com/legrandrdv/tundev-manager/internal/manager"
	"github.com/legrandrdv/tundev-manager/internal/metrics"
	"github.com/legrandrdv/tundev-manager/internal/roletable"
	"github.com/legrandrdv/tundev-manager/internal/vtunconfig"
)

// CLI is the root kong command set for tundev-managerd.
type CLI struct {
	Run RunCmd `cmd:"" default:"withargs" help:"Run the tunnel manager daemon in the foreground."`
	Hook HookCmd `cmd:"" help:"Internal: invoked by the external tunnel daemon's up/down hook commands." hidden:""`
}

// RunCmd starts the daemon.
type RunCmd struct {
	Socket string `default:"/run/tundev-manager/bus.sock" help:"Path of the request/response IPC socket."`
	SignalSocket string `default:"/run/tundev-manager/signals.sock" help:"Path of the signal-push IPC socket."`
	RolesPath string `default:"/etc/tundev-manager/roles.toml" help:"Path to the static role/profile table."`
	TunnelBin string `default:"/usr/bin/vtund" help:"Path to the external tunnel daemon binary."`
	AdminAddr string `default:":2222" help:"Listen address for the read-only operator SSH console."`
	MetricsAddr string `default:":9090" help:"Listen address for the Prometheus /metrics endpoint."`
}

// HookCmd is shelled out to by a tunnel daemon's up_cmd/down_cmd, per
// : "up/down hooks must shell out to an IPC call equivalent to
// TunnelInterfaceStatusUpdate".
type HookCmd struct {
	Socket string `required:"" help:"Bus socket to dial."`
	Device string `required:"" help:"Device (username) reporting the status change."`
	Iface string `required:"" help:"Interface name."`
	Status string `required:"" enum:"up,down" help:"Interface status."`
}

func (c *HookCmd) Run() error {
	client := ipc.NewClient(c.Socket)
	return client.Call("TunnelInterfaceStatusUpdate", tunnelStatusParams{
		DeviceID: c.Device, Iface: c.Iface, Status: c.Status,
	}, nil)
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli, kong.Name("tundev-managerd"))
	ctx.FatalIfErrorf(ctx.Run())
}

func (c *RunCmd) Run() error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	roles, err := roletable.Load(c.RolesPath)
	if err != nil {
		return fmt.Errorf("load role table: %w", err)
	}

	glue := kernelglue.New(log, kernelglue.ExecBackend{})
	glue.EnableForwardingDefaultDrop()
	defer glue.RestoreForwardingDefault()

	reg := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(reg)

	signals := ipc.NewSignalServer(log, c.SignalSocket)
	if err := signals.Start(); err != nil {
		return fmt.Errorf("start signal server: %w", err)
	}
	defer signals.Stop()

	svc := manager.New(manager.Config{
		Log: log,
		Roles: roles,
		Glue: glue,
		Signals: signals,
		Metrics: recorder,
		TunnelBinPath: c.TunnelBin,
		HookCmd: func(username, iface, status string) string {
			self, _ := os.Executable()
			return fmt.Sprintf("%s hook --socket %s --device %s --iface %s --status %s", self, c.Socket, username, iface, status)
		},
	})
	defer svc.Shutdown()

	bus := ipc.NewBus(log, c.Socket)
	registerHandlers(bus, svc)
	if err := bus.Start(); err != nil {
		return fmt.Errorf("start ipc bus: %w", err)
	}
	defer bus.Stop()

	console, err := adminconsole.New(log, c.AdminAddr, svc, nil)
	if err != nil {
		return fmt.Errorf("build admin console: %w", err)
	}
	go func() {
		if err := console.ListenAndServe(); err != nil {
			log.Warn("admin console stopped", "err", err)
		}
	}()
	defer console.Close()

	metricsSrv := &http.Server{Addr: c.MetricsAddr, Handler: metrics.Handler(reg)}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", "err", err)
		}
	}()
	defer metricsSrv.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("tundev-managerd ready", "pid", os.Getpid(), "socket", c.Socket)
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// --- IPC parameter/result shapes ---

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

type connectParams struct {
	MasterID string `json:"master_id"`
	OnsiteID string `json:"onsite_id"`
}

type tunnelStatusParams struct {
	DeviceID string `json:"device_id"`
	Iface string `json:"iface"`
	Status string `json:"status"`
}

type usernameParams struct {
	Username string `json:"username"`
}

func registerHandlers(bus *ipc.Bus, svc *manager.Service) {
	bus.Handle("RegisterTundevBinding", func(raw json.RawMessage) (any, error) {
		var p registerBindingParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		var lanIP *net.IPNet
		if p.LanIP != "" {
			_, n, err := net.ParseCIDR(p.LanIP)
			if err != nil {
				return nil, err
			}
			lanIP = n
		}
		var dns []net.IP
		for _, s := range p.LanDNS {
			dns = append(dns, net.ParseIP(s))
		}
		path, err := svc.RegisterBinding(p.Username, vtunconfig.Mode(p.Mode), lanIP, dns, p.Hostname, p.Lockfile)
		if err != nil {
			return nil, err
		}
		return registerBindingResult{ObjectPath: path}, nil
	})

	bus.Handle("UnregisterTundevBinding", func(raw json.RawMessage) (any, error) {
		var p usernameParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return nil, svc.UnregisterBinding(p.Username)
	})

	bus.Handle("DumpTundevBindings", func(json.RawMessage) (any, error) {
		return svc.DumpBindings(), nil
	})

	bus.Handle("GetOnlineOnsiteDevs", func(json.RawMessage) (any, error) {
		return svc.GetOnlineOnsiteDevs(), nil
	})

	bus.Handle("ConnectMasterDevToOnsiteDev", func(raw json.RawMessage) (any, error) {
		var p connectParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return nil, svc.ConnectMasterToOnsite(p.MasterID, p.OnsiteID)
	})

	bus.Handle("TunnelInterfaceStatusUpdate", func(raw json.RawMessage) (any, error) {
		var p tunnelStatusParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return nil, svc.TunnelInterfaceStatusUpdate(p.DeviceID, p.Iface, p.Status)
	})

	bus.Handle("DumpSessions", func(json.RawMessage) (any, error) {
		return svc.DumpSessions(), nil
	})

	bus.Handle("GetOnsiteDevLanConfig", func(raw json.RawMessage) (any, error) {
		var p struct {
			MasterID string `json:"master_id"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return svc.GetOnsiteLanConfig(p.MasterID), nil
	})

	bus.Handle("StartTunnelServer", func(raw json.RawMessage) (any, error) {
		var p usernameParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		pid, iface, err := svc.StartTunnelServer(p.Username)
		if err != nil {
			return nil, err
		}
		return struct {
			PID int `json:"pid"`
			Iface string `json:"iface"`
		}{pid, iface}, nil
	})

	bus.Handle("StopTunnelServer", func(raw json.RawMessage) (any, error) {
		var p usernameParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return nil, svc.StopTunnelServer(p.Username)
	})

	bus.Handle("GetAssociatedClientTundevShellConfig", func(raw json.RawMessage) (any, error) {
		var p usernameParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return svc.GetPeerTunnelShellConfig(p.Username)
	})
}
