// Command tundevctl is the operator CLI for inspecting and driving a
// running tundev-managerd over its IPC bus. Subcommand layout follows
// cmd/hop's kong wiring (one struct per subcommand, a Run() method);
// "watch" adapts internal/tui's bubbletea runner from a phased installer
// view into a polling dashboard, and "profile add" uses huh for
// interactive form entry, both carried as direct dependencies.
package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/legrandrdv/tundev-manager/internal/ipc"
	"github.com/legrandrdv/tundev-manager/internal/roletable"
	"github.com/legrandrdv/tundev-manager/internal/shell"
)

// CLI is tundevctl's root command set.
type CLI struct {
	Socket string `default:"/run/tundev-manager/bus.sock" help:"Path of the request/response IPC socket." short:"s"`

	Dump    DumpCmd    `cmd:"" help:"Print bindings or sessions currently held by the daemon."`
	Connect ConnectCmd `cmd:"" help:"Pair a master device with an onsite device."`
	Status  StatusCmd  `cmd:"" help:"Print a one-shot summary of bindings and sessions."`
	Watch   WatchCmd   `cmd:"" help:"Live-updating view of bindings and sessions."`
	Profile ProfileCmd `cmd:"" help:"Manage the static role/profile table."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli, kong.Name("tundevctl"))
	ctx.FatalIfErrorf(ctx.Run(&cli))
}

// DumpCmd prints the requested listing.
type DumpCmd struct {
	What string `arg:"" enum:"bindings,sessions" help:"Which listing to print."`
}

func (c *DumpCmd) Run(cli *CLI) error {
	client := ipc.NewClient(cli.Socket)
	var rows []string
	method := "DumpTundevBindings"
	if c.What == "sessions" {
		method = "DumpSessions"
	}
	if err := client.Call(method, nil, &rows); err != nil {
		return err
	}
	for _, row := range rows {
		fmt.Println(row)
	}
	return nil
}

// ConnectCmd pairs a master with an onsite device.
type ConnectCmd struct {
	MasterID string `arg:"" help:"Master device username."`
	OnsiteID string `arg:"" help:"Onsite device username."`
}

func (c *ConnectCmd) Run(cli *CLI) error {
	client := ipc.NewClient(cli.Socket)
	return client.Call("ConnectMasterDevToOnsiteDev", map[string]string{
		"master_id": c.MasterID, "onsite_id": c.OnsiteID,
	}, nil)
}

// StatusCmd prints a one-shot dashboard.
type StatusCmd struct{}

func (c *StatusCmd) Run(cli *CLI) error {
	bindings, sessions, err := fetchSnapshot(cli.Socket)
	if err != nil {
		return err
	}
	fmt.Print(renderSnapshot(bindings, sessions))
	return nil
}

// WatchCmd opens a live-refreshing dashboard.
type WatchCmd struct {
	Interval time.Duration `default:"2s" help:"Polling interval."`
}

func (c *WatchCmd) Run(cli *CLI) error {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))

	m := &watchModel{socket: cli.Socket, interval: c.Interval, spinner: s}
	p := tea.NewProgram(m)
	_, err := p.Run()
	return err
}

// ProfileCmd manages the static role/profile table.
type ProfileCmd struct {
	Add ProfileAddCmd `cmd:"" help:"Interactively add an account to the role table."`
}

// ProfileAddCmd collects a new account via an interactive huh form and
// appends it to the role table file.
type ProfileAddCmd struct {
	RolesPath string `default:"/etc/tundev-manager/roles.toml" help:"Path to the role/profile table."`
}

func (c *ProfileAddCmd) Run(*CLI) error {
	var username, role, network, port string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Username").Value(&username).Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return fmt.Errorf("username must not be empty")
				}
				return nil
			}),
			huh.NewSelect[string]().Title("Role").
				Options(huh.NewOption("onsite", "onsite"), huh.NewOption("master", "master")).
				Value(&role),
			huh.NewInput().Title("Network override (CIDR, blank for role default)").Value(&network),
			huh.NewInput().Title("Port override (blank for role default)").Value(&port),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	table, err := roletable.Load(c.RolesPath)
	if err != nil {
		return err
	}

	var override *roletable.Profile
	if network != "" || port != "" {
		p := roletable.Profile{Network: network}
		if port != "" {
			n, err := shell.ParsePort(port)
			if err != nil {
				return err
			}
			p.Port = n
		}
		override = &p
	}

	table.Add(username, roletable.Role(role), override)
	if err := table.Save(c.RolesPath); err != nil {
		return err
	}
	fmt.Printf("added %s as %s\n", username, role)
	return nil
}

// --- shared snapshot fetch/render ---

func fetchSnapshot(socket string) (bindings, sessions []string, err error) {
	client := ipc.NewClient(socket)
	if err := client.Call("DumpTundevBindings", nil, &bindings); err != nil {
		return nil, nil, err
	}
	if err := client.Call("DumpSessions", nil, &sessions); err != nil {
		return nil, nil, err
	}
	return bindings, sessions, nil
}

func renderSnapshot(bindings, sessions []string) string {
	header := lipgloss.NewStyle().Bold(true)
	var b strings.Builder
	fmt.Fprintln(&b, header.Render(fmt.Sprintf("BINDINGS (%d)", len(bindings))))
	for _, row := range bindings {
		fmt.Fprintln(&b, " ", row)
	}
	fmt.Fprintln(&b, header.Render(fmt.Sprintf("SESSIONS (%d)", len(sessions))))
	for _, row := range sessions {
		fmt.Fprintln(&b, " ", row)
	}
	return b.String()
}

// --- watch (bubbletea) ---

type snapshotMsg struct {
	bindings, sessions []string
	err                error
}

type tickMsg struct{}

type watchModel struct {
	socket   string
	interval time.Duration
	bindings []string
	sessions []string
	err      error
	spinner  spinner.Model
	loading  bool
}

func (m *watchModel) Init() tea.Cmd {
	m.loading = true
	return tea.Batch(m.spinner.Tick, m.poll())
}

func (m *watchModel) poll() tea.Cmd {
	return func() tea.Msg {
		bindings, sessions, err := fetchSnapshot(m.socket)
		return snapshotMsg{bindings: bindings, sessions: sessions, err: err}
	}
}

func (m *watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case snapshotMsg:
		m.loading = false
		m.bindings, m.sessions, m.err = msg.bindings, msg.sessions, msg.err
		return m, tea.Tick(m.interval, func(time.Time) tea.Msg { return tickMsg{} })
	case tickMsg:
		m.loading = true
		return m, m.poll()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *watchModel) View() string {
	if m.err != nil {
		return fmt.Sprintf("error: %v\n(press q to quit)\n", m.err)
	}
	status := " "
	if m.loading {
		status = m.spinner.View()
	}
	return status + " " + renderSnapshot(m.bindings, m.sessions) + "\n(press q to quit)\n"
}
