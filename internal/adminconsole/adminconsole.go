// Package adminconsole is a read-only operator SSH console exposing
// "dump bindings"/"dump sessions" over the charmbracelet/wish and
// gliderlabs/ssh stack, which this module carries as a direct dependency.
// Table rendering reuses internal/ui's lipgloss-based ui.Table/ui.Row
// idiom.
package adminconsole

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
)

// Reporter is the read-only query surface the console exposes. Production
// wiring implements this over internal/manager.Service (or its IPC
// client); it is an interface here so adminconsole has no compile-time
// dependency on the daemon's transport choice.
type Reporter interface {
	DumpBindings() []string
	DumpSessions() []string
}

// Console is a wish-based SSH server offering a tiny read-only shell.
type Console struct {
	log      *slog.Logger
	reporter Reporter
	server   *ssh.Server
}

var subtle = lipgloss.Color("8")

// New builds a Console listening on addr, authenticated against a
// generated ed25519 host key. authorizedKeys, if non-empty, restricts
// connections to the given public keys; an empty list allows any key
// (suitable only for a loopback-bound admin socket).
func New(log *slog.Logger, addr string, reporter Reporter, authorizedKeys []ssh.PublicKey) (*Console, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &Console{log: log, reporter: reporter}

	hostKeyPEM, err := generateHostKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("adminconsole: generate host key: %w", err)
	}

	srv, err := wish.NewServer(
		wish.WithAddress(addr),
		wish.WithHostKeyPEM(hostKeyPEM),
		wish.WithMiddleware(c.middleware()),
	)
	if err != nil {
		return nil, fmt.Errorf("adminconsole: new server: %w", err)
	}

	if len(authorizedKeys) > 0 {
		srv.PublicKeyHandler = func(ctx ssh.Context, key ssh.PublicKey) bool {
			for _, allowed := range authorizedKeys {
				if ssh.KeysEqual(key, allowed) {
					return true
				}
			}
			return false
		}
	}

	c.server = srv
	return c, nil
}

// generateHostKeyPEM produces a fresh ed25519 host key PEM-encoded as
// PKCS#8, the form wish.WithHostKeyPEM expects.
func generateHostKeyPEM() ([]byte, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func (c *Console) middleware() wish.Middleware {
	return func(next ssh.Handler) ssh.Handler {
		return func(s ssh.Session) {
			cmd := strings.TrimSpace(strings.Join(s.Command(), " "))
			out := c.handle(cmd)
			_, _ = s.Write([]byte(out + "\n"))
			next(s)
		}
	}
}

func (c *Console) handle(cmd string) string {
	switch cmd {
	case "dump bindings":
		return renderList("BINDING", c.reporter.DumpBindings())
	case "dump sessions":
		return renderList("SESSION", c.reporter.DumpSessions())
	case "":
		return "usage: dump bindings | dump sessions"
	default:
		return fmt.Sprintf("unknown command: %s", cmd)
	}
}

func renderList(header string, rows []string) string {
	if len(rows) == 0 {
		return lipgloss.NewStyle().Foreground(subtle).Render("(none)")
	}
	var b strings.Builder
	b.WriteString(lipgloss.NewStyle().Foreground(subtle).Render(header))
	b.WriteByte('\n')
	for _, row := range rows {
		b.WriteString(row)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// ListenAndServe blocks serving SSH connections until the server is
// closed.
func (c *Console) ListenAndServe() error {
	return c.server.ListenAndServe()
}

// Close shuts the console server down.
func (c *Console) Close() error {
	return c.server.Close()
}
