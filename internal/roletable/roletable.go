// Package roletable externalises the username->role mapping and the
// per-role tunnel profile into a loadable file instead of hard-coding
// them. It is loaded from a TOML file, the way internal/hostconfig loads
// per-host settings from a dotdir, using pelletier/go-toml/v2.
package roletable

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Role is the static account role resolved from the login-shell field of
// the host account database (the "static role table").
type Role string

const (
	RoleMaster Role = "master"
	RoleOnsite Role = "onsite"
	RoleUnknown Role = ""
)

// ErrUnknownAccount mirrors the UnknownTundevAccount exception raised when
// an account has no role-table entry.
var ErrUnknownAccount = errors.New("UnknownTundevAccount")

// Profile is the per-role tunnel allocation: network and TCP port a
// binding for that role is configured with.
type Profile struct {
	Network string `toml:"network"` // CIDR, e.g. "192.168.100.0/30"
	Port int `toml:"port"`
}

// IPNet parses Network into a *net.IPNet.
func (p Profile) IPNet() (*net.IPNet, error) {
	_, n, err := net.ParseCIDR(p.Network)
	if err != nil {
		return nil, fmt.Errorf("profile network %q: %w", p.Network, err)
	}
	return n, nil
}

// entry is one row of the account table as stored in the TOML file.
type entry struct {
	Role Role `toml:"role"`
	Network string `toml:"network,omitempty"` // overrides the role's default profile network
	Port int `toml:"port,omitempty"` // overrides the role's default profile port
}

// fileFormat is the on-disk shape of the role table.
type fileFormat struct {
	// Accounts maps a username to its role (and optional profile override).
	Accounts map[string]entry `toml:"accounts"`
}

// Table is the in-memory static role/profile table.
type Table struct {
	accounts map[string]entry
	defaults map[Role]Profile
}

// DefaultProfiles is the reference per-role allocation: onsite gets
// 192.168.100.0/30:5000, master gets 192.168.101.0/30:5001.
func DefaultProfiles() map[Role]Profile {
	return map[Role]Profile{
		RoleOnsite: {Network: "192.168.100.0/30", Port: 5000},
		RoleMaster: {Network: "192.168.101.0/30", Port: 5001},
	}
}

// New builds an empty Table using DefaultProfiles as the role defaults.
func New() *Table {
	return &Table{accounts: make(map[string]entry), defaults: DefaultProfiles()}
}

// Load reads a role table from a TOML file at path. A missing file yields
// an empty table backed by DefaultProfiles, so a daemon can start before
// any account has been provisioned.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read role table %q: %w", path, err)
	}
	var ff fileFormat
	if err := toml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parse role table %q: %w", path, err)
	}
	t := New()
	t.accounts = ff.Accounts
	if t.accounts == nil {
		t.accounts = make(map[string]entry)
	}
	return t, nil
}

// Save writes the table back to path as TOML, 0600, creating parent
// directories as needed.
func (t *Table) Save(path string) error {
	ff := fileFormat{Accounts: t.accounts}
	data, err := toml.Marshal(ff)
	if err != nil {
		return fmt.Errorf("marshal role table: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create role table dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Add registers username with role, optionally overriding the role's
// default profile network/port (pass zero values to use the role default).
func (t *Table) Add(username string, role Role, override *Profile) {
	e := entry{Role: role}
	if override != nil {
		e.Network = override.Network
		e.Port = override.Port
	}
	t.accounts[username] = e
}

// Remove deletes username from the table. No-op if absent.
func (t *Table) Remove(username string) {
	delete(t.accounts, username)
}

// Resolve returns the role for username, or ErrUnknownAccount (wrapping the
// username) if the account has no entry.
func (t *Table) Resolve(username string) (Role, error) {
	e, ok := t.accounts[username]
	if !ok {
		return RoleUnknown, fmt.Errorf("%w: %s", ErrUnknownAccount, username)
	}
	return e.Role, nil
}

// Profile returns the tunnel profile for username: its per-account
// override if set, otherwise the role's default.
func (t *Table) Profile(username string) (Profile, error) {
	e, ok := t.accounts[username]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrUnknownAccount, username)
	}
	if e.Network != "" || e.Port != 0 {
		p := t.defaults[e.Role]
		if e.Network != "" {
			p.Network = e.Network
		}
		if e.Port != 0 {
			p.Port = e.Port
		}
		return p, nil
	}
	p, ok := t.defaults[e.Role]
	if !ok {
		return Profile{}, fmt.Errorf("no default profile for role %q", e.Role)
	}
	return p, nil
}

// Accounts returns a snapshot of username->role for all registered accounts.
func (t *Table) Accounts() map[string]Role {
	out := make(map[string]Role, len(t.accounts))
	for u, e := range t.accounts {
		out[u] = e.Role
	}
	return out
}
