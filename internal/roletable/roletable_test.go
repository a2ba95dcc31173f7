package roletable

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestResolveUnknownAccount(t *testing.T) {
	tb := New()
	_, err := tb.Resolve("nobody")
	if !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestAddAndResolveUsesRoleDefaults(t *testing.T) {
	tb := New()
	tb.Add("onsite_a", RoleOnsite, nil)
	tb.Add("master_a", RoleMaster, nil)

	role, err := tb.Resolve("onsite_a")
	if err != nil || role != RoleOnsite {
		t.Fatalf("Resolve(onsite_a) = %v, %v", role, err)
	}

	profile, err := tb.Profile("onsite_a")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if profile.Network != "192.168.100.0/30" || profile.Port != 5000 {
		t.Fatalf("unexpected onsite default profile: %+v", profile)
	}

	profile, err = tb.Profile("master_a")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if profile.Network != "192.168.101.0/30" || profile.Port != 5001 {
		t.Fatalf("unexpected master default profile: %+v", profile)
	}
}

func TestProfileOverride(t *testing.T) {
	tb := New()
	tb.Add("onsite_b", RoleOnsite, &Profile{Network: "192.168.110.0/30", Port: 6000})
	profile, err := tb.Profile("onsite_b")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if profile.Network != "192.168.110.0/30" || profile.Port != 6000 {
		t.Fatalf("override not applied: %+v", profile)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roles.toml")

	tb := New()
	tb.Add("onsite_a", RoleOnsite, nil)
	tb.Add("master_a", RoleMaster, &Profile{Port: 5999})
	if err := tb.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	role, err := loaded.Resolve("onsite_a")
	if err != nil || role != RoleOnsite {
		t.Fatalf("Resolve after reload: %v, %v", role, err)
	}
	profile, err := loaded.Profile("master_a")
	if err != nil || profile.Port != 5999 {
		t.Fatalf("override lost after reload: %+v, %v", profile, err)
	}
}

func TestLoadMissingFileReturnsEmptyTable(t *testing.T) {
	tb, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if len(tb.Accounts()) != 0 {
		t.Fatalf("expected empty table, got %v", tb.Accounts())
	}
}

func TestRemove(t *testing.T) {
	tb := New()
	tb.Add("onsite_a", RoleOnsite, nil)
	tb.Remove("onsite_a")
	if _, err := tb.Resolve("onsite_a"); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected removed account to be unknown, got %v", err)
	}
}
