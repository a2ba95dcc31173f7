package adminconsole

import (
	"strings"
	"testing"
)

type fakeReporter struct {
	bindings []string
	sessions []string
}

func (f fakeReporter) DumpBindings() []string { return f.bindings }
func (f fakeReporter) DumpSessions() []string { return f.sessions }

func TestHandleDumpBindings(t *testing.T) {
	c := &Console{reporter: fakeReporter{bindings: []string{"/tundevmanager/onsite_a"}}}
	out := c.handle("dump bindings")
	if !strings.Contains(out, "onsite_a") {
		t.Fatalf("expected binding listed, got %q", out)
	}
}

func TestHandleDumpSessionsEmpty(t *testing.T) {
	c := &Console{reporter: fakeReporter{}}
	out := c.handle("dump sessions")
	if !strings.Contains(out, "(none)") {
		t.Fatalf("expected (none) for empty sessions, got %q", out)
	}
}

func TestHandleUnknownCommand(t *testing.T) {
	c := &Console{reporter: fakeReporter{}}
	out := c.handle("rm -rf /")
	if !strings.Contains(out, "unknown command") {
		t.Fatalf("expected unknown command message, got %q", out)
	}
}

func TestHandleEmptyCommandPrintsUsage(t *testing.T) {
	c := &Console{reporter: fakeReporter{}}
	out := c.handle("")
	if !strings.Contains(out, "usage:") {
		t.Fatalf("expected usage message, got %q", out)
	}
}
