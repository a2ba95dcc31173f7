// Package sessionpool implements the session pool: an ordered,
// mutex-guarded collection of (master_id, onsite_id) pairings with status
// derived from per-side interface state. Modelled on the mutex-guarded
// shape of internal/hostd/portalloc.go; there are no index maps here, the
// pool is a single slice scanned linearly.
package sessionpool

import (
	"errors"
	"sync"
)

// Status is a Session's derived connectivity state.
type Status int

const (
	StatusDown Status = iota
	StatusInProgress
	StatusUp
)

func (s Status) String() string {
	switch s {
	case StatusDown:
		return "down"
	case StatusInProgress:
		return "in-progress"
	case StatusUp:
		return "up"
	default:
		return "unknown"
	}
}

// Session pairs one master and one onsite binding.
type Session struct {
	MasterID string
	OnsiteID string
	MasterIface string // "" when not yet up
	OnsiteIface string // "" when not yet up
}

// StatusOf derives this session's status: down when neither interface is
// up, in-progress when exactly one is, up when both are.
func (s Session) StatusOf() Status {
	switch {
	case s.MasterIface == "" && s.OnsiteIface == "":
		return StatusDown
	case s.MasterIface == "" || s.OnsiteIface == "":
		return StatusInProgress
	default:
		return StatusUp
	}
}

// Equal reports whether two sessions have identical master/onsite IDs and
// interface state (the Session equality).
func (s Session) Equal(o Session) bool {
	return s.MasterID == o.MasterID && s.OnsiteID == o.OnsiteID &&
		s.MasterIface == o.MasterIface && s.OnsiteIface == o.OnsiteIface
}

// ErrAlreadyConnected mirrors the DevicesAlreadyConnected exception,
// returned by Add when an equal session already exists.
var ErrAlreadyConnected = errors.New("DevicesAlreadyConnected")

// Transition describes a session's status change as observed by
// UpdateIface.
type Transition struct {
	Session Session
	Previous Status
	Current Status
}

// Pool is the mutex-guarded ordered list of sessions.
type Pool struct {
	mu sync.Mutex
	sessions []Session
}

// New creates an empty Pool.
func New() *Pool {
	return &Pool{}
}

// Add appends a new down session for (masterID, onsiteID), rejecting an
// exact duplicate with ErrAlreadyConnected.
func (p *Pool) Add(masterID, onsiteID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidate := Session{MasterID: masterID, OnsiteID: onsiteID}
	for _, s := range p.sessions {
		if s.Equal(candidate) {
			return ErrAlreadyConnected
		}
	}
	p.sessions = append(p.sessions, candidate)
	return nil
}

// UpdateIface sets the iface for every session in which deviceID
// participates (as master or onsite) to up or down, and returns one
// Transition per affected session. All affected sessions are updated
// under a single lock acquisition, giving callers a consistent view to
// serialise kernel mutations against (the ordering guarantee).
func (p *Pool) UpdateIface(deviceID, iface string, up bool) []Transition {
	p.mu.Lock()
	defer p.mu.Unlock()

	var transitions []Transition
	for i := range p.sessions {
		s := &p.sessions[i]
		if s.MasterID != deviceID && s.OnsiteID != deviceID {
			continue
		}
		before := s.StatusOf()

		var newIface string
		if up {
			newIface = iface
		}
		if s.MasterID == deviceID {
			s.MasterIface = newIface
		}
		if s.OnsiteID == deviceID {
			s.OnsiteIface = newIface
		}

		after := s.StatusOf()
		transitions = append(transitions, Transition{Session: *s, Previous: before, Current: after})
	}
	return transitions
}

// RemoveInvolving drops every session where username is master or onsite,
// returning the peer usernames from those sessions so the caller can tear
// them down.
func (p *Pool) RemoveInvolving(username string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var peers []string
	kept := p.sessions[:0:0]
	for _, s := range p.sessions {
		switch {
		case s.MasterID == username:
			peers = append(peers, s.OnsiteID)
		case s.OnsiteID == username:
			peers = append(peers, s.MasterID)
		default:
			kept = append(kept, s)
		}
	}
	p.sessions = kept
	return peers
}

// All returns a snapshot of every session currently in the pool.
func (p *Pool) All() []Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// SessionsFor returns every session in which username participates.
func (p *Pool) SessionsFor(username string) []Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Session
	for _, s := range p.sessions {
		if s.MasterID == username || s.OnsiteID == username {
			out = append(out, s)
		}
	}
	return out
}
