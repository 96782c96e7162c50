// Package punch implements the per-peer hole-punch engine: requesting a
// peer's NAT classification from the server, deciding whether to probe
// directly (cone) or spray candidate ports (symmetric), and installing the
// winning endpoint as a DirectRoute once a punch round-trips. Each peer's
// progress is tracked by a small mutex-guarded FSM modeled directly on the
// teacher's BFD-like Session: State field, up/down timestamps, and a single
// mutex guarding all mutable fields.
package punch

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// State is the hole-punch FSM for one peer.
type State uint8

const (
	StateIdle State = iota
	StateProbing
	StateEstablished
	StateCooldown
	// StateRelayOnly is entered directly from a PunchResponse that reports
	// both sides as Symmetric (spec §4.6: "both are Symmetric: the engine
	// falls back to relay and marks the peer as RelayOnly for T_relay...
	// before retrying"). No punch is attempted while in this state.
	StateRelayOnly
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StateEstablished:
		return "established"
	case StateCooldown:
		return "cooldown"
	case StateRelayOnly:
		return "relay_only"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Session tracks one peer's hole-punch progress. Every mutable field is
// guarded by mtx, the same single-mutex-per-session shape as the teacher's
// BFD Session.
type Session struct {
	peer net.IP

	mtx sync.Mutex

	state            State
	probingSince     time.Time
	establishedSince time.Time
	cooldownUntil    time.Time
	relayUntil       time.Time
	attempts         int
}

// newSession returns an Idle session for peer.
func newSession(peer net.IP) *Session {
	return &Session{peer: peer, state: StateIdle}
}

// mu returns the session's guarding mutex. Callers must hold it across any
// read or write of the fields below state.
func (s *Session) mu() *sync.Mutex { return &s.mtx }

// Snapshot is an immutable copy of a Session's fields, for the CLI and tests.
type Snapshot struct {
	Peer             net.IP
	State            State
	ProbingSince     time.Time
	EstablishedSince time.Time
	CooldownUntil    time.Time
	RelayUntil       time.Time
	Attempts         int
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		Peer:             s.peer,
		State:            s.state,
		ProbingSince:     s.probingSince,
		EstablishedSince: s.establishedSince,
		CooldownUntil:    s.cooldownUntil,
		RelayUntil:       s.relayUntil,
		Attempts:         s.attempts,
	}
}

// beginProbing transitions Idle/Cooldown(expired)/RelayOnly(expired) ->
// Probing. No-op from Probing or Established (a punch already in flight, or
// already direct), and no-op from Cooldown/RelayOnly before their timer has
// elapsed.
func (s *Session) beginProbing(now time.Time) bool {
	switch s.state {
	case StateProbing, StateEstablished:
		return false
	case StateCooldown:
		if now.Before(s.cooldownUntil) {
			return false
		}
	case StateRelayOnly:
		if now.Before(s.relayUntil) {
			return false
		}
	}
	s.state = StateProbing
	s.probingSince = now
	s.attempts++
	return true
}

// establish transitions Probing -> Established on a successful punch.
func (s *Session) establish(now time.Time) {
	s.state = StateEstablished
	s.establishedSince = now
	s.attempts = 0
}

// cooldown transitions Probing -> Cooldown after a punch attempt times out
// without success, so the engine doesn't spray indefinitely.
func (s *Session) cooldown(now time.Time, period time.Duration) {
	s.state = StateCooldown
	s.cooldownUntil = now.Add(period)
}

// relayOnly transitions Probing -> RelayOnly when both sides of a peer pair
// are Symmetric NATs and no punch is even attempted (spec §4.6: "both are
// Symmetric: the engine falls back to relay and marks the peer as
// RelayOnly for T_relay... before retrying").
func (s *Session) relayOnly(now time.Time, period time.Duration) {
	s.state = StateRelayOnly
	s.relayUntil = now.Add(period)
}

// onRouteLost transitions Established -> Idle when the DirectRoute for this
// peer is evicted (spec §4.6's "On DirectRoute eviction: transition to
// Idle").
func (s *Session) onRouteLost() {
	if s.state == StateEstablished {
		s.state = StateIdle
	}
}

// readyToRetry reports whether a Cooldown or RelayOnly session's timer has
// elapsed, so the engine should attempt the punch handshake again.
func (s *Session) readyToRetry(now time.Time) bool {
	switch s.state {
	case StateCooldown:
		return !now.Before(s.cooldownUntil)
	case StateRelayOnly:
		return !now.Before(s.relayUntil)
	default:
		return false
	}
}
