package punch

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/overlaynet/switchd/internal/state"
	"github.com/overlaynet/switchd/internal/wire"
)

// Sender transmits an already-framed datagram to dst. Satisfied by *mux.Mux.
type Sender interface {
	Send(frame wire.Frame, dst *net.UDPAddr) error
}

// Config provides all dependencies and tunables for the punch Engine.
type Config struct {
	Logger  *slog.Logger
	Context context.Context
	Sender  Sender

	ServerAddr *net.UDPAddr
	Routes     *state.DirectRouteTable
	PeerNat    *state.PeerNatTable

	// DetectTimeout bounds how long a Probing session waits for a punch to
	// land before backing off into Cooldown.
	DetectTimeout time.Duration
	// CooldownPeriod is how long a failed peer sits in Cooldown before the
	// engine retries it.
	CooldownPeriod time.Duration
	// RelayPeriod (T_relay, default 5 min) is how long a peer pair found to
	// be Symmetric-to-Symmetric sits in RelayOnly before the engine retries
	// hole-punching (spec §4.6).
	RelayPeriod time.Duration
	// SprayRate bounds how many candidate probes per second the engine will
	// emit for a single symmetric-NAT peer, so a wide candidate list can't
	// flood the peer's NAT with simultaneous hole-punch packets.
	SprayRate  rate.Limit
	SprayBurst int
	// SprayWindow is the ± port half-width around an anchor port that a
	// Cone-NAT spray covers (spec §4.6 default ±50 ports).
	SprayWindow int

	NowFunc func() time.Time
}

// Validate checks required fields and applies defaults.
func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("punch: logger is required")
	}
	if cfg.Context == nil {
		return errors.New("punch: context is required")
	}
	if cfg.Sender == nil {
		return errors.New("punch: sender is required")
	}
	if cfg.ServerAddr == nil {
		return errors.New("punch: server address is required")
	}
	if cfg.Routes == nil {
		return errors.New("punch: direct route table is required")
	}
	if cfg.PeerNat == nil {
		return errors.New("punch: peer nat table is required")
	}
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = 5 * time.Second
	}
	if cfg.CooldownPeriod <= 0 {
		cfg.CooldownPeriod = 30 * time.Second
	}
	if cfg.RelayPeriod <= 0 {
		cfg.RelayPeriod = 5 * time.Minute
	}
	if cfg.SprayRate <= 0 {
		cfg.SprayRate = 20
	}
	if cfg.SprayBurst <= 0 {
		cfg.SprayBurst = 5
	}
	if cfg.SprayWindow <= 0 {
		cfg.SprayWindow = 50
	}
	if cfg.NowFunc == nil {
		cfg.NowFunc = time.Now
	}
	return nil
}

// Engine owns one Session per peer and drives the punch handshake in
// response to inbound Control frames. It mirrors the teacher's BFD Session
// map: a mutex-guarded map of per-peer state, with timeouts swept on a
// ticker rather than per-peer timers.
type Engine struct {
	log *slog.Logger
	cfg *Config

	mu       sync.Mutex
	sessions map[string]*Session
	limiters map[string]*rate.Limiter
}

// New wires an Engine to cfg.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		log:      cfg.Logger,
		cfg:      &cfg,
		sessions: make(map[string]*Session),
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

func ipKey(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return string(v4)
	}
	return ip.String()
}

func (e *Engine) sessionFor(peer net.IP) *Session {
	k := ipKey(peer)
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[k]
	if !ok {
		s = newSession(peer)
		e.sessions[k] = s
	}
	return s
}

func (e *Engine) limiterFor(peer net.IP) *rate.Limiter {
	k := ipKey(peer)
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[k]
	if !ok {
		l = rate.NewLimiter(e.cfg.SprayRate, e.cfg.SprayBurst)
		e.limiters[k] = l
	}
	return l
}

// RequestPunch kicks off hole-punching toward peer: Idle/Cooldown ->
// Probing, then a PunchRequest is sent to the server to learn the peer's
// NAT classification and candidates. Called by the forwarder's "unknown
// destination" path and by Sweep when a Cooldown or RelayOnly period ends.
func (e *Engine) RequestPunch(peer net.IP) {
	now := e.cfg.NowFunc()
	s := e.sessionFor(peer)

	s.mu().Lock()
	started := s.beginProbing(now)
	s.mu().Unlock()
	if !started {
		return
	}

	req := wire.PunchRequest{PeerIP: wire.IPv4ToU32(peer)}
	frame := wire.Frame{
		Header: wire.Header{
			Protocol:    wire.ProtoControl,
			SubProtocol: wire.SubPunchRequest,
			TTL:         wire.DefaultTTL,
		},
		Payload: req.Marshal(),
	}
	if err := e.cfg.Sender.Send(frame, e.cfg.ServerAddr); err != nil {
		e.log.Warn("punch: send PunchRequest failed", "peer", peer, "error", err)
	}
}

// HandleControl dispatches one decoded Control-protocol frame by its
// sub-protocol. Registered as the control.Dispatcher's HandleFunc.
func (e *Engine) HandleControl(frame wire.Frame, remote *net.UDPAddr) {
	switch frame.Header.SubProtocol {
	case wire.SubPunchResponse:
		e.handlePunchResponse(frame)
	case wire.SubPunchCone:
		e.handlePunchCone(frame, remote)
	case wire.SubPunchReqSym:
		e.handlePunchReqSym(frame)
	case wire.SubPunchResSym:
		e.handlePunchResSym(frame, remote)
	default:
		e.log.Debug("punch: unrecognized sub-protocol", "sub", frame.Header.SubProtocol)
	}
}

// handlePunchResponse is the server telling us how to reach a peer. Spec
// §4.6 requires a strategy decision on *both* sides' NAT type: both Cone
// probes the peer's single observed endpoint directly; either side
// Symmetric with the remote Cone has the Cone side spray the Symmetric
// side's candidate list; both Symmetric never attempts a punch at all and
// falls straight back to relay for T_relay.
func (e *Engine) handlePunchResponse(frame wire.Frame) {
	resp, err := wire.UnmarshalPunchResponse(frame.Payload)
	if err != nil {
		e.log.Debug("punch: malformed PunchResponse", "error", err)
		return
	}
	peer := wire.U32ToIP4(resp.PeerIP)
	e.cfg.PeerNat.Set(peer, state.PeerNatInfo{
		Type:       resp.NatType,
		PublicIP:   wire.U32ToIP4(resp.PublicIP),
		PublicPort: resp.PublicPort,
		Candidates: resp.Candidates,
	})

	local := state.LocalNatInfo()
	var localType wire.NatType
	if local != nil {
		localType = local.Type
	}

	switch {
	case localType == wire.NatSymmetric && resp.NatType == wire.NatSymmetric:
		e.relayOnly(peer)
	case localType == wire.NatCone && resp.NatType == wire.NatCone:
		e.sendPunchCone(peer, resp.PublicIP, resp.PublicPort)
	case resp.NatType == wire.NatCone:
		// We are Symmetric (or our own NAT type isn't known yet): the
		// remote Cone peer is "the Cone side" spec §4.6 describes as the
		// one that sprays, so ask it (relayed through the server, since we
		// have no direct path to them yet) to spray toward our own guessed
		// port window.
		e.sendPunchReqSym(peer, e.localSprayCandidates())
	case resp.NatType == wire.NatSymmetric:
		// We are Cone (or our own NAT type isn't known yet): we act as
		// "the Cone side", so we spray directly at the
		// candidate window the server supplied for the peer, with no
		// server round trip needed.
		e.spray(peer, resp.Candidates)
	default:
		e.log.Debug("punch: peer NAT type unknown, cannot plan punch", "peer", peer)
	}
}

// localSprayCandidates builds the candidate port window a Cone-NAT peer
// should spray toward to reach us, anchored on our own observed public
// port. Spec §4.6 Open Question (a): the ±50-port default width is a
// heuristic, not derived from measured NAT port-allocation behavior.
func (e *Engine) localSprayCandidates() []wire.CandidateAddr {
	local := state.LocalNatInfo()
	if local == nil || local.PublicIP == nil {
		return nil
	}
	return candidateWindow(wire.IPv4ToU32(local.PublicIP), local.PublicPort, e.cfg.SprayWindow)
}

// candidateWindow expands a single anchor (ip, port) into a ±width port
// range, clamped to the valid port space.
func candidateWindow(ip uint32, anchor uint16, width int) []wire.CandidateAddr {
	lo := int(anchor) - width
	if lo < 1 {
		lo = 1
	}
	hi := int(anchor) + width
	if hi > 65535 {
		hi = 65535
	}
	out := make([]wire.CandidateAddr, 0, hi-lo+1)
	for p := lo; p <= hi; p++ {
		out = append(out, wire.CandidateAddr{IP: ip, Port: uint16(p)})
	}
	return out
}

// relayOnly marks peer as relay-only for Config.RelayPeriod: neither side's
// NAT can be punched (both Symmetric), so no punch packet is ever sent and
// all traffic transits the server relay until the engine retries.
func (e *Engine) relayOnly(peer net.IP) {
	now := e.cfg.NowFunc()
	s := e.sessionFor(peer)
	s.mu().Lock()
	s.relayOnly(now, e.cfg.RelayPeriod)
	s.mu().Unlock()
	e.log.Info("punch: both sides symmetric, falling back to relay", "peer", peer, "for", e.cfg.RelayPeriod)
}

// sendPunchCone probes a cone peer's single observed (ip, port) directly.
func (e *Engine) sendPunchCone(peer net.IP, publicIP uint32, publicPort uint16) {
	probe := wire.PunchCone{PeerIP: wire.IPv4ToU32(peer)}
	frame := wire.Frame{
		Header:  wire.Header{Protocol: wire.ProtoControl, SubProtocol: wire.SubPunchCone, TTL: wire.DefaultTTL},
		Payload: probe.Marshal(),
	}
	dst := &net.UDPAddr{IP: wire.U32ToIP4(publicIP), Port: int(publicPort)}
	if err := e.cfg.Sender.Send(frame, dst); err != nil {
		e.log.Warn("punch: send PunchCone failed", "peer", peer, "error", err)
	}
}

// sendPunchReqSym asks the server to relay our own candidate spray window
// to a Cone-NAT peer, who will spray us back (handlePunchReqSym on their
// side) so our symmetric NAT's mapping toward them opens.
func (e *Engine) sendPunchReqSym(peer net.IP, candidates []wire.CandidateAddr) {
	msg := wire.PunchReqSym{PeerIP: wire.IPv4ToU32(peer), Candidates: candidates}
	frame := wire.Frame{
		Header: wire.Header{Protocol: wire.ProtoControl, SubProtocol: wire.SubPunchReqSym, TTL: wire.DefaultTTL},
		Payload: msg.Marshal(),
	}
	if err := e.cfg.Sender.Send(frame, e.cfg.ServerAddr); err != nil {
		e.log.Warn("punch: send PunchReqSym failed", "peer", peer, "error", err)
	}
}

// handlePunchCone is a cone-NAT probe landing from a peer: the sender's
// observed remote address is now known reachable, so install it as the
// DirectRoute and mark the session Established.
func (e *Engine) handlePunchCone(frame wire.Frame, remote *net.UDPAddr) {
	msg, err := wire.UnmarshalPunchCone(frame.Payload)
	if err != nil {
		e.log.Debug("punch: malformed PunchCone", "error", err)
		return
	}
	peer := wire.U32ToIP4(msg.PeerIP)
	e.establish(peer, remote)
}

// handlePunchReqSym is the server relaying a symmetric peer's request that
// we, a Cone-NAT peer, spray its candidate window so its NAT mapping opens
// for our address.
func (e *Engine) handlePunchReqSym(frame wire.Frame) {
	msg, err := wire.UnmarshalPunchReqSym(frame.Payload)
	if err != nil {
		e.log.Debug("punch: malformed PunchReqSym", "error", err)
		return
	}
	peer := wire.U32ToIP4(msg.PeerIP)
	e.spray(peer, msg.Candidates)
}

// spray sends a PunchResSym probe to every candidate address, rate-limited
// per peer so a wide window can't flood either NAT with simultaneous
// packets. Used both when we're the Cone side asked (via ReqSym) to spray a
// remote Symmetric peer's window, and when we're the Cone side spraying a
// remote Symmetric peer's server-supplied candidates directly.
func (e *Engine) spray(peer net.IP, candidates []wire.CandidateAddr) {
	limiter := e.limiterFor(peer)
	ack := wire.PunchResSym{PeerIP: wire.IPv4ToU32(peer)}
	payload := ack.Marshal()

	for _, c := range candidates {
		if err := limiter.Wait(e.cfg.Context); err != nil {
			return
		}
		dst := &net.UDPAddr{IP: wire.U32ToIP4(c.IP), Port: int(c.Port)}
		probe := wire.Frame{
			Header:  wire.Header{Protocol: wire.ProtoControl, SubProtocol: wire.SubPunchResSym, TTL: wire.DefaultTTL},
			Payload: payload,
		}
		if err := e.cfg.Sender.Send(probe, dst); err != nil {
			e.log.Debug("punch: spray send failed", "dst", dst, "error", err)
		}
	}
}

// handlePunchResSym is a symmetric peer's spray landing: the first one to
// arrive wins and becomes the DirectRoute.
func (e *Engine) handlePunchResSym(frame wire.Frame, remote *net.UDPAddr) {
	msg, err := wire.UnmarshalPunchResSym(frame.Payload)
	if err != nil {
		e.log.Debug("punch: malformed PunchResSym", "error", err)
		return
	}
	peer := wire.U32ToIP4(msg.PeerIP)
	e.establish(peer, remote)
}

// establish installs remote as peer's DirectRoute and moves its session to
// Established.
func (e *Engine) establish(peer net.IP, remote *net.UDPAddr) {
	now := e.cfg.NowFunc()
	e.cfg.Routes.Refresh(peer, remote, -1, now)

	s := e.sessionFor(peer)
	s.mu().Lock()
	s.establish(now)
	s.mu().Unlock()
	e.log.Info("punch: established direct route", "peer", peer, "remote", remote)
}

// Sweep runs one maintenance pass: Probing sessions that have exceeded
// DetectTimeout move to Cooldown, Cooldown sessions whose period has
// elapsed are retried, and sessions for peers no longer in the overlay are
// dropped entirely. Intended to be called from the heartbeat loop's sweep
// alongside the DirectRouteTable/PeerNatTable GC.
func (e *Engine) Sweep(peers []net.IP) {
	now := e.cfg.NowFunc()
	present := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		present[ipKey(p)] = struct{}{}
	}

	var retry []net.IP
	e.mu.Lock()
	for k, s := range e.sessions {
		if _, ok := present[k]; !ok {
			delete(e.sessions, k)
			delete(e.limiters, k)
			continue
		}
		s.mu().Lock()
		if s.state == StateProbing && now.Sub(s.probingSince) > e.cfg.DetectTimeout {
			s.cooldown(s.probingSince.Add(e.cfg.DetectTimeout), e.cfg.CooldownPeriod)
		}
		if s.readyToRetry(now) {
			retry = append(retry, s.peer)
		}
		s.mu().Unlock()
	}
	e.mu.Unlock()

	for _, p := range retry {
		e.RequestPunch(p)
	}
}

// OnRouteEvicted notifies the engine that peer's DirectRoute was dropped by
// the heartbeat sweep, so its session falls back to Idle and can be
// re-probed on the next outbound packet.
func (e *Engine) OnRouteEvicted(peer net.IP) {
	s := e.sessionFor(peer)
	s.mu().Lock()
	s.onRouteLost()
	s.mu().Unlock()
}

// Snapshot returns a defensive copy of every peer's current FSM state,
// keyed by the peer's 4-byte IP.
func (e *Engine) Snapshot() map[string]Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Snapshot, len(e.sessions))
	for k, s := range e.sessions {
		s.mu().Lock()
		out[k] = s.snapshot()
		s.mu().Unlock()
	}
	return out
}
