// Package heartbeat runs the periodic worker that keeps a registered
// session alive: sending Ping to the rendezvous server, absorbing Pong
// replies, refreshing the shared DeviceList on epoch bumps, and sweeping
// stale DirectRoute/PeerNatInfo entries. Its lifecycle follows the
// Start/Stop/IsRunning/Run(ctx) shape used throughout this codebase's
// background workers.
package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/overlaynet/switchd/internal/state"
	"github.com/overlaynet/switchd/internal/wire"
)

// Sender is the minimal transport the heartbeat worker needs.
type Sender interface {
	// SendPing transmits a Ping to the server. The reply, if any, is
	// delivered asynchronously to Config.Pongs by the caller's mux.
	SendPing(ctx context.Context, seq uint32, timestamp uint64) error
	// SendPeerPing transmits a Ping directly to a peer's DirectRoute
	// address (spec §4.3's "for each peer in DeviceList, send a Ping
	// along its DirectRoute if present"), used to keep the route fresh
	// and detect liveness without waiting for tunnel traffic.
	SendPeerPing(ctx context.Context, peer net.IP, addr *net.UDPAddr, seq uint32, timestamp uint64) error
	// RequestDeviceList asks the server for its current device list and
	// blocks until a reply arrives or ctx expires.
	RequestDeviceList(ctx context.Context) (state.DeviceListSnapshot, error)
}

// PunchEngine is the subset of *punch.Engine the heartbeat sweep drives: it
// retires punch sessions for peers that dropped out of DeviceList in the
// same pass that prunes DirectRoute/PeerNatInfo entries, and notifies the
// engine when a route goes stale so its session falls back to Idle (spec
// §4.6: "On DirectRoute eviction: transition to Idle").
type PunchEngine interface {
	Sweep(peers []net.IP)
	OnRouteEvicted(peer net.IP)
}

// Config provides all dependencies and tunables for the heartbeat worker.
type Config struct {
	Logger  *slog.Logger    // destination for logs
	Context context.Context // root context for worker lifecycle
	Sender  Sender          // server transport

	Devices *state.DeviceList       // shared device-list cell to refresh
	Routes  *state.DirectRouteTable // direct routes, swept on DeviceList changes
	PeerNat *state.PeerNatTable     // peer NAT cache, swept on DeviceList changes
	Punch   PunchEngine             // optional; swept alongside Routes/PeerNat
	Pongs   <-chan wire.Pong        // replies delivered by the mux; nil Pongs disables RTT tracking
	NowFunc func() time.Time        // defaults to time.Now

	// Unreachable, if set, receives a non-blocking signal once
	// MaxPingFailures consecutive Ping sends have failed, so
	// internal/shell can surface a "server unreachable" warning.
	Unreachable     chan<- struct{}
	MaxPingFailures int

	Interval        time.Duration // period between server Ping sends (H_server)
	PeerInterval    time.Duration // period between per-peer DirectRoute Ping sends (H_peer)
	DeviceListEvery time.Duration // period between DeviceListRequest polls
	RouteTTL        time.Duration // DirectRoute staleness threshold
}

// Validate checks required fields and applies defaults.
func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("heartbeat: logger is required")
	}
	if cfg.Context == nil {
		return errors.New("heartbeat: context is required")
	}
	if cfg.Sender == nil {
		return errors.New("heartbeat: sender is required")
	}
	if cfg.Devices == nil {
		return errors.New("heartbeat: device list is required")
	}
	if cfg.Routes == nil {
		return errors.New("heartbeat: direct route table is required")
	}
	if cfg.PeerNat == nil {
		return errors.New("heartbeat: peer nat table is required")
	}
	if cfg.Interval <= 0 {
		return errors.New("heartbeat: interval is required")
	}
	if cfg.PeerInterval <= 0 {
		// Spec §4.3: H_server defaults to 3s, H_peer to 5s; they're
		// independent cadences, not derived from one another. Absent an
		// explicit value, fall back to Interval so a caller that only sets
		// Interval still gets peer probing at the same cadence.
		cfg.PeerInterval = cfg.Interval
	}
	if cfg.DeviceListEvery <= 0 {
		cfg.DeviceListEvery = cfg.Interval * 10
	}
	if cfg.RouteTTL <= 0 {
		cfg.RouteTTL = cfg.Interval * 5
	}
	if cfg.MaxPingFailures <= 0 {
		cfg.MaxPingFailures = 3
	}
	if cfg.NowFunc == nil {
		cfg.NowFunc = time.Now
	}
	return nil
}
