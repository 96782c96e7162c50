package heartbeat

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/overlaynet/switchd/internal/state"
	"github.com/overlaynet/switchd/internal/wire"
)

// Worker periodically pings the server, absorbs Pong replies, polls for
// DeviceList updates, and sweeps stale route/NAT-info entries when the
// device list changes. Grounded on the run-loop shape used by this
// codebase's other background workers: Start installs a cancel tied to the
// run loop, Stop cancels and waits, IsRunning reports liveness.
type Worker struct {
	log     *slog.Logger
	cfg     *Config
	wg      sync.WaitGroup
	running atomic.Bool

	cancel   context.CancelFunc
	cancelMu sync.RWMutex
}

// New wires a Worker to cfg. Call Start to begin the run loop.
func New(cfg Config) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Worker{log: cfg.Logger, cfg: &cfg}, nil
}

// Start launches the worker if not already running.
func (w *Worker) Start(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancelMu.Lock()
	w.cancel = cancel
	w.cancelMu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.Run(ctx)
		w.running.Store(false)
	}()
}

// Stop cancels the worker (if running) and blocks until Run returns.
func (w *Worker) Stop() {
	w.cancelMu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.cancelMu.Unlock()
	w.wg.Wait()
}

// IsRunning reports whether Start was called and the run loop hasn't exited.
func (w *Worker) IsRunning() bool { return w.running.Load() }

// Run is the worker's main loop. It exits when ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("heartbeat: worker started", "interval", w.cfg.Interval)

	pingTicker := time.NewTicker(w.cfg.Interval)
	defer pingTicker.Stop()
	peerPingTicker := time.NewTicker(w.cfg.PeerInterval)
	defer peerPingTicker.Stop()
	dlTicker := time.NewTicker(w.cfg.DeviceListEvery)
	defer dlTicker.Stop()
	sweepTicker := time.NewTicker(w.cfg.RouteTTL)
	defer sweepTicker.Stop()

	var seq uint32
	var peerSeq uint32
	var consecutiveFailures int

	for {
		select {
		case <-ctx.Done():
			w.log.Debug("heartbeat: worker stopped", "error", ctx.Err())
			return

		case <-pingTicker.C:
			seq++
			ts := uint64(w.cfg.NowFunc().UnixMilli())
			if err := w.cfg.Sender.SendPing(ctx, seq, ts); err != nil {
				w.log.Warn("heartbeat: ping send failed", "error", err)
				consecutiveFailures++
				if consecutiveFailures >= w.cfg.MaxPingFailures {
					w.signalUnreachable()
				}
			} else {
				consecutiveFailures = 0
			}

		case pong, ok := <-w.cfg.Pongs:
			if !ok {
				continue
			}
			w.onPong(pong)

		case <-peerPingTicker.C:
			peerSeq++
			w.pingPeers(ctx, peerSeq)

		case <-dlTicker.C:
			w.pollDeviceList(ctx)

		case <-sweepTicker.C:
			w.sweep()
		}
	}
}

// pingPeers sends a Ping along each peer's DirectRoute, if one is known.
// Implements spec §4.3's "Every H_peer: for each peer in DeviceList, send a
// Ping along its DirectRoute if present" — peers with no DirectRoute yet
// (relay-only) are left to the punch engine to establish one.
func (w *Worker) pingPeers(ctx context.Context, seq uint32) {
	snap := w.cfg.Devices.Snapshot()
	ts := uint64(w.cfg.NowFunc().UnixMilli())
	for _, peer := range snap.Peers {
		route, ok := w.cfg.Routes.Get(peer)
		if !ok {
			continue
		}
		if err := w.cfg.Sender.SendPeerPing(ctx, peer, route.Addr, seq, ts); err != nil {
			w.log.Debug("heartbeat: peer ping send failed", "peer", peer, "error", err)
		}
	}
}

// onPong records the round-trip latency implied by pong's echoed timestamp
// and, if the server reports a newer epoch than we've observed, triggers an
// immediate device-list poll instead of waiting for the next tick.
func (w *Worker) onPong(pong wire.Pong) {
	now := uint64(w.cfg.NowFunc().UnixMilli())
	if now >= pong.Timestamp {
		state.SetServerRtt(int64(now - pong.Timestamp))
	}
	if pong.Epoch > w.cfg.Devices.Epoch() {
		w.pollDeviceList(w.cfg.Context)
	}
}

// sweep removes direct routes and peer NAT entries for peers no longer in
// DeviceList, and evicts routes that have gone stale. Implements the
// idle-peer route GC sweep.
func (w *Worker) sweep() {
	snap := w.cfg.Devices.Snapshot()
	w.cfg.Routes.EvictAbsent(snap.Peers)
	w.cfg.PeerNat.PruneAbsent(snap.Peers)
	if w.cfg.Punch != nil {
		w.cfg.Punch.Sweep(snap.Peers)
	}

	evicted := w.cfg.Routes.EvictStale(w.cfg.NowFunc(), w.cfg.RouteTTL)
	for _, k := range evicted {
		peer := net.IP([]byte(k))
		w.log.Debug("heartbeat: direct route expired", "peer", peer)
		if w.cfg.Punch != nil {
			w.cfg.Punch.OnRouteEvicted(peer)
		}
	}
}

// signalUnreachable notifies Config.Unreachable, if set, without blocking
// the run loop if no one is listening.
func (w *Worker) signalUnreachable() {
	w.log.Warn("heartbeat: server unreachable", "consecutive_failures", w.cfg.MaxPingFailures)
	if w.cfg.Unreachable == nil {
		return
	}
	select {
	case w.cfg.Unreachable <- struct{}{}:
	default:
	}
}

func (w *Worker) pollDeviceList(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, w.cfg.Interval)
	defer cancel()

	snap, err := w.cfg.Sender.RequestDeviceList(reqCtx)
	if err != nil {
		w.log.Warn("heartbeat: device list poll failed", "error", err)
		return
	}
	if w.cfg.Devices.Swap(snap) {
		w.log.Info("heartbeat: device list updated", "epoch", snap.Epoch, "peers", len(snap.Peers))
		w.sweep()
	}
}
