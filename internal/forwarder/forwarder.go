// Package forwarder bridges the local tunnel device and the UDP overlay: it
// reads IP packets emitted by the kernel for the virtual subnet, encapsulates
// them in an IpTurn frame, and sends them either direct (if a DirectRoute is
// known for the destination) or via the server as a relay. On the receive
// side it strips the frame and writes the inner IP packet back to the
// device. Its lifecycle follows the same Start/Stop/IsRunning/Run(ctx)
// shape as this codebase's other workers.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/overlaynet/switchd/internal/metrics"
	"github.com/overlaynet/switchd/internal/state"
	"github.com/overlaynet/switchd/internal/tun"
	"github.com/overlaynet/switchd/internal/wire"
)

// Sender transmits an already-framed datagram to dst.
type Sender interface {
	Send(frame wire.Frame, dst *net.UDPAddr) error
}

// Puncher is notified of tunnel writes toward peers with no DirectRoute, so
// it can kick off the hole-punch handshake (spec §4.6: "On a tunnel write
// toward a peer with no DirectRoute ... request the server for the peer's
// NatInfo"). Satisfied by *punch.Engine; RequestPunch is itself a no-op
// when the peer's session is already Probing or in an unexpired Cooldown.
type Puncher interface {
	RequestPunch(peer net.IP)
}

// Config provides all dependencies and tunables for the forwarder.
type Config struct {
	Logger     *slog.Logger    // destination for logs
	Context    context.Context // root context for worker lifecycle
	Device     tun.Device      // local tunnel device
	Sender     Sender          // UDP transport
	Routes     *state.DirectRouteTable
	ServerAddr *net.UDPAddr // relay fallback when no DirectRoute is known
	Puncher    Puncher      // optional: triggers hole-punching on relay fallback
	MTU        int

	// Fatal, if set, receives a non-blocking signal when the tunnel device
	// read loop fails for a reason other than context cancellation, or when
	// an outbound send fails with an error that isn't transient. The
	// caller is expected to treat this as a TunnelIoError and terminate the
	// process, per spec's fatal-error propagation policy.
	Fatal chan<- error
}

// Validate checks required fields and applies defaults.
func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("forwarder: logger is required")
	}
	if cfg.Context == nil {
		return errors.New("forwarder: context is required")
	}
	if cfg.Device == nil {
		return errors.New("forwarder: device is required")
	}
	if cfg.Sender == nil {
		return errors.New("forwarder: sender is required")
	}
	if cfg.Routes == nil {
		return errors.New("forwarder: direct route table is required")
	}
	if cfg.ServerAddr == nil {
		return errors.New("forwarder: server address is required")
	}
	if cfg.MTU <= 0 {
		cfg.MTU = 1400
	}
	return nil
}

// Forwarder owns the tunnel read loop.
type Forwarder struct {
	log     *slog.Logger
	cfg     *Config
	wg      sync.WaitGroup
	running atomic.Bool

	cancel   context.CancelFunc
	cancelMu sync.RWMutex
}

// New wires a Forwarder to cfg.
func New(cfg Config) (*Forwarder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Forwarder{log: cfg.Logger, cfg: &cfg}, nil
}

// Start launches the tunnel read loop if not already running.
func (f *Forwarder) Start(ctx context.Context) {
	if !f.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	f.cancelMu.Lock()
	f.cancel = cancel
	f.cancelMu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.Run(ctx)
		f.running.Store(false)
	}()
}

// Stop cancels the read loop and blocks until it exits.
func (f *Forwarder) Stop() {
	f.cancelMu.Lock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.cancelMu.Unlock()
	f.wg.Wait()
}

// IsRunning reports whether the read loop is active.
func (f *Forwarder) IsRunning() bool { return f.running.Load() }

// Run reads packets off the tunnel device until ctx is canceled or the
// device returns a fatal error.
func (f *Forwarder) Run(ctx context.Context) {
	f.log.Info("forwarder: started", "mtu", f.cfg.MTU)
	const offset = 0
	buf := make([]byte, f.cfg.MTU+64)

	for {
		select {
		case <-ctx.Done():
			f.log.Debug("forwarder: stopped", "error", ctx.Err())
			return
		default:
		}

		n, err := f.cfg.Device.Read(buf, offset)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			f.log.Error("forwarder: device read failed", "error", err)
			if f.cfg.Fatal != nil {
				select {
				case f.cfg.Fatal <- fmt.Errorf("forwarder: tunnel device read failed: %w", err):
				default:
				}
			}
			return
		}
		if n < 20 {
			metrics.TunPacketsDropped.WithLabelValues("short_packet").Inc()
			continue // shorter than a minimal IPv4 header
		}
		f.forwardOut(buf[offset : offset+n])
	}
}

// forwardOut inspects the destination IP of an outgoing packet and ships it
// toward the peer directly, via the server relay, or (for the virtual
// gateway) as a server-bound Service frame. Spec §4.5 step 5: once the
// device identity carries a netmask, a destination outside the virtual
// subnet is dropped and counted, never sent.
func (f *Forwarder) forwardOut(packet []byte) {
	dst := net.IP(packet[16:20])
	src := net.IP(packet[12:16])

	dev := state.Device()
	if dev != nil && len(dev.VirtualNetmask) > 0 && !dev.InSubnet(dst) {
		metrics.TunPacketsDropped.WithLabelValues("out_of_subnet").Inc()
		f.log.Debug("forwarder: dropping out-of-subnet packet", "dst", dst)
		return
	}

	// Spec §4.5 step 2: traffic addressed to the virtual gateway is the
	// server's own service surface, not another peer — it always goes to
	// the server as a Service frame, bypassing DirectRoute/relay-IpTurn
	// routing and the punch engine entirely.
	if dev != nil && len(dev.VirtualGateway) > 0 && dst.Equal(dev.VirtualGateway) {
		frame := wire.Frame{
			Header: wire.Header{
				Protocol:    wire.ProtoService,
				SubProtocol: wire.SubGatewayData,
				TTL:         wire.DefaultTTL,
				Src:         src,
				Dst:         dst,
			},
			Payload: packet,
		}
		if err := f.cfg.Sender.Send(frame, f.cfg.ServerAddr); err != nil {
			f.log.Warn("forwarder: gateway send failed", "dst", dst, "error", err)
			return
		}
		metrics.TunBytesTX.Add(float64(len(packet)))
		return
	}

	frame := wire.Frame{
		Header: wire.Header{
			Protocol:    wire.ProtoIPTurn,
			SubProtocol: wire.SubIPv4,
			TTL:         wire.DefaultTTL,
			Src:         src,
			Dst:         dst,
		},
		Payload: packet,
	}

	target := f.cfg.ServerAddr
	direct := false
	if route, ok := f.cfg.Routes.Get(dst); ok {
		target = route.Addr
		direct = true
	} else if f.cfg.Puncher != nil {
		f.cfg.Puncher.RequestPunch(dst)
	}

	err := f.cfg.Sender.Send(frame, target)
	if err == nil {
		metrics.TunBytesTX.Add(float64(len(packet)))
		return
	}

	if direct && isTransientSendErr(err) {
		f.log.Warn("forwarder: direct send failed, evicting route and retrying via relay", "dst", dst, "error", err)
		f.cfg.Routes.Evict(dst)
		metrics.DirectRoutesEvicted.WithLabelValues("send_error").Inc()
		if err := f.cfg.Sender.Send(frame, f.cfg.ServerAddr); err != nil {
			f.log.Warn("forwarder: relay retry failed", "dst", dst, "error", err)
			return
		}
		metrics.TunBytesTX.Add(float64(len(packet)))
		return
	}

	f.log.Error("forwarder: send failed permanently", "dst", dst, "error", err)
	if f.cfg.Fatal != nil {
		select {
		case f.cfg.Fatal <- fmt.Errorf("forwarder: tunnel send failed: %w", err):
		default:
		}
	}
}

// isTransientSendErr classifies a direct-send failure as recoverable via a
// relay retry (the peer's address became momentarily unreachable) versus a
// permanent socket failure that should terminate the forwarder.
func isTransientSendErr(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return false
	}
	var se syscall.Errno
	if errors.As(err, &se) {
		switch se {
		case syscall.ENETUNREACH, syscall.EHOSTUNREACH, syscall.ECONNREFUSED, syscall.EAGAIN:
			return true
		}
	}
	return false
}

// Deliver writes a received IpTurn frame's payload back to the tunnel
// device. Called by the mux handler registered for wire.ProtoIPTurn.
func (f *Forwarder) Deliver(frame wire.Frame) {
	if _, err := f.cfg.Device.Write(frame.Payload, 0); err != nil {
		f.log.Warn("forwarder: device write failed", "error", err)
		return
	}
	metrics.TunBytesRX.Add(float64(len(frame.Payload)))
}
