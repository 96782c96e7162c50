// Package runtime wires every component of the overlay client together:
// the UDP socket and multiplexer, the one-shot registration handshake, the
// tunnel device, the forwarder, heartbeat worker, hole-punch engine,
// control dispatcher, and interactive shell. Its Run function follows the
// same shape the teacher's original runtime.Run used to wire its netlink
// manager, latency prober, and API server together: one errCh, a select
// against ctx.Done() versus the first fatal error, and an orderly teardown
// of every started subsystem on either path.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/overlaynet/switchd/internal/control"
	"github.com/overlaynet/switchd/internal/forwarder"
	"github.com/overlaynet/switchd/internal/heartbeat"
	"github.com/overlaynet/switchd/internal/mux"
	"github.com/overlaynet/switchd/internal/punch"
	"github.com/overlaynet/switchd/internal/registration"
	"github.com/overlaynet/switchd/internal/shell"
	"github.com/overlaynet/switchd/internal/sock"
	"github.com/overlaynet/switchd/internal/state"
	"github.com/overlaynet/switchd/internal/tun"
	"github.com/overlaynet/switchd/internal/wire"
)

// Config provides every dependency and tunable Run needs to bring up a
// client process.
type Config struct {
	Logger *slog.Logger

	Token      [32]byte
	BindAddr   string // local address to bind the overlay UDP socket; "" binds all interfaces
	BindPort   int
	ServerAddr *net.UDPAddr
	ClientIP   string // explicit public-IP override; "" auto-discovers

	TunName string
	TunMTU  int

	// ControlQueueCapacity bounds the low-priority OtherTurn dispatcher
	// (spec §4.4/§4.8), default 100.
	ControlQueueCapacity int
	// PunchQueueCapacity bounds the hole-punch engine's Control-frame
	// dispatcher. Spec §5 describes three separate 64-capacity channels
	// (cone / request-symmetric / response-symmetric); §9 Design Notes
	// explicitly sanctions collapsing them into one channel dispatched by
	// tag, which is what this single dispatcher does.
	PunchQueueCapacity  int
	RegistrationTimeout time.Duration
	HeartbeatInterval    time.Duration
	PeerPingInterval     time.Duration
	DeviceListEvery      time.Duration
	RouteTTL             time.Duration
	MaxPingFailures      int
	PunchDetectTimeout   time.Duration
	PunchCooldownPeriod  time.Duration
}

// Validate checks required fields and applies defaults.
func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("runtime: logger is required")
	}
	if cfg.ServerAddr == nil {
		return errors.New("runtime: server address is required")
	}
	if cfg.TunName == "" {
		return errors.New("runtime: tunnel device name is required")
	}
	if cfg.TunMTU <= 0 {
		cfg.TunMTU = 1400
	}
	if cfg.ControlQueueCapacity <= 0 {
		cfg.ControlQueueCapacity = 100
	}
	if cfg.PunchQueueCapacity <= 0 {
		cfg.PunchQueueCapacity = 64
	}
	if cfg.RegistrationTimeout <= 0 {
		cfg.RegistrationTimeout = 3 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.PeerPingInterval <= 0 {
		cfg.PeerPingInterval = 5 * time.Second
	}
	if cfg.DeviceListEvery <= 0 {
		cfg.DeviceListEvery = 10 * cfg.HeartbeatInterval
	}
	if cfg.RouteTTL <= 0 {
		cfg.RouteTTL = 5 * cfg.HeartbeatInterval
	}
	if cfg.MaxPingFailures <= 0 {
		cfg.MaxPingFailures = 3
	}
	if cfg.PunchDetectTimeout <= 0 {
		cfg.PunchDetectTimeout = 5 * time.Second
	}
	if cfg.PunchCooldownPeriod <= 0 {
		cfg.PunchCooldownPeriod = 30 * time.Second
	}
	return nil
}

// Run brings up a full client session and blocks until ctx is canceled, the
// interactive shell exits, or a fatal error occurs. Registration happens
// synchronously before any worker starts: a RegistrationFailed or
// TokenRejected error is returned directly here, with nothing left running
// to tear down, matching spec's "terminate before any worker starts" policy
// for those two error classes.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := cfg.Logger

	conn, err := sock.Listen(cfg.BindAddr, cfg.BindPort)
	if err != nil {
		return fmt.Errorf("runtime: socket: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	fatal := make(chan error, 8)
	m := mux.New(log, conn)
	transport := NewTransport(log, m, cfg.ServerAddr, fatal)

	go func() {
		if err := m.Run(runCtx); err != nil {
			select {
			case fatal <- fmt.Errorf("runtime: socket io: %w", err):
			default:
			}
		}
	}()

	localIPs, mac := localCandidates(cfg.ClientIP, log)

	regResult, err := registration.Register(registration.Config{
		Logger:     log,
		Context:    runCtx,
		Sender:     transport,
		ServerAddr: cfg.ServerAddr,
		Token:      cfg.Token,
		MAC:        mac,
		Timeout:    cfg.RegistrationTimeout,
		LocalIPs:   localIPs,
	})
	if err != nil {
		cancel()
		_ = conn.Close()
		return fmt.Errorf("runtime: registration: %w", err)
	}

	if dev := state.Device(); dev != nil {
		log = log.With("session_id", dev.SessionID)
	}

	tunDev, err := tun.Open(cfg.TunName, cfg.TunMTU)
	if err != nil {
		cancel()
		_ = conn.Close()
		return fmt.Errorf("runtime: tunnel device: %w", err)
	}

	devices := state.NewDeviceList()
	devices.Swap(regResult.Devices)
	routes := state.NewDirectRouteTable()
	peerNat := state.NewPeerNatTable()
	transport.SetRoutes(routes)

	punchEngine, err := punch.New(punch.Config{
		Logger:         log,
		Context:        runCtx,
		Sender:         m,
		ServerAddr:     cfg.ServerAddr,
		Routes:         routes,
		PeerNat:        peerNat,
		DetectTimeout:  cfg.PunchDetectTimeout,
		CooldownPeriod: cfg.PunchCooldownPeriod,
	})
	if err != nil {
		cancel()
		_ = tunDev.Close()
		_ = conn.Close()
		return fmt.Errorf("runtime: punch engine: %w", err)
	}

	// Control frames (the punch handshake) and OtherTurn frames (reserved,
	// opaque traffic) get independent bounded dispatchers: spec §2 lists
	// the hole-punch engine and the low-priority control dispatcher as
	// separate components with separate capacities, and mixing their
	// traffic into one queue would let a punch-frame burst starve the
	// low-priority channel's intended drop-oldest policy, or vice versa.
	dispatcher := control.New(log, cfg.PunchQueueCapacity, punchEngine.HandleControl)
	m.Handle(wire.ProtoControl, dispatcher.Submit)

	auxDispatcher := control.New(log, cfg.ControlQueueCapacity, handleOtherTurn(log))
	m.Handle(wire.ProtoOtherTurn, auxDispatcher.Submit)

	fwd, err := forwarder.New(forwarder.Config{
		Logger:     log,
		Context:    runCtx,
		Device:     tunDev,
		Sender:     m,
		Routes:     routes,
		ServerAddr: cfg.ServerAddr,
		Puncher:    punchEngine,
		MTU:        cfg.TunMTU,
		Fatal:      fatal,
	})
	if err != nil {
		cancel()
		_ = tunDev.Close()
		_ = conn.Close()
		return fmt.Errorf("runtime: forwarder: %w", err)
	}
	// spec §4.4: a directly-received peer datagram (remote differs from the
	// server's address) refreshes the DirectRoute for its source; a
	// server-relayed one still reaches the tunnel but must not refresh it,
	// per the "Route monotonicity" testable property in spec §8.
	m.Handle(wire.ProtoIPTurn, func(frame wire.Frame, remote *net.UDPAddr) {
		if remote != nil && !sameUDPAddr(remote, cfg.ServerAddr) {
			routes.Refresh(frame.Header.Src, remote, -1, time.Now())
		}
		fwd.Deliver(frame)
	})

	unreachable := make(chan struct{}, 1)
	hbWorker, err := heartbeat.New(heartbeat.Config{
		Logger:          log,
		Context:         runCtx,
		Sender:          transport,
		Devices:         devices,
		Routes:          routes,
		PeerNat:         peerNat,
		Punch:           punchEngine,
		Pongs:           transport.Pongs(),
		Unreachable:     unreachable,
		MaxPingFailures: cfg.MaxPingFailures,
		Interval:        cfg.HeartbeatInterval,
		PeerInterval:    cfg.PeerPingInterval,
		DeviceListEvery: cfg.DeviceListEvery,
		RouteTTL:        cfg.RouteTTL,
	})
	if err != nil {
		cancel()
		_ = tunDev.Close()
		_ = conn.Close()
		return fmt.Errorf("runtime: heartbeat worker: %w", err)
	}

	dispatcher.Start(runCtx)
	auxDispatcher.Start(runCtx)
	fwd.Start(runCtx)
	hbWorker.Start(runCtx)

	teardown := func() {
		log.Info("runtime: tearing down")
		cancel()
		hbWorker.Stop()
		fwd.Stop()
		dispatcher.Stop()
		auxDispatcher.Stop()
		_ = tunDev.Close()
		_ = conn.Close()
	}

	sh := shell.New(log, devices, routes, punchEngine, unreachable)
	shellDone := make(chan error, 1)
	go func() { shellDone <- sh.Run(runCtx) }()

	select {
	case <-ctx.Done():
		teardown()
		return nil
	case err := <-fatal:
		teardown()
		return err
	case err := <-shellDone:
		teardown()
		return err
	}
}

// localCandidates gathers this host's local interface addresses (offered to
// the server as LocalIPCandidates) and a diagnostic MAC, then appends the
// discovered public address using the same default-route-then-external
// strategy the teacher used for its onchain client IP.
func localCandidates(explicitIP string, log *slog.Logger) ([]net.IP, string) {
	var ips []net.IP
	var mac string

	ifaces, err := net.Interfaces()
	if err != nil {
		log.Warn("runtime: enumerating interfaces failed", "error", err)
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagLoopback != 0 || ifi.Flags&net.FlagUp == 0 {
			continue
		}
		if mac == "" && len(ifi.HardwareAddr) > 0 {
			mac = ifi.HardwareAddr.String()
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if v4 := ipn.IP.To4(); v4 != nil {
				ips = append(ips, v4)
			}
		}
	}

	if pub, method, err := DiscoverClientIP(explicitIP); err == nil {
		log.Info("runtime: discovered public address", "ip", pub, "method", method)
		ips = append(ips, pub)
	} else {
		log.Warn("runtime: public IP discovery failed, offering local candidates only", "error", err)
	}

	if mac == "" {
		// No interface exposed a hardware address (common in containers);
		// fall back to a random identifier so the server still gets a
		// stable-for-this-process MAC field.
		mac = uuid.NewString()
		log.Debug("runtime: no hardware address found, using generated identifier", "mac", mac)
	}

	return ips, mac
}

// handleOtherTurn returns the control.HandleFunc for the auxiliary
// dispatcher: OtherTurn (spec §6's "Reserved/Opaque") carries no payload
// this client interprets, so the handler's only job is to account for the
// traffic without ever touching the fast path.
func handleOtherTurn(log *slog.Logger) control.HandleFunc {
	return func(frame wire.Frame, remote *net.UDPAddr) {
		log.Debug("runtime: other-turn frame", "sub_protocol", frame.Header.SubProtocol, "remote", remote)
	}
}

// sameUDPAddr reports whether a and b name the same IP and port.
func sameUDPAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
