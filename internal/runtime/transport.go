package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/overlaynet/switchd/internal/mux"
	"github.com/overlaynet/switchd/internal/state"
	"github.com/overlaynet/switchd/internal/wire"
)

// ErrFatalProtocol wraps a server-reported FatalProtocolMismatch, spec's
// terminate-the-process error class.
var ErrFatalProtocol = errors.New("runtime: fatal protocol mismatch reported by server")

// Transport adapts the mux's fire-and-forget Send/Handle plumbing into the
// synchronous request/response shape registration.Sender and
// heartbeat.Sender expect, the way the teacher's api package adapts its
// netlink manager into net/http handlers: one thin adapter per caller
// shape, the protocol details confined here rather than leaking into the
// workers that use it.
type Transport struct {
	log        *slog.Logger
	mux        *mux.Mux
	serverAddr *net.UDPAddr

	mu      sync.Mutex
	regWait chan []byte
	dlWait  chan []byte

	pongs chan wire.Pong
	fatal chan<- error

	routesMu sync.RWMutex
	routes   *state.DirectRouteTable
}

// NewTransport wires a Transport to an already-constructed Mux, registering
// its Service and Error protocol handlers. fatal, if non-nil, receives
// ErrFatalProtocol when the server reports a FatalProtocolMismatch.
func NewTransport(log *slog.Logger, m *mux.Mux, serverAddr *net.UDPAddr, fatal chan<- error) *Transport {
	t := &Transport{
		log:        log,
		mux:        m,
		serverAddr: serverAddr,
		pongs:      make(chan wire.Pong, 4),
		fatal:      fatal,
	}
	m.Handle(wire.ProtoService, t.handleService)
	m.Handle(wire.ProtoError, t.handleError)
	return t
}

// Pongs returns the channel heartbeat.Config.Pongs should read from.
func (t *Transport) Pongs() <-chan wire.Pong { return t.pongs }

// SetRoutes wires the shared DirectRouteTable so peer-originated Pong
// replies (see handleService) can refresh the sending peer's route. Routes
// is constructed after registration completes, so this is set once Run has
// it in hand rather than threaded through NewTransport.
func (t *Transport) SetRoutes(routes *state.DirectRouteTable) {
	t.routesMu.Lock()
	t.routes = routes
	t.routesMu.Unlock()
}

// SendRequest implements registration.Sender: it transmits payload as a
// RegistrationRequest and blocks for the matching RegistrationResponse or
// ErrorMessage reply (or ctx expiry, which registration.Register treats as
// a retryable transport failure).
func (t *Transport) SendRequest(ctx context.Context, payload []byte) ([]byte, error) {
	wait := make(chan []byte, 1)
	t.mu.Lock()
	t.regWait = wait
	t.mu.Unlock()

	frame := wire.Frame{
		Header: wire.Header{
			Protocol:    wire.ProtoService,
			SubProtocol: wire.SubRegistrationReq,
			TTL:         wire.DefaultTTL,
		},
		Payload: payload,
	}
	if err := t.mux.Send(frame, t.serverAddr); err != nil {
		return nil, fmt.Errorf("runtime: send registration request: %w", err)
	}

	select {
	case raw := <-wait:
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendPing implements heartbeat.Sender. The reply, if any, arrives
// asynchronously on Pongs.
func (t *Transport) SendPing(ctx context.Context, seq uint32, timestamp uint64) error {
	frame := wire.Frame{
		Header: wire.Header{
			Protocol:    wire.ProtoService,
			SubProtocol: wire.SubPing,
			TTL:         wire.DefaultTTL,
		},
		Payload: wire.Ping{Seq: seq, Timestamp: timestamp}.Marshal(),
	}
	return t.mux.Send(frame, t.serverAddr)
}

// SendPeerPing implements heartbeat.Sender: it sends a Ping directly to a
// peer's DirectRoute address rather than to the server, carrying this
// device's virtual IP as Src and the peer's as Dst so the peer's transport
// can tell the reply apart from a server Pong in handleService.
func (t *Transport) SendPeerPing(ctx context.Context, peer net.IP, addr *net.UDPAddr, seq uint32, timestamp uint64) error {
	var src net.IP
	if dev := state.Device(); dev != nil {
		src = dev.VirtualIP
	}
	frame := wire.Frame{
		Header: wire.Header{
			Protocol:    wire.ProtoService,
			SubProtocol: wire.SubPing,
			TTL:         wire.DefaultTTL,
			Src:         src,
			Dst:         peer,
		},
		Payload: wire.Ping{Seq: seq, Timestamp: timestamp}.Marshal(),
	}
	return t.mux.Send(frame, addr)
}

// RequestDeviceList implements heartbeat.Sender.
func (t *Transport) RequestDeviceList(ctx context.Context) (state.DeviceListSnapshot, error) {
	wait := make(chan []byte, 1)
	t.mu.Lock()
	t.dlWait = wait
	t.mu.Unlock()

	frame := wire.Frame{
		Header: wire.Header{
			Protocol:    wire.ProtoService,
			SubProtocol: wire.SubDeviceListReq,
			TTL:         wire.DefaultTTL,
		},
	}
	if err := t.mux.Send(frame, t.serverAddr); err != nil {
		return state.DeviceListSnapshot{}, fmt.Errorf("runtime: send device list request: %w", err)
	}

	select {
	case raw := <-wait:
		resp, err := wire.UnmarshalDeviceListResponse(raw)
		if err != nil {
			return state.DeviceListSnapshot{}, fmt.Errorf("runtime: malformed device list response: %w", err)
		}
		peers := make([]net.IP, 0, len(resp.IPList))
		for _, u := range resp.IPList {
			peers = append(peers, wire.U32ToIP4(u))
		}
		return state.DeviceListSnapshot{Epoch: resp.Epoch, Peers: peers}, nil
	case <-ctx.Done():
		return state.DeviceListSnapshot{}, ctx.Err()
	}
}

// handleService demuxes Service-major frames by sub-protocol.
func (t *Transport) handleService(frame wire.Frame, remote *net.UDPAddr) {
	switch frame.Header.SubProtocol {
	case wire.SubRegistrationResp:
		t.deliverReg(frame.Payload)
	case wire.SubPing:
		// Only a peer sends us a Ping directly (the server never does); echo
		// it back as a Pong to the same address so the peer's DirectRoute
		// gets refreshed, per spec §4.3's peer-ping keepalive.
		ping, err := wire.UnmarshalPing(frame.Payload)
		if err != nil {
			t.log.Debug("runtime: malformed peer ping", "error", err)
			return
		}
		t.replyPong(ping, frame.Header.Src, remote)
	case wire.SubPong:
		pong, err := wire.UnmarshalPong(frame.Payload)
		if err != nil {
			t.log.Debug("runtime: malformed pong", "error", err)
			return
		}
		if remote != nil && !sameUDPAddr(remote, t.serverAddr) {
			t.refreshPeerRoute(frame.Header.Src, remote, pong.Timestamp)
			return
		}
		select {
		case t.pongs <- pong:
		default:
			t.log.Debug("runtime: pong dropped, heartbeat worker not draining")
		}
	case wire.SubDeviceListResp:
		t.deliverDL(frame.Payload)
	default:
		t.log.Debug("runtime: unhandled service sub-protocol", "sub_protocol", frame.Header.SubProtocol)
	}
}

// handleError demuxes Error-major frames. A rejection awaited by
// SendRequest or RequestDeviceList is delivered to that waiter so the
// caller's own decode logic reports it; an unsolicited
// FatalProtocolMismatch is forwarded to Fatal instead, since nothing is
// waiting for it.
func (t *Transport) handleError(frame wire.Frame, remote *net.UDPAddr) {
	if frame.Header.SubProtocol == wire.SubFatalProtocolMismatch {
		msg, _ := wire.UnmarshalErrorMessage(frame.Payload)
		t.log.Error("runtime: fatal protocol mismatch reported by server", "reason", msg.Reason)
		if t.fatal != nil {
			select {
			case t.fatal <- fmt.Errorf("%w: %s", ErrFatalProtocol, msg.Reason):
			default:
			}
		}
		return
	}

	if t.deliverReg(frame.Payload) {
		return
	}
	if t.deliverDL(frame.Payload) {
		return
	}
	msg, _ := wire.UnmarshalErrorMessage(frame.Payload)
	t.log.Warn("runtime: unsolicited error frame", "sub_protocol", frame.Header.SubProtocol, "reason", msg.Reason)
}

// replyPong answers a peer-originated Ping directly, bypassing the server,
// so the peer can refresh its own DirectRoute from our reply.
func (t *Transport) replyPong(ping wire.Ping, dst net.IP, addr *net.UDPAddr) {
	var src net.IP
	if dev := state.Device(); dev != nil {
		src = dev.VirtualIP
	}
	frame := wire.Frame{
		Header: wire.Header{
			Protocol:    wire.ProtoService,
			SubProtocol: wire.SubPong,
			TTL:         wire.DefaultTTL,
			Src:         src,
			Dst:         dst,
		},
		Payload: wire.Pong{Timestamp: ping.Timestamp}.Marshal(),
	}
	if err := t.mux.Send(frame, addr); err != nil {
		t.log.Debug("runtime: peer pong reply failed", "error", err)
	}
}

// refreshPeerRoute installs/refreshes the DirectRoute for peer from a
// directly-received Pong, approximating one-way delay as half the
// round-trip time since timestamp was sent (spec §9 open question: no
// clock sync, acceptable for display purposes only).
func (t *Transport) refreshPeerRoute(peer net.IP, addr *net.UDPAddr, timestamp uint64) {
	t.routesMu.RLock()
	routes := t.routes
	t.routesMu.RUnlock()
	if routes == nil || peer == nil {
		return
	}
	now := time.Now()
	delayMs := -1
	if rtt := now.UnixMilli() - int64(timestamp); rtt >= 0 {
		delayMs = int(rtt / 2)
	}
	routes.Refresh(peer, addr, delayMs, now)
}

func (t *Transport) deliverReg(raw []byte) bool {
	t.mu.Lock()
	ch := t.regWait
	t.regWait = nil
	t.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- raw:
	default:
	}
	return true
}

func (t *Transport) deliverDL(raw []byte) bool {
	t.mu.Lock()
	ch := t.dlWait
	t.dlWait = nil
	t.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- raw:
	default:
	}
	return true
}
