package forwarder

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/overlaynet/switchd/internal/state"
	"github.com/overlaynet/switchd/internal/tun"
	"github.com/overlaynet/switchd/internal/wire"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []wire.Frame
	dests []*net.UDPAddr
}

func (f *fakeSender) Send(frame wire.Frame, dst *net.UDPAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frame)
	f.dests = append(f.dests, dst)
	return nil
}

func (f *fakeSender) last() (wire.Frame, *net.UDPAddr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1], f.dests[len(f.dests)-1]
}

func buildIPv4Packet(src, dst net.IP) []byte {
	p := make([]byte, 20)
	p[0] = 0x45
	copy(p[12:16], src.To4())
	copy(p[16:20], dst.To4())
	return p
}

func TestForwarder_ForwardsOutViaServerWhenNoRoute(t *testing.T) {
	dev := tun.NewFake("sw0", 1400)
	sender := &fakeSender{}
	serverAddr := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 1), Port: 9000}

	cfg := Config{
		Logger:     slog.Default(),
		Context:    context.Background(),
		Device:     dev,
		Sender:     sender,
		Routes:     state.NewDirectRouteTable(),
		ServerAddr: serverAddr,
	}
	fwd, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fwd.Start(ctx)
	defer fwd.Stop()

	dst := net.IPv4(10, 0, 0, 9)
	dev.Inject(buildIPv4Packet(net.IPv4(10, 0, 0, 2), dst))

	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.sent) == 1
	}, time.Second, time.Millisecond)

	frame, gotDst := sender.last()
	require.Equal(t, wire.ProtoIPTurn, frame.Header.Protocol)
	require.True(t, gotDst.IP.Equal(serverAddr.IP))
}

type fakePuncher struct {
	mu       sync.Mutex
	requests []net.IP
}

func (p *fakePuncher) RequestPunch(peer net.IP) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, peer)
}

func (p *fakePuncher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func TestForwarder_RequestsPunchWhenNoRoute(t *testing.T) {
	dev := tun.NewFake("sw0", 1400)
	sender := &fakeSender{}
	puncher := &fakePuncher{}
	serverAddr := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 1), Port: 9000}

	cfg := Config{
		Logger:     slog.Default(),
		Context:    context.Background(),
		Device:     dev,
		Sender:     sender,
		Routes:     state.NewDirectRouteTable(),
		ServerAddr: serverAddr,
		Puncher:    puncher,
	}
	fwd, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fwd.Start(ctx)
	defer fwd.Stop()

	dst := net.IPv4(10, 0, 0, 9)
	dev.Inject(buildIPv4Packet(net.IPv4(10, 0, 0, 2), dst))

	require.Eventually(t, func() bool {
		return puncher.count() == 1
	}, time.Second, time.Millisecond)
}

func TestForwarder_GatewayDestinationSendsServiceFrameToServer(t *testing.T) {
	dev := tun.NewFake("sw0", 1400)
	sender := &fakeSender{}
	puncher := &fakePuncher{}
	routes := state.NewDirectRouteTable()
	serverAddr := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 1), Port: 9000}
	gateway := net.IPv4(10, 0, 0, 1)

	state.SetCurrentDevice(state.CurrentDevice{
		VirtualIP:      net.IPv4(10, 0, 0, 2),
		VirtualGateway: gateway,
		VirtualNetmask: net.IPv4(255, 255, 255, 0),
		ServerAddr:     serverAddr,
	})
	t.Cleanup(func() { state.SetCurrentDevice(state.CurrentDevice{}) })

	cfg := Config{
		Logger:     slog.Default(),
		Context:    context.Background(),
		Device:     dev,
		Sender:     sender,
		Routes:     routes,
		ServerAddr: serverAddr,
		Puncher:    puncher,
	}
	fwd, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fwd.Start(ctx)
	defer fwd.Stop()

	dev.Inject(buildIPv4Packet(net.IPv4(10, 0, 0, 2), gateway))

	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.sent) == 1
	}, time.Second, time.Millisecond)

	frame, gotDst := sender.last()
	require.Equal(t, wire.ProtoService, frame.Header.Protocol)
	require.Equal(t, wire.SubGatewayData, frame.Header.SubProtocol)
	require.True(t, gotDst.IP.Equal(serverAddr.IP))
	require.Equal(t, 0, puncher.count())
	_, ok := routes.Get(gateway)
	require.False(t, ok)
}

func TestForwarder_ForwardsDirectWhenRouteKnown(t *testing.T) {
	dev := tun.NewFake("sw0", 1400)
	sender := &fakeSender{}
	routes := state.NewDirectRouteTable()
	peer := net.IPv4(10, 0, 0, 9)
	direct := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 4), Port: 51820}
	routes.Refresh(peer, direct, 5, time.Now())

	cfg := Config{
		Logger:     slog.Default(),
		Context:    context.Background(),
		Device:     dev,
		Sender:     sender,
		Routes:     routes,
		ServerAddr: &net.UDPAddr{IP: net.IPv4(198, 51, 100, 1), Port: 9000},
	}
	fwd, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fwd.Start(ctx)
	defer fwd.Stop()

	dev.Inject(buildIPv4Packet(net.IPv4(10, 0, 0, 2), peer))

	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.sent) == 1
	}, time.Second, time.Millisecond)

	_, gotDst := sender.last()
	require.True(t, gotDst.IP.Equal(direct.IP))
	require.Equal(t, direct.Port, gotDst.Port)
}

func TestForwarder_DeviceReadFailureSignalsFatal(t *testing.T) {
	dev := tun.NewFake("sw0", 1400)
	fatal := make(chan error, 1)

	cfg := Config{
		Logger:     slog.Default(),
		Context:    context.Background(),
		Device:     dev,
		Sender:     &fakeSender{},
		Routes:     state.NewDirectRouteTable(),
		ServerAddr: &net.UDPAddr{IP: net.IPv4(198, 51, 100, 1), Port: 9000},
		Fatal:      fatal,
	}
	fwd, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fwd.Start(ctx)
	defer fwd.Stop()

	require.NoError(t, dev.Close())

	select {
	case err := <-fatal:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fatal signal")
	}
}

func TestForwarder_DeliverWritesToDevice(t *testing.T) {
	dev := tun.NewFake("sw0", 1400)
	cfg := Config{
		Logger:     slog.Default(),
		Context:    context.Background(),
		Device:     dev,
		Sender:     &fakeSender{},
		Routes:     state.NewDirectRouteTable(),
		ServerAddr: &net.UDPAddr{IP: net.IPv4(198, 51, 100, 1), Port: 9000},
	}
	fwd, err := New(cfg)
	require.NoError(t, err)

	payload := buildIPv4Packet(net.IPv4(10, 0, 0, 9), net.IPv4(10, 0, 0, 2))
	fwd.Deliver(wire.Frame{Payload: payload})

	select {
	case got := <-dev.Written():
		require.Equal(t, payload, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for device write")
	}
}
