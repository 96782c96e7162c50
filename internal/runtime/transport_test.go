package runtime

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/overlaynet/switchd/internal/mux"
	"github.com/overlaynet/switchd/internal/sock"
	"github.com/overlaynet/switchd/internal/state"
	"github.com/overlaynet/switchd/internal/wire"
)

func newLoopbackMux(t *testing.T) (*mux.Mux, *net.UDPAddr) {
	t.Helper()
	raw, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	conn, err := sock.NewConn(raw)
	require.NoError(t, err)
	m := mux.New(slog.Default(), conn)
	return m, conn.LocalAddr().(*net.UDPAddr)
}

// fakeServer answers registration, ping and device-list requests the way
// the rendezvous server would, running against its own loopback mux.
type fakeServer struct {
	m    *mux.Mux
	addr *net.UDPAddr
}

func newFakeServer(t *testing.T, ctx context.Context) *fakeServer {
	m, addr := newLoopbackMux(t)
	go m.Run(ctx)
	return &fakeServer{m: m, addr: addr}
}

func (s *fakeServer) reply(to *net.UDPAddr, protocol wire.Protocol, sub uint8, payload []byte) {
	frame := wire.Frame{Header: wire.Header{Protocol: protocol, SubProtocol: sub, TTL: wire.DefaultTTL}, Payload: payload}
	_ = s.m.Send(frame, to)
}

func TestTransport_SendRequest_ReturnsRegistrationResponse(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := newFakeServer(t, ctx)
	srv.m.Handle(wire.ProtoService, func(frame wire.Frame, remote *net.UDPAddr) {
		if frame.Header.SubProtocol != wire.SubRegistrationReq {
			return
		}
		resp := wire.RegistrationResponse{VirtualIP: 0x0a000002, Epoch: 1}
		srv.reply(remote, wire.ProtoService, wire.SubRegistrationResp, resp.Marshal())
	})

	clientMux, _ := newLoopbackMux(t)
	go clientMux.Run(ctx)
	tr := NewTransport(slog.Default(), clientMux, srv.addr, nil)

	reqCtx, reqCancel := context.WithTimeout(ctx, 2*time.Second)
	defer reqCancel()
	raw, err := tr.SendRequest(reqCtx, wire.RegistrationRequest{MAC: "aa:bb"}.Marshal())
	require.NoError(t, err)

	resp, err := wire.UnmarshalRegistrationResponse(raw)
	require.NoError(t, err)
	require.Equal(t, uint32(1), resp.Epoch)
}

func TestTransport_SendRequest_ReturnsErrorMessageOnRejection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := newFakeServer(t, ctx)
	srv.m.Handle(wire.ProtoService, func(frame wire.Frame, remote *net.UDPAddr) {
		srv.reply(remote, wire.ProtoError, wire.SubTokenMismatch, wire.ErrorMessage{Reason: "bad token"}.Marshal())
	})

	clientMux, _ := newLoopbackMux(t)
	go clientMux.Run(ctx)
	tr := NewTransport(slog.Default(), clientMux, srv.addr, nil)

	reqCtx, reqCancel := context.WithTimeout(ctx, 2*time.Second)
	defer reqCancel()
	raw, err := tr.SendRequest(reqCtx, wire.RegistrationRequest{}.Marshal())
	require.NoError(t, err)

	msg, err := wire.UnmarshalErrorMessage(raw)
	require.NoError(t, err)
	require.Equal(t, "bad token", msg.Reason)
}

func TestTransport_RequestDeviceList_ReturnsSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := newFakeServer(t, ctx)
	srv.m.Handle(wire.ProtoService, func(frame wire.Frame, remote *net.UDPAddr) {
		if frame.Header.SubProtocol != wire.SubDeviceListReq {
			return
		}
		resp := wire.DeviceListResponse{Epoch: 3, IPList: []uint32{0x0a000005}}
		srv.reply(remote, wire.ProtoService, wire.SubDeviceListResp, resp.Marshal())
	})

	clientMux, _ := newLoopbackMux(t)
	go clientMux.Run(ctx)
	tr := NewTransport(slog.Default(), clientMux, srv.addr, nil)

	reqCtx, reqCancel := context.WithTimeout(ctx, 2*time.Second)
	defer reqCancel()
	snap, err := tr.RequestDeviceList(reqCtx)
	require.NoError(t, err)
	require.Equal(t, uint32(3), snap.Epoch)
	require.Len(t, snap.Peers, 1)
	require.True(t, snap.Peers[0].Equal(net.IPv4(10, 0, 0, 5)))
}

func TestTransport_SendPing_DeliversPongOnChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := newFakeServer(t, ctx)
	srv.m.Handle(wire.ProtoService, func(frame wire.Frame, remote *net.UDPAddr) {
		if frame.Header.SubProtocol != wire.SubPing {
			return
		}
		srv.reply(remote, wire.ProtoService, wire.SubPong, wire.Pong{Timestamp: 7, Epoch: 1}.Marshal())
	})

	clientMux, _ := newLoopbackMux(t)
	go clientMux.Run(ctx)
	tr := NewTransport(slog.Default(), clientMux, srv.addr, nil)

	require.NoError(t, tr.SendPing(ctx, 1, 5))

	select {
	case pong := <-tr.Pongs():
		require.Equal(t, uint64(7), pong.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pong")
	}
}

func TestTransport_SendPeerPing_EchoesAndRefreshesRoute(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := newFakeServer(t, ctx) // stands in for the server address tr never talks to here
	peerMux, peerAddr := newLoopbackMux(t)
	go peerMux.Run(ctx)
	_ = NewTransport(slog.Default(), peerMux, srv.addr, nil) // simulates the remote peer, echoes pongs

	clientMux, _ := newLoopbackMux(t)
	go clientMux.Run(ctx)
	tr := NewTransport(slog.Default(), clientMux, srv.addr, nil)
	routes := state.NewDirectRouteTable()
	tr.SetRoutes(routes)

	peerIP := net.IPv4(10, 0, 0, 9)
	require.NoError(t, tr.SendPeerPing(ctx, peerIP, peerAddr, 1, uint64(time.Now().UnixMilli())))

	require.Eventually(t, func() bool { return routes.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestTransport_HandleError_FatalProtocolMismatchSignalsFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := newFakeServer(t, ctx)
	srv.m.Handle(wire.ProtoService, func(frame wire.Frame, remote *net.UDPAddr) {
		srv.reply(remote, wire.ProtoError, wire.SubFatalProtocolMismatch, wire.ErrorMessage{Reason: "version skew"}.Marshal())
	})

	clientMux, _ := newLoopbackMux(t)
	go clientMux.Run(ctx)
	fatal := make(chan error, 1)
	tr := NewTransport(slog.Default(), clientMux, srv.addr, fatal)

	require.NoError(t, tr.SendPing(ctx, 1, 0))

	select {
	case err := <-fatal:
		require.ErrorIs(t, err, ErrFatalProtocol)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fatal signal")
	}
}
