package mux

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/overlaynet/switchd/internal/sock"
	"github.com/overlaynet/switchd/internal/wire"
)

func newLoopbackConn(t *testing.T) *sock.Conn {
	t.Helper()
	raw, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	c, err := sock.NewConn(raw)
	require.NoError(t, err)
	return c
}

func TestMux_DispatchesByProtocol(t *testing.T) {
	rConn := newLoopbackConn(t)
	wConn := newLoopbackConn(t)

	m := New(slog.Default(), rConn)

	received := make(chan wire.Frame, 1)
	m.Handle(wire.ProtoService, func(frame wire.Frame, remote *net.UDPAddr) {
		received <- frame
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	frame := wire.Frame{
		Header: wire.Header{
			Protocol:    wire.ProtoService,
			SubProtocol: wire.SubPing,
			TTL:         wire.DefaultTTL,
		},
		Payload: wire.Ping{Seq: 1, Timestamp: 42}.Marshal(),
	}
	dst := rConn.LocalAddr().(*net.UDPAddr)
	_, err := wConn.WriteTo(frame.Encode(), dst, "", nil)
	require.NoError(t, err)

	select {
	case got := <-received:
		require.Equal(t, wire.SubPing, got.Header.SubProtocol)
		ping, err := wire.UnmarshalPing(got.Payload)
		require.NoError(t, err)
		require.Equal(t, uint32(1), ping.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched frame")
	}
}

func TestMux_UnregisteredProtocolIsDropped(t *testing.T) {
	rConn := newLoopbackConn(t)
	wConn := newLoopbackConn(t)
	m := New(slog.Default(), rConn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	frame := wire.Frame{Header: wire.Header{Protocol: wire.ProtoControl, SubProtocol: wire.SubPunchRequest}}
	dst := rConn.LocalAddr().(*net.UDPAddr)
	_, err := wConn.WriteTo(frame.Encode(), dst, "", nil)
	require.NoError(t, err)

	// No handler registered; just confirm the loop keeps running without panic.
	time.Sleep(50 * time.Millisecond)
}

func TestMux_Send_EncodesAndWrites(t *testing.T) {
	rConn := newLoopbackConn(t)
	wConn := newLoopbackConn(t)
	m := New(slog.Default(), wConn)

	dst := rConn.LocalAddr().(*net.UDPAddr)
	frame := wire.Frame{Header: wire.Header{Protocol: wire.ProtoService, SubProtocol: wire.SubPing}}
	require.NoError(t, m.Send(frame, dst))

	require.NoError(t, rConn.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 64)
	n, _, _, _, err := rConn.ReadFrom(buf)
	require.NoError(t, err)
	got, err := wire.Decode(buf[:n])
	require.NoError(t, err)
	require.Equal(t, wire.ProtoService, got.Header.Protocol)
}
