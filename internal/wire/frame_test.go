package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWire_Header_EncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()
	h := Header{
		Flags:       0x3,
		Protocol:    ProtoIPTurn,
		SubProtocol: SubIPv4,
		TTL:         16,
		Src:         net.IPv4(10, 0, 0, 2),
		Dst:         net.IPv4(10, 0, 0, 3),
	}
	b := h.Encode()
	require.Len(t, b, HeaderLen)
	require.Equal(t, uint8(Version<<4|0x3), b[0])

	got, err := DecodeHeader(b)
	require.NoError(t, err)
	require.Equal(t, h.Flags, got.Flags)
	require.Equal(t, h.Protocol, got.Protocol)
	require.Equal(t, h.SubProtocol, got.SubProtocol)
	require.Equal(t, h.TTL, got.TTL)
	require.True(t, h.Src.Equal(got.Src))
	require.True(t, h.Dst.Equal(got.Dst))
}

func TestWire_Header_ShortBufferRejected(t *testing.T) {
	t.Parallel()
	for n := 0; n < HeaderLen; n++ {
		_, err := DecodeHeader(make([]byte, n))
		require.ErrorIs(t, err, ErrMalformedFrame)
	}
}

func TestWire_Header_WrongVersionRejected(t *testing.T) {
	t.Parallel()
	b := Header{Protocol: ProtoService, SubProtocol: SubPing}.Encode()
	b[0] = (2 << 4) | (b[0] & 0x0f) // version 2, unsupported
	_, err := DecodeHeader(b)
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestWire_Frame_EncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()
	f := Frame{
		Header: Header{
			Protocol:    ProtoService,
			SubProtocol: SubPing,
			TTL:         DefaultTTL,
			Src:         net.IPv4(10, 0, 0, 2),
		},
		Payload: Ping{Seq: 7, Timestamp: 12345}.Marshal(),
	}
	b := f.Encode()
	got, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, f.Header.Protocol, got.Header.Protocol)
	require.Equal(t, f.Header.SubProtocol, got.Header.SubProtocol)
	require.Equal(t, f.Payload, got.Payload)

	ping, err := UnmarshalPing(got.Payload)
	require.NoError(t, err)
	require.Equal(t, uint32(7), ping.Seq)
	require.Equal(t, uint64(12345), ping.Timestamp)
}

func TestWire_Frame_ShortDatagramIsMalformed(t *testing.T) {
	t.Parallel()
	_, err := Decode([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func FuzzWire_DecodeHeader_NoPanic(f *testing.F) {
	f.Add(make([]byte, HeaderLen))
	f.Add([]byte{0x10, 4, 1, 16, 10, 0, 0, 2, 10, 0, 0, 3})
	f.Fuzz(func(t *testing.T, b []byte) {
		_, _ = DecodeHeader(b)
		_, _ = Decode(b)
	})
}
