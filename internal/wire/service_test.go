package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWire_RegistrationRequest_RoundTrip(t *testing.T) {
	t.Parallel()
	req := RegistrationRequest{
		MAC:               "de:ad:be:ef:00:01",
		LocalIPCandidates: []uint32{0x0A000002, 0xC0A80101},
	}
	copy(req.Token[:], []byte("0123456789abcdef0123456789abcdef"))
	b := req.Marshal()
	got, err := UnmarshalRegistrationRequest(b)
	require.NoError(t, err)
	require.Equal(t, req.Token, got.Token)
	require.Equal(t, req.MAC, got.MAC)
	require.Equal(t, req.LocalIPCandidates, got.LocalIPCandidates)
}

func TestWire_RegistrationResponse_RoundTrip(t *testing.T) {
	t.Parallel()
	resp := RegistrationResponse{
		VirtualIP:     0x0A000002,
		VirtualGW:     0x0A000001,
		VirtualNet:    0xFFFFFF00,
		Epoch:         1,
		PublicIP:      0x01020304,
		PublicPort:    51820,
		VirtualIPList: nil,
	}
	got, err := UnmarshalRegistrationResponse(resp.Marshal())
	require.NoError(t, err)
	require.Equal(t, resp, got)
}

func TestWire_PingPong_RoundTrip(t *testing.T) {
	t.Parallel()
	p := Ping{Seq: 42, Timestamp: 1700000000000}
	got, err := UnmarshalPing(p.Marshal())
	require.NoError(t, err)
	require.Equal(t, p, got)

	pong := Pong{Timestamp: p.Timestamp, Epoch: 3}
	gotPong, err := UnmarshalPong(pong.Marshal())
	require.NoError(t, err)
	require.Equal(t, pong, gotPong)
}

func TestWire_DeviceListResponse_RoundTrip(t *testing.T) {
	t.Parallel()
	d := DeviceListResponse{Epoch: 5, IPList: []uint32{1, 2, 3}}
	got, err := UnmarshalDeviceListResponse(d.Marshal())
	require.NoError(t, err)
	require.Equal(t, d, got)
}

func TestWire_IPv4Conversion_RoundTrip(t *testing.T) {
	t.Parallel()
	ip := U32ToIP4(0x0A000203)
	require.Equal(t, "10.0.2.3", ip.String())
	require.Equal(t, uint32(0x0A000203), IPv4ToU32(ip))
}

func TestWire_UnmarshalRegistrationRequest_ShortPayloadErrors(t *testing.T) {
	t.Parallel()
	_, err := UnmarshalRegistrationRequest([]byte{tagToken})
	require.Error(t, err)
}
