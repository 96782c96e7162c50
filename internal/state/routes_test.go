package state

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestState_DirectRouteTable_RefreshAndGet(t *testing.T) {
	t.Parallel()
	tbl := NewDirectRouteTable()
	peer := net.IPv4(10, 0, 0, 3)
	addr := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 9), Port: 51820}
	now := time.Now()

	_, ok := tbl.Get(peer)
	require.False(t, ok)

	tbl.Refresh(peer, addr, 12, now)
	got, ok := tbl.Get(peer)
	require.True(t, ok)
	require.Equal(t, addr, got.Addr)
	require.Equal(t, 12, got.DelayMs)
}

func TestState_DirectRouteTable_AtMostOneEntryPerPeer(t *testing.T) {
	t.Parallel()
	tbl := NewDirectRouteTable()
	peer := net.IPv4(10, 0, 0, 3)
	now := time.Now()
	tbl.Refresh(peer, &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 1}, 5, now)
	tbl.Refresh(peer, &net.UDPAddr{IP: net.IPv4(5, 6, 7, 8), Port: 2}, 10, now)
	require.Equal(t, 1, tbl.Len())
	got, _ := tbl.Get(peer)
	require.Equal(t, 2, got.Addr.Port)
}

func TestState_DirectRouteTable_EvictStale(t *testing.T) {
	t.Parallel()
	tbl := NewDirectRouteTable()
	peer := net.IPv4(10, 0, 0, 3)
	old := time.Now().Add(-time.Hour)
	tbl.Refresh(peer, &net.UDPAddr{IP: net.IPv4(1, 1, 1, 1), Port: 1}, 5, old)

	evicted := tbl.EvictStale(time.Now(), 30*time.Second)
	require.Len(t, evicted, 1)
	_, ok := tbl.Get(peer)
	require.False(t, ok)
}

func TestState_DirectRouteTable_EvictAbsent(t *testing.T) {
	t.Parallel()
	tbl := NewDirectRouteTable()
	p1, p2 := net.IPv4(10, 0, 0, 2), net.IPv4(10, 0, 0, 3)
	now := time.Now()
	tbl.Refresh(p1, &net.UDPAddr{IP: net.IPv4(1, 1, 1, 1), Port: 1}, 1, now)
	tbl.Refresh(p2, &net.UDPAddr{IP: net.IPv4(2, 2, 2, 2), Port: 2}, 1, now)

	tbl.EvictAbsent([]net.IP{p1})
	_, ok1 := tbl.Get(p1)
	_, ok2 := tbl.Get(p2)
	require.True(t, ok1)
	require.False(t, ok2)
}

func TestState_DeviceList_EpochMonotonic(t *testing.T) {
	t.Parallel()
	dl := NewDeviceList()
	applied := dl.Swap(DeviceListSnapshot{Epoch: 1, Peers: []net.IP{net.IPv4(10, 0, 0, 2)}})
	require.True(t, applied)

	// A stale or equal epoch is rejected.
	applied = dl.Swap(DeviceListSnapshot{Epoch: 1, Peers: nil})
	require.False(t, applied)
	require.Equal(t, uint32(1), dl.Epoch())

	applied = dl.Swap(DeviceListSnapshot{Epoch: 2, Peers: []net.IP{net.IPv4(10, 0, 0, 2), net.IPv4(10, 0, 0, 3)}})
	require.True(t, applied)
	require.Equal(t, uint32(2), dl.Epoch())
	require.Len(t, dl.Snapshot().Peers, 2)
}

func TestState_DeviceList_SwapNotifiesObservers(t *testing.T) {
	t.Parallel()
	dl := NewDeviceList()
	var got DeviceListSnapshot
	dl.OnSwap(func(s DeviceListSnapshot) { got = s })
	dl.Swap(DeviceListSnapshot{Epoch: 1, Peers: []net.IP{net.IPv4(10, 0, 0, 4)}})
	require.Equal(t, uint32(1), got.Epoch)
	require.Len(t, got.Peers, 1)
}

func TestState_CurrentDevice_InSubnet(t *testing.T) {
	t.Parallel()
	d := CurrentDevice{
		VirtualGateway: net.IPv4(10, 0, 0, 1),
		VirtualNetmask: net.IPv4(255, 255, 255, 0),
	}
	require.True(t, d.InSubnet(net.IPv4(10, 0, 0, 42)))
	require.False(t, d.InSubnet(net.IPv4(10, 0, 1, 42)))
}

func TestState_ServerRtt_DefaultsUnmeasured(t *testing.T) {
	SetServerRtt(-1)
	require.Equal(t, int64(-1), ServerRtt())
	SetServerRtt(18)
	require.Equal(t, int64(18), ServerRtt())
}

func TestState_PeerNatTable_PruneAbsent(t *testing.T) {
	t.Parallel()
	tbl := NewPeerNatTable()
	p1, p2 := net.IPv4(10, 0, 0, 2), net.IPv4(10, 0, 0, 3)
	tbl.Set(p1, PeerNatInfo{})
	tbl.Set(p2, PeerNatInfo{})
	tbl.PruneAbsent([]net.IP{p1})
	_, ok1 := tbl.Get(p1)
	_, ok2 := tbl.Get(p2)
	require.True(t, ok1)
	require.False(t, ok2)
}
