package state

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/overlaynet/switchd/internal/wire"
)

// NatInfo is this device's own NAT classification, observed during
// registration (spec §3): "mutated only during registration and by
// optional re-probes".
type NatInfo struct {
	Type       wire.NatType
	PublicIP   net.IP
	PublicPort uint16
	LocalAddrs []net.IP
}

var localNatCell atomic.Pointer[NatInfo]

// SetLocalNatInfo installs the device's own NAT classification. Called once
// by the registration client's success path.
func SetLocalNatInfo(n NatInfo) { localNatCell.Store(&n) }

// LocalNatInfo returns this device's NAT classification, or nil before
// registration completes.
func LocalNatInfo() *NatInfo { return localNatCell.Load() }

// PeerNatInfo is the NAT classification and candidate address set learned
// for one peer, inserted on demand by the hole-punch engine (spec §3).
type PeerNatInfo struct {
	Type       wire.NatType
	PublicIP   net.IP
	PublicPort uint16
	Candidates []wire.CandidateAddr
	learnedAt  time.Time
}

// PeerNatTable holds the on-demand-populated PeerNatInfo cache. Entries for
// peers that drop out of DeviceList are swept by PruneAbsent, implementing
// the "idle-peer route GC sweep" supplement in SPEC_FULL.md §5.
type PeerNatTable struct {
	mu sync.Mutex
	m  map[string]PeerNatInfo
}

// NewPeerNatTable returns an empty table.
func NewPeerNatTable() *PeerNatTable {
	return &PeerNatTable{m: make(map[string]PeerNatInfo)}
}

// Get returns the cached NAT info for peer, if known.
func (t *PeerNatTable) Get(peer net.IP) (PeerNatInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.m[key(peer)]
	return v, ok
}

// Set installs or refreshes the NAT info for peer.
func (t *PeerNatTable) Set(peer net.IP, info PeerNatInfo) {
	info.learnedAt = time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[key(peer)] = info
}

// PruneAbsent drops every entry whose peer is not in peers. The original
// client performs this sweep so a long-running process with high peer
// churn doesn't accumulate stale NAT-info entries forever.
func (t *PeerNatTable) PruneAbsent(peers []net.IP) {
	present := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		present[key(p)] = struct{}{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.m {
		if _, ok := present[k]; !ok {
			delete(t.m, k)
		}
	}
}
