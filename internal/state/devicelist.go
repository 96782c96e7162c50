package state

import (
	"net"
	"sync"
)

// DeviceListSnapshot is an immutable view of the server's device-list
// generation: its epoch and the set of peer virtual IPs sharing the token
// (spec §3). Callers receive a copy and never mutate it in place.
type DeviceListSnapshot struct {
	Epoch uint32
	Peers []net.IP
}

// Contains reports whether ip is present in the snapshot's peer set.
func (s DeviceListSnapshot) Contains(ip net.IP) bool {
	for _, p := range s.Peers {
		if p.Equal(ip) {
			return true
		}
	}
	return false
}

// DeviceList is the mutex-protected, epoch-versioned peer set described in
// spec §3/§5: "mutex-protected; readers clone the pair and drop the lock
// before use". The runtime calls Swap once with the registration reply's
// snapshot; after that only the heartbeat loop calls it, when it observes a
// newer epoch (spec §4.3). Swap rejects any epoch that isn't newer, so
// epoch is non-decreasing for the process lifetime (spec §8's "Epoch monotonicity").
type DeviceList struct {
	mu       sync.Mutex
	snapshot DeviceListSnapshot
	onSwap   []func(DeviceListSnapshot)
}

// NewDeviceList returns an empty device list at epoch 0.
func NewDeviceList() *DeviceList {
	return &DeviceList{}
}

// Snapshot returns a copy of the current (epoch, peers) pair.
func (d *DeviceList) Snapshot() DeviceListSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return cloneSnapshot(d.snapshot)
}

// Epoch returns the current epoch without copying the peer slice.
func (d *DeviceList) Epoch() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot.Epoch
}

// OnSwap registers a callback invoked, under no lock, after every
// successful Swap, so a subscriber can react to peer churn without polling.
func (d *DeviceList) OnSwap(fn func(DeviceListSnapshot)) {
	d.mu.Lock()
	d.onSwap = append(d.onSwap, fn)
	d.mu.Unlock()
}

// Swap atomically replaces the device list if next.Epoch is newer than the
// current epoch, matching spec §3's "epoch increases monotonically". It
// reports whether the swap was applied.
func (d *DeviceList) Swap(next DeviceListSnapshot) bool {
	d.mu.Lock()
	if next.Epoch <= d.snapshot.Epoch {
		d.mu.Unlock()
		return false
	}
	d.snapshot = cloneSnapshot(next)
	cbs := append([]func(DeviceListSnapshot){}, d.onSwap...)
	snap := cloneSnapshot(d.snapshot)
	d.mu.Unlock()

	for _, cb := range cbs {
		cb(snap)
	}
	return true
}

func cloneSnapshot(s DeviceListSnapshot) DeviceListSnapshot {
	out := DeviceListSnapshot{Epoch: s.Epoch}
	if len(s.Peers) > 0 {
		out.Peers = make([]net.IP, len(s.Peers))
		copy(out.Peers, s.Peers)
	}
	return out
}
