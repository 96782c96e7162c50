// Package state holds every piece of process-wide shared state the overlay
// client's workers read and mutate concurrently: the local device's
// immutable identity, the server's device-list snapshot, the direct-route
// table, NAT classifications, and the server RTT estimate (spec §3, §5).
package state

import (
	"net"
	"sync/atomic"
)

// CurrentDevice holds this process's assigned identity. It is written once,
// by the registration client, and is read-only for the remainder of the
// process lifetime (spec §3's "Lifecycles").
type CurrentDevice struct {
	VirtualIP      net.IP
	VirtualGateway net.IP
	VirtualNetmask net.IP
	ServerAddr     *net.UDPAddr

	// SessionID tags every log line emitted for this registration lease, so
	// entries from the forwarder, heartbeat worker, and punch engine
	// can be correlated back to a single connection attempt across restarts.
	SessionID string
}

// deviceCell is the process-singleton holder for CurrentDevice, stored by
// SetCurrentDevice from the registration client's success path.
var deviceCell atomic.Pointer[CurrentDevice]

// SetCurrentDevice installs the device identity. Calling it a second time
// is a programmer error (registration runs exactly once per process) but is
// not guarded against here; callers must only call it from the registration
// client's success path.
func SetCurrentDevice(d CurrentDevice) { deviceCell.Store(&d) }

// Device returns the current device identity, or nil if registration has
// not completed yet.
func Device() *CurrentDevice { return deviceCell.Load() }

// InSubnet reports whether ip falls inside the virtual subnet implied by
// VirtualGateway/VirtualNetmask (spec §4.5 step 5).
func (d CurrentDevice) InSubnet(ip net.IP) bool {
	gw4, nm4, ip4 := d.VirtualGateway.To4(), d.VirtualNetmask.To4(), ip.To4()
	if gw4 == nil || nm4 == nil || ip4 == nil {
		return false
	}
	for i := 0; i < 4; i++ {
		if gw4[i]&nm4[i] != ip4[i]&nm4[i] {
			return false
		}
	}
	return true
}
