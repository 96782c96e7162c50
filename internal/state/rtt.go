package state

import "sync/atomic"

// serverRtt is the signed millisecond RTT to the rendezvous server,
// -1 when unmeasured (spec §3). An atomic.Int64 satisfies spec §5's
// "ServerRtt: atomic signed integer" without a mutex.
var serverRtt atomic.Int64

func init() { serverRtt.Store(-1) }

// SetServerRtt records a new RTT measurement in milliseconds.
func SetServerRtt(ms int64) { serverRtt.Store(ms) }

// ServerRtt returns the last measured RTT in milliseconds, or -1 if no
// Pong has been received yet.
func ServerRtt() int64 { return serverRtt.Load() }
