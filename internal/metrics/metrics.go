// Package metrics defines the Prometheus instrumentation surface for the
// overlay client, grouped the way the teacher's liveness metrics are: a
// small set of promauto-registered vectors, keyed by labels meaningful at
// query time, updated by simple package-level emit helpers rather than
// threading a metrics struct through every call site.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	LabelReason  = "reason"
	LabelNatType = "nat_type"
)

var (
	FramesRX = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchd_frames_rx_total",
			Help: "Total wire frames received, by major protocol.",
		},
		[]string{"protocol"},
	)

	FramesTX = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchd_frames_tx_total",
			Help: "Total wire frames sent, by major protocol.",
		},
		[]string{"protocol"},
	)

	FramesRXInvalid = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchd_frames_rx_invalid_total",
			Help: "Frames dropped at decode time, by reason.",
		},
		[]string{LabelReason},
	)

	DirectRoutesInstalled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "switchd_direct_routes_installed",
			Help: "Number of peers currently reachable via a direct (hole-punched) route.",
		},
	)

	DirectRoutesEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchd_direct_routes_evicted_total",
			Help: "Direct routes removed, by reason (send_error).",
		},
		[]string{LabelReason},
	)

	PunchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchd_punch_attempts_total",
			Help: "Hole-punch attempts started, by peer NAT type.",
		},
		[]string{LabelNatType},
	)

	PunchSuccesses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchd_punch_successes_total",
			Help: "Hole-punch attempts that established a direct route, by peer NAT type.",
		},
		[]string{LabelNatType},
	)

	RegistrationAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "switchd_registration_attempts_total",
			Help: "Registration handshake attempts, including retries.",
		},
	)

	ServerRttSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "switchd_server_rtt_seconds",
			Help: "Last measured round-trip time to the rendezvous server.",
		},
	)

	TunBytesRX = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "switchd_tun_bytes_rx_total",
			Help: "Bytes written to the local tunnel device.",
		},
	)

	TunBytesTX = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "switchd_tun_bytes_tx_total",
			Help: "Bytes read from the local tunnel device and sent.",
		},
	)

	TunPacketsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchd_tun_packets_dropped_total",
			Help: "Outbound tunnel packets dropped before being sent, by reason.",
		},
		[]string{LabelReason},
	)
)
