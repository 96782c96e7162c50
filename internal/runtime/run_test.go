package runtime

import (
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRuntime_Config_ValidateAppliesDefaults(t *testing.T) {
	cfg := Config{
		Logger:     slog.Default(),
		ServerAddr: &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 9000},
		TunName:    "switch0",
	}
	require.NoError(t, cfg.Validate())
	require.Equal(t, 1400, cfg.TunMTU)
	require.Equal(t, 100, cfg.ControlQueueCapacity)
	require.Equal(t, 64, cfg.PunchQueueCapacity)
	require.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 5*time.Second, cfg.PeerPingInterval)
	require.Equal(t, 50*time.Second, cfg.DeviceListEvery)
	require.Equal(t, 25*time.Second, cfg.RouteTTL)
	require.Equal(t, 3, cfg.MaxPingFailures)
}

func TestRuntime_Config_ValidateRequiresServerAddr(t *testing.T) {
	cfg := Config{Logger: slog.Default(), TunName: "switch0"}
	require.Error(t, cfg.Validate())
}

func TestRuntime_LocalCandidates_SkipsLoopback(t *testing.T) {
	externalDiscoveryURL = "http://127.0.0.1:1" // force discovery failure, deterministically

	ips, _ := localCandidates("", slog.Default())
	for _, ip := range ips {
		require.False(t, ip.IsLoopback(), "loopback address %s should not be offered as a candidate", ip)
	}
}
