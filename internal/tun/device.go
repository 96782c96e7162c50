// Package tun wraps a local tunnel device behind the small interface the
// forwarder needs, with a production adapter backed by
// golang.zx2c4.com/wireguard/tun (the same userspace/kernel TUN layer
// WireGuard implementations use) and an in-memory fake for tests.
package tun

import (
	"fmt"

	wgtun "golang.zx2c4.com/wireguard/tun"
)

// Device is the single-packet interface the forwarder's read/write loop
// uses: read/write one raw IP packet with a leading offset reserved for
// transport headers, report MTU, and close cleanly.
type Device interface {
	Read(packet []byte, offset int) (int, error)
	Write(packet []byte, offset int) (int, error)
	MTU() (int, error)
	Name() (string, error)
	Close() error
}

// wgDevice adapts golang.zx2c4.com/wireguard/tun.Device's batched
// Read(bufs [][]byte, sizes []int, offset int)/Write(bufs [][]byte, offset
// int) shape, sized for handling several packets per syscall, down to the
// single-packet Device shape the forwarder uses. This client never needs
// the batching (one goroutine, one packet at a time off the tunnel), so the
// adapter always passes a one-element batch.
type wgDevice struct {
	inner wgtun.Device
}

// Open creates (or attaches to) a TUN interface named name with the given
// MTU, using the platform TUN driver via wireguard-go's tun package.
func Open(name string, mtu int) (Device, error) {
	dev, err := wgtun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("tun: create %s: %w", name, err)
	}
	return &wgDevice{inner: dev}, nil
}

func (d *wgDevice) Read(packet []byte, offset int) (int, error) {
	sizes := make([]int, 1)
	if _, err := d.inner.Read([][]byte{packet}, sizes, offset); err != nil {
		return 0, err
	}
	return sizes[0], nil
}

func (d *wgDevice) Write(packet []byte, offset int) (int, error) {
	return d.inner.Write([][]byte{packet}, offset)
}

func (d *wgDevice) MTU() (int, error)     { return d.inner.MTU() }
func (d *wgDevice) Name() (string, error) { return d.inner.Name() }
func (d *wgDevice) Close() error          { return d.inner.Close() }
