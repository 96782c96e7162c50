// Package sock wraps an IPv4 UDP socket with the control-message plumbing
// the overlay needs to learn which local interface and source address a
// datagram arrived on, mirroring how the teacher's liveness probe socket is
// built on golang.org/x/net/ipv4 rather than the bare net package.
package sock

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
)

// ErrUnsupportedDst is returned by WriteTo for a non-IPv4 destination.
var ErrUnsupportedDst = errors.New("sock: ipv6 destination not supported")

// Conn wraps a UDP socket and provides read/write with control messages
// configured once at construction time.
type Conn struct {
	raw *net.UDPConn
	pc4 *ipv4.PacketConn
}

// Listen binds to bindIP:port using IPv4 and returns a configured Conn.
func Listen(bindIP string, port int) (*Conn, error) {
	laddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", bindIP, port))
	if err != nil {
		return nil, fmt.Errorf("sock: resolve: %w", err)
	}
	raw, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("sock: listen: %w", err)
	}
	c, err := NewConn(raw)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return c, nil
}

// NewConn wraps an existing *net.UDPConn and preconfigures IPv4 control
// messages so every ReadFrom call reports the destination address and
// arrival interface.
func NewConn(raw *net.UDPConn) (*Conn, error) {
	c := &Conn{raw: raw, pc4: ipv4.NewPacketConn(raw)}
	if err := c.pc4.SetControlMessage(ipv4.FlagInterface|ipv4.FlagDst|ipv4.FlagSrc, true); err != nil {
		return nil, fmt.Errorf("sock: set control message: %w", err)
	}
	return c, nil
}

// Close closes the underlying socket.
func (c *Conn) Close() error { return c.raw.Close() }

// ReadFrom reads one datagram and reports the sender, the local (dst)
// address it was received on, and the arrival interface name.
func (c *Conn) ReadFrom(buf []byte) (n int, remote *net.UDPAddr, localIP net.IP, ifname string, err error) {
	n, cm4, raddr, err := c.pc4.ReadFrom(buf)
	if err != nil {
		return 0, nil, nil, "", err
	}
	if ua, ok := raddr.(*net.UDPAddr); ok {
		remote = ua
	}
	if cm4 != nil {
		if cm4.Dst != nil {
			localIP = cm4.Dst
		}
		if cm4.IfIndex != 0 {
			if ifi, _ := net.InterfaceByIndex(cm4.IfIndex); ifi != nil {
				ifname = ifi.Name
			}
		}
	}
	return n, remote, localIP, ifname, nil
}

// WriteTo sends pkt to dst, optionally pinning the outgoing interface and
// source address. Only IPv4 destinations are supported, matching the
// overlay's IPv4-only wire format.
func (c *Conn) WriteTo(pkt []byte, dst *net.UDPAddr, iface string, src net.IP) (int, error) {
	if dst == nil || dst.IP == nil {
		return 0, errors.New("sock: nil destination")
	}
	ip4 := dst.IP.To4()
	if ip4 == nil {
		return 0, ErrUnsupportedDst
	}

	var cm ipv4.ControlMessage
	if iface != "" {
		ifi, err := net.InterfaceByName(iface)
		if err != nil {
			return 0, fmt.Errorf("sock: interface %s: %w", iface, err)
		}
		cm.IfIndex = ifi.Index
	}
	if s4 := src.To4(); s4 != nil {
		cm.Src = s4
	}
	return c.pc4.WriteTo(pkt, &cm, &net.UDPAddr{IP: ip4, Port: dst.Port, Zone: dst.Zone})
}

// SetReadDeadline forwards to the underlying socket.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.raw.SetReadDeadline(t) }

// LocalAddr returns the underlying socket's local address.
func (c *Conn) LocalAddr() net.Addr { return c.raw.LocalAddr() }
