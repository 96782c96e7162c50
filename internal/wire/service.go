package wire

import "net"

// Field tags shared across the Service payload variants (spec §6).
const (
	tagToken       uint8 = 1
	tagMAC         uint8 = 2
	tagEpoch       uint8 = 3
	tagIPList      uint8 = 4
	tagVirtualIP   uint8 = 5
	tagGateway     uint8 = 6
	tagNetmask     uint8 = 7
	tagPublicIP    uint8 = 8
	tagPublicPort  uint8 = 9
	tagTimestamp   uint8 = 10
	tagSeq         uint8 = 11
	tagLocalIPList uint8 = 12
)

// TokenLen is the fixed size of the shared authentication token.
const TokenLen = 32

// RegistrationRequest is the client's one-shot handshake payload (spec §4.2).
type RegistrationRequest struct {
	Token             [TokenLen]byte
	MAC               string
	LocalIPCandidates []uint32 // local interface unicast addresses, network order
}

func (m RegistrationRequest) Marshal() []byte {
	w := newTagWriter()
	w.bytesFixed(tagToken, m.Token[:])
	w.str(tagMAC, m.MAC)
	w.u32Array(tagLocalIPList, m.LocalIPCandidates)
	return w.bytesOut()
}

func UnmarshalRegistrationRequest(b []byte) (RegistrationRequest, error) {
	r := newTagReader(b)
	var m RegistrationRequest
	tok, err := r.bytesFixedField(tagToken, TokenLen)
	if err != nil {
		return m, err
	}
	copy(m.Token[:], tok)
	if m.MAC, err = r.strField(tagMAC); err != nil {
		return m, err
	}
	if m.LocalIPCandidates, err = r.u32ArrayField(tagLocalIPList); err != nil {
		return m, err
	}
	return m, nil
}

// RegistrationResponse is the server's reply assigning a virtual address
// and reporting the client's observed public endpoint (spec §4.2).
type RegistrationResponse struct {
	VirtualIP     uint32
	VirtualGW     uint32
	VirtualNet    uint32
	Epoch         uint32
	PublicIP      uint32
	PublicPort    uint16
	VirtualIPList []uint32
}

func (m RegistrationResponse) Marshal() []byte {
	w := newTagWriter()
	w.u32(tagVirtualIP, m.VirtualIP)
	w.u32(tagGateway, m.VirtualGW)
	w.u32(tagNetmask, m.VirtualNet)
	w.u32(tagEpoch, m.Epoch)
	w.u32(tagPublicIP, m.PublicIP)
	w.u16(tagPublicPort, m.PublicPort)
	w.u32Array(tagIPList, m.VirtualIPList)
	return w.bytesOut()
}

func UnmarshalRegistrationResponse(b []byte) (RegistrationResponse, error) {
	r := newTagReader(b)
	var m RegistrationResponse
	var err error
	if m.VirtualIP, err = r.u32Field(tagVirtualIP); err != nil {
		return m, err
	}
	if m.VirtualGW, err = r.u32Field(tagGateway); err != nil {
		return m, err
	}
	if m.VirtualNet, err = r.u32Field(tagNetmask); err != nil {
		return m, err
	}
	if m.Epoch, err = r.u32Field(tagEpoch); err != nil {
		return m, err
	}
	if m.PublicIP, err = r.u32Field(tagPublicIP); err != nil {
		return m, err
	}
	if m.PublicPort, err = r.u16Field(tagPublicPort); err != nil {
		return m, err
	}
	if m.VirtualIPList, err = r.u32ArrayField(tagIPList); err != nil {
		return m, err
	}
	return m, nil
}

// Ping is sent by the client to the server, and by any peer to another peer
// along a DirectRoute, carrying a monotonic sequence and send timestamp.
type Ping struct {
	Seq       uint32
	Timestamp uint64 // unix millis at send time
}

func (m Ping) Marshal() []byte {
	w := newTagWriter()
	w.u32(tagSeq, m.Seq)
	w.u64(tagTimestamp, m.Timestamp)
	return w.bytesOut()
}

func UnmarshalPing(b []byte) (Ping, error) {
	r := newTagReader(b)
	var m Ping
	var err error
	if m.Seq, err = r.u32Field(tagSeq); err != nil {
		return m, err
	}
	if m.Timestamp, err = r.u64Field(tagTimestamp); err != nil {
		return m, err
	}
	return m, nil
}

// Pong echoes a Ping's timestamp and reports the sender's current
// DeviceList epoch, letting the receiver detect staleness (spec §4.3).
type Pong struct {
	Timestamp uint64 // echoed from the Ping
	Epoch     uint32
}

func (m Pong) Marshal() []byte {
	w := newTagWriter()
	w.u64(tagTimestamp, m.Timestamp)
	w.u32(tagEpoch, m.Epoch)
	return w.bytesOut()
}

func UnmarshalPong(b []byte) (Pong, error) {
	r := newTagReader(b)
	var m Pong
	var err error
	if m.Timestamp, err = r.u64Field(tagTimestamp); err != nil {
		return m, err
	}
	if m.Epoch, err = r.u32Field(tagEpoch); err != nil {
		return m, err
	}
	return m, nil
}

// DeviceListRequest has no payload fields; its sub-protocol alone identifies it.
type DeviceListRequest struct{}

func (DeviceListRequest) Marshal() []byte { return nil }

// DeviceListResponse carries the server's current epoch and peer set.
type DeviceListResponse struct {
	Epoch   uint32
	IPList  []uint32
}

func (m DeviceListResponse) Marshal() []byte {
	w := newTagWriter()
	w.u32(tagEpoch, m.Epoch)
	w.u32Array(tagIPList, m.IPList)
	return w.bytesOut()
}

func UnmarshalDeviceListResponse(b []byte) (DeviceListResponse, error) {
	r := newTagReader(b)
	var m DeviceListResponse
	var err error
	if m.Epoch, err = r.u32Field(tagEpoch); err != nil {
		return m, err
	}
	if m.IPList, err = r.u32ArrayField(tagIPList); err != nil {
		return m, err
	}
	return m, nil
}

// IPv4ToU32 and U32ToIP4 convert between the wire's network-order uint32
// representation and net.IP, matching the header's Src/Dst encoding.
func IPv4ToU32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return GetU32(v4)
}

func U32ToIP4(v uint32) net.IP {
	b := make([]byte, 4)
	PutU32(b, v)
	return net.IP(b)
}
