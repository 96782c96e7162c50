package wire

// NatType classifies a device's NAT behavior (glossary: Cone, Symmetric).
type NatType uint8

const (
	NatUnknown NatType = iota
	NatCone
	NatSymmetric
)

func (n NatType) String() string {
	switch n {
	case NatCone:
		return "cone"
	case NatSymmetric:
		return "symmetric"
	default:
		return "unknown"
	}
}

const (
	tagPeerIP    uint8 = 20
	tagNatType   uint8 = 21
	tagCandCount uint8 = 22
	tagCandIP    uint8 = 23
	tagCandPort  uint8 = 24
)

// CandidateAddr is one observed (ip, port) pair a peer might be reachable at.
type CandidateAddr struct {
	IP   uint32
	Port uint16
}

func writeCandidates(w *tagWriter, cands []CandidateAddr) {
	hdr := make([]byte, 3)
	hdr[0] = tagCandCount
	PutU16(hdr[1:3], uint16(len(cands)))
	w.buf = append(w.buf, hdr...)
	for _, c := range cands {
		b := make([]byte, 6)
		PutU32(b[0:4], c.IP)
		PutU16(b[4:6], c.Port)
		w.buf = append(w.buf, b...)
	}
}

func readCandidates(r *tagReader) ([]CandidateAddr, error) {
	if _, err := r.wantTag(tagCandCount); err != nil {
		return nil, err
	}
	if r.off+2 > len(r.buf) {
		return nil, errShortPayload
	}
	n := int(GetU16(r.buf[r.off : r.off+2]))
	r.off += 2
	out := make([]CandidateAddr, n)
	for i := range out {
		if r.off+6 > len(r.buf) {
			return nil, errShortPayload
		}
		out[i] = CandidateAddr{
			IP:   GetU32(r.buf[r.off : r.off+4]),
			Port: GetU16(r.buf[r.off+4 : r.off+6]),
		}
		r.off += 6
	}
	return out, nil
}

// PunchRequest asks the server for a peer's NatInfo so a punch attempt can
// be planned (spec §4.6).
type PunchRequest struct {
	PeerIP uint32
}

func (m PunchRequest) Marshal() []byte {
	w := newTagWriter()
	w.u32(tagPeerIP, m.PeerIP)
	return w.bytesOut()
}

func UnmarshalPunchRequest(b []byte) (PunchRequest, error) {
	r := newTagReader(b)
	var m PunchRequest
	var err error
	m.PeerIP, err = r.u32Field(tagPeerIP)
	return m, err
}

// PunchResponse answers a PunchRequest with the peer's NAT classification
// and known reachable candidates.
type PunchResponse struct {
	PeerIP     uint32
	NatType    NatType
	PublicIP   uint32
	PublicPort uint16
	Candidates []CandidateAddr
}

func (m PunchResponse) Marshal() []byte {
	w := newTagWriter()
	w.u32(tagPeerIP, m.PeerIP)
	w.byte(tagNatType, uint8(m.NatType))
	w.u32(tagPublicIP, m.PublicIP)
	w.u16(tagPublicPort, m.PublicPort)
	writeCandidates(w, m.Candidates)
	return w.bytesOut()
}

func UnmarshalPunchResponse(b []byte) (PunchResponse, error) {
	r := newTagReader(b)
	var m PunchResponse
	var err error
	if m.PeerIP, err = r.u32Field(tagPeerIP); err != nil {
		return m, err
	}
	nt, err := r.byteField(tagNatType)
	if err != nil {
		return m, err
	}
	m.NatType = NatType(nt)
	if m.PublicIP, err = r.u32Field(tagPublicIP); err != nil {
		return m, err
	}
	if m.PublicPort, err = r.u16Field(tagPublicPort); err != nil {
		return m, err
	}
	if m.Candidates, err = readCandidates(r); err != nil {
		return m, err
	}
	return m, nil
}

// PunchCone is a single probe packet sent directly to a cone-NAT peer's
// observed (public_ip, public_port).
type PunchCone struct {
	PeerIP uint32
}

func (m PunchCone) Marshal() []byte {
	w := newTagWriter()
	w.u32(tagPeerIP, m.PeerIP)
	return w.bytesOut()
}

func UnmarshalPunchCone(b []byte) (PunchCone, error) {
	r := newTagReader(b)
	var m PunchCone
	var err error
	m.PeerIP, err = r.u32Field(tagPeerIP)
	return m, err
}

// PunchReqSym tells a cone-NAT peer that the remote side is symmetric and
// supplies the candidate port range to spray (spec §4.6).
type PunchReqSym struct {
	PeerIP     uint32
	Candidates []CandidateAddr
}

func (m PunchReqSym) Marshal() []byte {
	w := newTagWriter()
	w.u32(tagPeerIP, m.PeerIP)
	writeCandidates(w, m.Candidates)
	return w.bytesOut()
}

func UnmarshalPunchReqSym(b []byte) (PunchReqSym, error) {
	r := newTagReader(b)
	var m PunchReqSym
	var err error
	if m.PeerIP, err = r.u32Field(tagPeerIP); err != nil {
		return m, err
	}
	if m.Candidates, err = readCandidates(r); err != nil {
		return m, err
	}
	return m, nil
}

// PunchResSym is the probe a spray sends to every candidate address; the
// first one to arrive installs its sender as the DirectRoute endpoint.
type PunchResSym struct {
	PeerIP uint32
}

func (m PunchResSym) Marshal() []byte {
	w := newTagWriter()
	w.u32(tagPeerIP, m.PeerIP)
	return w.bytesOut()
}

func UnmarshalPunchResSym(b []byte) (PunchResSym, error) {
	r := newTagReader(b)
	var m PunchResSym
	var err error
	m.PeerIP, err = r.u32Field(tagPeerIP)
	return m, err
}

const tagReason uint8 = 30

// ErrorMessage is the payload for the Error major protocol: a reason string
// keyed by its sub-protocol (TokenMismatch, EpochStale, FatalProtocolMismatch).
type ErrorMessage struct {
	Reason string
}

func (m ErrorMessage) Marshal() []byte {
	w := newTagWriter()
	w.str(tagReason, m.Reason)
	return w.bytesOut()
}

func UnmarshalErrorMessage(b []byte) (ErrorMessage, error) {
	r := newTagReader(b)
	var m ErrorMessage
	var err error
	m.Reason, err = r.strField(tagReason)
	return m, err
}
