package meshnet

import "fmt"

// FragmentPayloadSize is the normative constant fragment payload size
// (§3 Packet, §4.4 Fragmentation). All fragments carry exactly this many
// bytes except possibly the last one in a message.
const FragmentPayloadSize = 128

// SessionID identifies the lifetime of one outbound multi-fragment
// message at its originator. Namespaced by originator: globally unique
// by construction (§3).
type SessionID uint64

// FloodID identifies one discovery wave, namespaced by initiator the
// same way as SessionID (§3).
type FloodID uint64

// NackReason enumerates why a Fragment could not be delivered (§3 Packet,
// §4.1 Drone, §7 Error handling).
type NackReason int

const (
	// NackDropped indicates the drone's probabilistic drop fired.
	NackDropped NackReason = iota
	// NackErrorInRouting indicates the named node could not be reached
	// (no outbound link, or subsequently invalidated).
	NackErrorInRouting
	// NackDestinationIsDrone indicates the route's terminal hop has no
	// next hop to forward to — the route ends at a drone.
	NackDestinationIsDrone
	// NackUnexpectedRecipient indicates the named node received a
	// Fragment whose current hop did not name it.
	NackUnexpectedRecipient
)

func (r NackReason) String() string {
	switch r {
	case NackDropped:
		return "Dropped"
	case NackErrorInRouting:
		return "ErrorInRouting"
	case NackDestinationIsDrone:
		return "DestinationIsDrone"
	case NackUnexpectedRecipient:
		return "UnexpectedRecipient"
	default:
		return "Unknown"
	}
}

// Fragment is one chunk of a fragmented application message (§3, §4.4).
type Fragment struct {
	FragmentIndex    int
	TotalNFragments  int
	Length           int
	Data             [FragmentPayloadSize]byte
}

// Bytes returns the valid slice of fragment payload (Data[:Length]).
func (f Fragment) Bytes() []byte {
	return f.Data[:f.Length]
}

// NewFragment builds a Fragment from a data slice, which must be
// <= FragmentPayloadSize bytes.
func NewFragment(index, total int, data []byte) Fragment {
	var f Fragment
	f.FragmentIndex = index
	f.TotalNFragments = total
	f.Length = len(data)
	copy(f.Data[:], data)
	return f
}

// Ack is a positive acknowledgment of one fragment (§3).
type Ack struct {
	FragmentIndex int
}

// Nack is a negative acknowledgment of one fragment, with a reason and,
// for routing errors, the offending node (§3).
type Nack struct {
	FragmentIndex int
	Reason        NackReason
	Node          NodeID // meaningful for ErrorInRouting / UnexpectedRecipient
}

// FloodRequest originates or propagates a topology discovery wave (§3, §4.2).
type FloodRequest struct {
	FloodID     FloodID
	InitiatorID NodeID
	PathTrace   []PathEntry
}

// FloodResponse carries the path trace a FloodRequest walked, back to its
// initiator (§3, §4.2).
type FloodResponse struct {
	FloodID   FloodID
	PathTrace []PathEntry
}

// BodyKind tags which variant a Packet's Body holds.
type BodyKind int

const (
	BodyFragment BodyKind = iota
	BodyAck
	BodyNack
	BodyFloodRequest
	BodyFloodResponse
)

func (k BodyKind) String() string {
	switch k {
	case BodyFragment:
		return "fragment"
	case BodyAck:
		return "ack"
	case BodyNack:
		return "nack"
	case BodyFloodRequest:
		return "flood_request"
	case BodyFloodResponse:
		return "flood_response"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Packet is the unit of transmission between any two adjacent nodes (§3).
type Packet struct {
	RoutingHeader SourceRoutingHeader
	SessionID     SessionID
	Kind          BodyKind

	Fragment      Fragment
	Ack           Ack
	Nack          Nack
	FloodRequest  FloodRequest
	FloodResponse FloodResponse
}

// Clone returns a deep copy of the packet, safe to mutate independently.
func (p Packet) Clone() Packet {
	c := p
	c.RoutingHeader = p.RoutingHeader.Clone()
	c.FloodRequest.PathTrace = append([]PathEntry(nil), p.FloodRequest.PathTrace...)
	c.FloodResponse.PathTrace = append([]PathEntry(nil), p.FloodResponse.PathTrace...)
	return c
}

// NewFragmentPacket builds a Packet carrying a Fragment.
func NewFragmentPacket(header SourceRoutingHeader, session SessionID, frag Fragment) Packet {
	return Packet{RoutingHeader: header, SessionID: session, Kind: BodyFragment, Fragment: frag}
}

// NewAckPacket builds a Packet carrying an Ack.
func NewAckPacket(header SourceRoutingHeader, session SessionID, fragmentIndex int) Packet {
	return Packet{RoutingHeader: header, SessionID: session, Kind: BodyAck, Ack: Ack{FragmentIndex: fragmentIndex}}
}

// NewNackPacket builds a Packet carrying a Nack.
func NewNackPacket(header SourceRoutingHeader, session SessionID, nack Nack) Packet {
	return Packet{RoutingHeader: header, SessionID: session, Kind: BodyNack, Nack: nack}
}

// NewFloodRequestPacket builds a Packet carrying a FloodRequest. Flood
// requests travel with an empty routing header — they aren't source
// routed, they're broadcast to every neighbor (§4.2).
func NewFloodRequestPacket(session SessionID, req FloodRequest) Packet {
	return Packet{SessionID: session, Kind: BodyFloodRequest, FloodRequest: req}
}

// NewFloodResponsePacket builds a Packet carrying a FloodResponse.
func NewFloodResponsePacket(header SourceRoutingHeader, session SessionID, resp FloodResponse) Packet {
	return Packet{RoutingHeader: header, SessionID: session, Kind: BodyFloodResponse, FloodResponse: resp}
}

// GenerateResponse builds the FloodResponse answering this request,
// carrying the same path trace and flood id (§4.1, §4.2).
func (r FloodRequest) GenerateResponse() FloodResponse {
	return FloodResponse{
		FloodID:   r.FloodID,
		PathTrace: append([]PathEntry(nil), r.PathTrace...),
	}
}

// PrevNode returns the node that forwarded this request to the current
// holder, i.e. the second-to-last entry in the path trace, if any.
func (r FloodRequest) PrevNode() (NodeID, bool) {
	if len(r.PathTrace) < 2 {
		return 0, false
	}
	return r.PathTrace[len(r.PathTrace)-2].Node, true
}

// ReversePath turns a path trace walked by a FloodRequest (nearest-hop
// first, terminal last) into a hop list for NewSourceRoutingHeader that
// carries the answering FloodResponse back to the initiator: the trace
// reversed, terminal first, with the initiator appended as the final
// destination. The caller is whoever is originating the response (the
// trace's terminal entry), so route[0] is always that caller itself.
func ReversePath(initiator NodeID, trace []PathEntry) []NodeID {
	hops := make([]NodeID, 0, len(trace)+1)
	for i := len(trace) - 1; i >= 0; i-- {
		hops = append(hops, trace[i].Node)
	}
	return append(hops, initiator)
}
