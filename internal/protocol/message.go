// Package protocol defines the signaling messages exchanged with the remote
// peer through the relay, and their text wire format.
package protocol

// SDPType is the role of a session description.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is an SDP document tagged with its role.
type SessionDescription struct {
	Type SDPType
	SDP  string // opaque SDP text
}

// IceCandidate is a single trickled ICE candidate.
type IceCandidate struct {
	MLineIndex uint16 // media section the candidate belongs to
	Candidate  string // candidate attribute text
}

// Kind identifies the variant carried by a Message.
type Kind uint8

const (
	KindSdp     Kind = 0x01 // SessionDescription
	KindIce     Kind = 0x02 // IceCandidate
	KindControl Kind = 0x03 // relay control token (plain text)
)

func (k Kind) String() string {
	switch k {
	case KindSdp:
		return "sdp"
	case KindIce:
		return "ice"
	case KindControl:
		return "control"
	default:
		return "unknown"
	}
}

// Message is one signaling frame. Exactly one of SDP, ICE or Control is
// meaningful, selected by Kind.
type Message struct {
	Kind    Kind
	SDP     SessionDescription
	ICE     IceCandidate
	Control string
}

// SdpMessage wraps a session description.
func SdpMessage(d SessionDescription) Message {
	return Message{Kind: KindSdp, SDP: d}
}

// IceMessage wraps an ICE candidate.
func IceMessage(c IceCandidate) Message {
	return Message{Kind: KindIce, ICE: c}
}

// ControlMessage wraps a relay control token.
func ControlMessage(token string) Message {
	return Message{Kind: KindControl, Control: token}
}
