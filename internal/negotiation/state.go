package negotiation

// State is the negotiation phase of a session.
type State int

const (
	Idle          State = iota // nothing negotiated yet
	AwaitingOffer              // offer requested from the engine
	OfferSent                  // offer applied locally and sent, waiting for the answer
	Connected                  // answer applied; candidates flow directly to the engine
	Closed                     // terminal
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingOffer:
		return "awaiting-offer"
	case OfferSent:
		return "offer-sent"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
