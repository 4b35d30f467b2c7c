package negotiation

import (
	"context"

	"github.com/1ureka/sendrecv/internal/engine"
	"github.com/1ureka/sendrecv/internal/protocol"
)

type eventKind uint8

const (
	evNegotiationNeeded eventKind = iota + 1
	evLocalCandidate
	evRemoteFrame
	evOpDone
)

// event is one input to the machine loop.
type event struct {
	kind eventKind
	cand protocol.IceCandidate // evLocalCandidate
	text string                // evRemoteFrame

	// evOpDone
	op   op
	desc protocol.SessionDescription
	err  error
}

type opKind uint8

const (
	opCreateOffer opKind = iota + 1
	opSetLocal
	opSetRemote
	opAddCandidate
)

// op is a queued engine call.
type op struct {
	kind opKind
	desc protocol.SessionDescription
	cand protocol.IceCandidate
}

func (o op) run(ctx context.Context, e engine.Engine) (protocol.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return protocol.SessionDescription{}, err
	}
	switch o.kind {
	case opCreateOffer:
		return e.CreateOffer(ctx)
	case opSetLocal:
		return o.desc, e.SetLocalDescription(ctx, o.desc)
	case opSetRemote:
		return o.desc, e.SetRemoteDescription(ctx, o.desc)
	case opAddCandidate:
		return protocol.SessionDescription{}, e.AddICECandidate(ctx, o.cand)
	}
	return protocol.SessionDescription{}, nil
}
