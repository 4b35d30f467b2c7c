// Package engine is the boundary between session negotiation and the media
// stack that owns the actual peer connection.
package engine

import (
	"context"

	"github.com/1ureka/sendrecv/internal/protocol"
)

// EventSink receives the engine's asynchronous notifications. Implementations
// must not block: they are called from the media stack's own goroutines.
type EventSink interface {
	// OnNegotiationNeeded fires when the engine wants a (re)negotiation.
	OnNegotiationNeeded()
	// OnIceCandidateDiscovered fires once per gathered local candidate, in
	// discovery order.
	OnIceCandidateDiscovered(c protocol.IceCandidate)
}

// Engine is the command surface of a media engine. Every call completes
// synchronously from the caller's point of view; callers serialize them.
type Engine interface {
	CreateOffer(ctx context.Context) (protocol.SessionDescription, error)
	SetLocalDescription(ctx context.Context, d protocol.SessionDescription) error
	SetRemoteDescription(ctx context.Context, d protocol.SessionDescription) error
	AddICECandidate(ctx context.Context, c protocol.IceCandidate) error

	// Start wires the sink and activates media. Negotiation-needed is
	// expected to follow.
	Start(sink EventSink) error
	Close() error
}
