package negotiation

import (
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedAnswer is reported for an answer that does not follow an
	// outstanding offer. The answer is dropped.
	ErrUnexpectedAnswer = errors.New("unexpected answer")
	// ErrRoleViolation is reported when the remote peer sends an offer to
	// the offering side. The offer is dropped.
	ErrRoleViolation = errors.New("remote peer sent an offer")
	// ErrOfferCreationFailed is reported when the engine cannot produce an
	// offer. The machine returns to Idle.
	ErrOfferCreationFailed = errors.New("offer creation failed")
	// ErrApplyFailed matches every *ApplyError.
	ErrApplyFailed = errors.New("failed to apply negotiation step")
	// ErrNegotiationTimeout closes the session when no answer arrives in time.
	ErrNegotiationTimeout = errors.New("no answer before the offer timeout")
	// ErrSendFailed wraps a signaling channel write failure.
	ErrSendFailed = errors.New("failed to send signaling message")
)

// ApplyKind names the engine step that failed.
type ApplyKind string

const (
	ApplyLocalDescription  ApplyKind = "local-description"
	ApplyRemoteDescription ApplyKind = "remote-description"
	ApplyIceCandidate      ApplyKind = "ice-candidate"
)

// ApplyError is the fatal error raised when the engine rejects a
// description or candidate.
type ApplyError struct {
	Kind ApplyKind
	Err  error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("failed to apply %s: %v", e.Kind, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrApplyFailed) hold for every ApplyError.
func (e *ApplyError) Is(target error) bool { return target == ErrApplyFailed }
