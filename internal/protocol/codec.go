package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// ErrMalformedMessage is returned by Decode for frames that are neither a
// valid signaling object nor a control token.
var ErrMalformedMessage = errors.New("malformed signaling message")

type sdpPayload struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

type icePayload struct {
	Candidate     string `json:"candidate"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

type envelope struct {
	SDP *sdpPayload `json:"sdp,omitempty"`
	ICE *icePayload `json:"ice,omitempty"`
}

// Encode serializes a Message into the text sent over the signaling channel.
// Sdp and Ice become single JSON objects; Control tokens are returned as is.
func Encode(msg Message) (string, error) {
	var env envelope

	switch msg.Kind {
	case KindSdp:
		if msg.SDP.Type != SDPTypeOffer && msg.SDP.Type != SDPTypeAnswer {
			return "", fmt.Errorf("unknown sdp type %q", msg.SDP.Type)
		}
		if !utf8.ValidString(msg.SDP.SDP) {
			return "", errors.New("sdp text is not valid UTF-8")
		}
		env.SDP = &sdpPayload{Type: msg.SDP.Type, SDP: msg.SDP.SDP}
	case KindIce:
		if !utf8.ValidString(msg.ICE.Candidate) {
			return "", errors.New("candidate text is not valid UTF-8")
		}
		env.ICE = &icePayload{Candidate: msg.ICE.Candidate, SDPMLineIndex: msg.ICE.MLineIndex}
	case KindControl:
		return msg.Control, nil
	default:
		return "", fmt.Errorf("unknown message kind %d", msg.Kind)
	}

	// SDP and candidate text go on the wire unescaped.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return "", fmt.Errorf("failed to encode %s message: %w", msg.Kind, err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// Decode parses a text frame received from the signaling channel.
//
// Frames starting with '{' are JSON and must carry exactly one of the "sdp"
// or "ice" keys. Any other non-empty text is a Control token.
func Decode(text string) (Message, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Message{}, fmt.Errorf("%w: empty frame", ErrMalformedMessage)
	}
	if trimmed[0] != '{' {
		return ControlMessage(text), nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	rawSDP, hasSDP := fields["sdp"]
	rawICE, hasICE := fields["ice"]

	switch {
	case hasSDP && hasICE:
		return Message{}, fmt.Errorf("%w: both sdp and ice present", ErrMalformedMessage)
	case hasSDP:
		return decodeSDP(rawSDP)
	case hasICE:
		return decodeICE(rawICE)
	default:
		return Message{}, fmt.Errorf("%w: neither sdp nor ice present", ErrMalformedMessage)
	}
}

func decodeSDP(raw json.RawMessage) (Message, error) {
	var p struct {
		Type *string `json:"type"`
		SDP  *string `json:"sdp"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Message{}, fmt.Errorf("%w: sdp: %v", ErrMalformedMessage, err)
	}
	if p.Type == nil || p.SDP == nil {
		return Message{}, fmt.Errorf("%w: sdp requires type and sdp", ErrMalformedMessage)
	}

	t := SDPType(*p.Type)
	if t != SDPTypeOffer && t != SDPTypeAnswer {
		return Message{}, fmt.Errorf("%w: unknown sdp type %q", ErrMalformedMessage, *p.Type)
	}
	return SdpMessage(SessionDescription{Type: t, SDP: *p.SDP}), nil
}

func decodeICE(raw json.RawMessage) (Message, error) {
	var p struct {
		Candidate     *string `json:"candidate"`
		SDPMLineIndex *int64  `json:"sdpMLineIndex"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Message{}, fmt.Errorf("%w: ice: %v", ErrMalformedMessage, err)
	}
	if p.Candidate == nil || p.SDPMLineIndex == nil {
		return Message{}, fmt.Errorf("%w: ice requires candidate and sdpMLineIndex", ErrMalformedMessage)
	}
	if *p.SDPMLineIndex < 0 || *p.SDPMLineIndex > math.MaxUint16 {
		return Message{}, fmt.Errorf("%w: sdpMLineIndex %d out of range", ErrMalformedMessage, *p.SDPMLineIndex)
	}
	return IceMessage(IceCandidate{
		MLineIndex: uint16(*p.SDPMLineIndex),
		Candidate:  *p.Candidate,
	}), nil
}
