package protocol

import (
	"strings"
	"unicode"
)

// Relay control tokens. The relay speaks plain text until two peers are
// bound into a session, then forwards frames verbatim.
const (
	TokenHello     = "HELLO"
	TokenSession   = "SESSION"
	TokenSessionOK = "SESSION_OK"
	TokenError     = "ERROR"
)

// Hello returns the registration request for the given peer id.
func Hello(peerID string) string {
	return TokenHello + " " + peerID
}

// SessionRequest returns the request binding the sender to peerID.
func SessionRequest(peerID string) string {
	return TokenSession + " " + peerID
}

// ParseCommand splits a control token into its verb and argument.
// "SESSION bob" yields ("SESSION", "bob").
func ParseCommand(token string) (verb, arg string) {
	verb, arg, _ = strings.Cut(strings.TrimSpace(token), " ")
	return verb, strings.TrimSpace(arg)
}

// ErrorDetail reports the detail of an "ERROR ..." token.
func ErrorDetail(token string) (string, bool) {
	verb, arg := ParseCommand(token)
	if verb != TokenError {
		return "", false
	}
	return arg, true
}

// ValidPeerID reports whether id can be registered with the relay: it must
// be non-empty and contain no whitespace.
func ValidPeerID(id string) bool {
	if id == "" {
		return false
	}
	return strings.IndexFunc(id, unicode.IsSpace) < 0
}
