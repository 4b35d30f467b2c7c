package protocol_test

import (
	"testing"

	"github.com/1ureka/sendrecv/internal/protocol"
)

func TestParseCommand(t *testing.T) {
	testCases := []struct {
		token    string
		wantVerb string
		wantArg  string
	}{
		{"HELLO", "HELLO", ""},
		{"HELLO alice", "HELLO", "alice"},
		{"SESSION bob", "SESSION", "bob"},
		{"ERROR peer 'bob' busy", "ERROR", "peer 'bob' busy"},
		{"  SESSION_OK \n", "SESSION_OK", ""},
	}

	for _, tc := range testCases {
		verb, arg := protocol.ParseCommand(tc.token)
		if verb != tc.wantVerb || arg != tc.wantArg {
			t.Errorf("ParseCommand(%q) = (%q, %q), want (%q, %q)", tc.token, verb, arg, tc.wantVerb, tc.wantArg)
		}
	}
}

func TestErrorDetail(t *testing.T) {
	detail, ok := protocol.ErrorDetail("ERROR peer 'bob' not found")
	if !ok || detail != "peer 'bob' not found" {
		t.Errorf("ErrorDetail = (%q, %v)", detail, ok)
	}
	if _, ok := protocol.ErrorDetail("SESSION_OK"); ok {
		t.Error("SESSION_OK is not an error token")
	}
}

func TestValidPeerID(t *testing.T) {
	for id, want := range map[string]bool{
		"alice":   true,
		"1234":    true,
		"":        false,
		"a b":     false,
		"tab\tid": false,
	} {
		if got := protocol.ValidPeerID(id); got != want {
			t.Errorf("ValidPeerID(%q) = %v, want %v", id, got, want)
		}
	}
	if protocol.Hello("alice") != "HELLO alice" {
		t.Errorf("Hello = %q", protocol.Hello("alice"))
	}
	if protocol.SessionRequest("bob") != "SESSION bob" {
		t.Errorf("SessionRequest = %q", protocol.SessionRequest("bob"))
	}
}
