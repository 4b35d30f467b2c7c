package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/1ureka/sendrecv/internal/engine"
	"github.com/1ureka/sendrecv/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeEngine records every call in order and fails on demand.
type fakeEngine struct {
	mu        sync.Mutex
	calls     []string
	offerErr  error
	localErr  error
	remoteErr error
	candErr   error
	offerGate chan struct{} // when set, CreateOffer blocks until it is closed
}

var _ engine.Engine = (*fakeEngine)(nil)

func (e *fakeEngine) record(call string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call)
}

func (e *fakeEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *fakeEngine) setOfferErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offerErr = err
}

func (e *fakeEngine) CreateOffer(ctx context.Context) (protocol.SessionDescription, error) {
	e.record("create-offer")
	if e.offerGate != nil {
		select {
		case <-e.offerGate:
		case <-ctx.Done():
			return protocol.SessionDescription{}, ctx.Err()
		}
	}
	e.mu.Lock()
	err := e.offerErr
	e.mu.Unlock()
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	return protocol.SessionDescription{Type: protocol.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (e *fakeEngine) SetLocalDescription(_ context.Context, d protocol.SessionDescription) error {
	e.record("set-local:" + string(d.Type))
	return e.localErr
}

func (e *fakeEngine) SetRemoteDescription(_ context.Context, d protocol.SessionDescription) error {
	e.record("set-remote:" + string(d.Type))
	return e.remoteErr
}

func (e *fakeEngine) AddICECandidate(_ context.Context, c protocol.IceCandidate) error {
	e.record("add-candidate:" + c.Candidate)
	return e.candErr
}

func (e *fakeEngine) Start(engine.EventSink) error { return nil }
func (e *fakeEngine) Close() error { return nil }

// fakeSender collects every frame the machine sends.
type fakeSender struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (s *fakeSender) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.texts = append(s.texts, text)
	return nil
}

func (s *fakeSender) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// errorLog is an observer collecting reported errors.
type errorLog struct {
	mu   sync.Mutex
	errs []error
}

func (l *errorLog) observe(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *errorLog) count(target error) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, err := range l.errs {
		if errors.Is(err, target) {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type harness struct {
	m      *Machine
	engine *fakeEngine
	sender *fakeSender
	errs   *errorLog
	runErr chan error
}

func start(t *testing.T, e *fakeEngine, s *fakeSender, opts ...Option) *harness {
	t.Helper()
	h := &harness{engine: e, sender: s, errs: &errorLog{}, runErr: make(chan error, 1)}
	opts = append([]Option{WithObserver(h.errs.observe)}, opts...)
	h.m = New(e, s, opts...)

	go func() { h.runErr <- h.m.Run(context.Background()) }()

	t.Cleanup(func() {
		h.m.Close(nil)
		select {
		case <-h.m.Done():
		case <-time.After(2 * time.Second):
			t.Error("machine did not stop")
		}
	})
	return h
}

// wait returns Run's result, failing the test if the machine stays open.
func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.runErr:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("machine did not close")
		return nil
	}
}

// eventually polls cond until it holds or the deadline expires.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func encode(t *testing.T, msg protocol.Message) string {
	t.Helper()
	text, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return text
}

func answerFrame(t *testing.T) string {
	return encode(t, protocol.SdpMessage(protocol.SessionDescription{Type: protocol.SDPTypeAnswer, SDP: "v=0 answer"}))
}

func iceFrame(t *testing.T, cand string) string {
	return encode(t, protocol.IceMessage(protocol.IceCandidate{MLineIndex: 0, Candidate: cand}))
}

func equalCalls(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// toOfferSent drives a fresh machine through the offer.
func (h *harness) toOfferSent(t *testing.T) {
	t.Helper()
	h.m.OnNegotiationNeeded()
	eventually(t, "offer-sent", func() bool { return h.m.State() == OfferSent })
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestHappyPath drives offer, buffered candidates, answer and live candidates.
func TestHappyPath(t *testing.T) {
	h := start(t, &fakeEngine{}, &fakeSender{})

	h.toOfferSent(t)

	texts := h.sender.Texts()
	want := encode(t, protocol.SdpMessage(protocol.SessionDescription{Type: protocol.SDPTypeOffer, SDP: "v=0 offer"}))
	if len(texts) != 1 || texts[0] != want {
		t.Fatalf("sent = %q, want [%q]", texts, want)
	}
	if local, remote := h.m.Flags(); !local || remote {
		t.Fatalf("flags = (%v, %v), want (true, false)", local, remote)
	}

	h.m.HandleMessage(iceFrame(t, "c1"))
	h.m.HandleMessage(iceFrame(t, "c2"))
	h.m.HandleMessage(answerFrame(t))
	h.m.HandleMessage(iceFrame(t, "c3"))

	wantCalls := []string{
		"create-offer",
		"set-local:offer",
		"set-remote:answer",
		"add-candidate:c1",
		"add-candidate:c2",
		"add-candidate:c3",
	}
	eventually(t, "all candidates applied", func() bool { return len(h.engine.Calls()) == len(wantCalls) })
	if got := h.engine.Calls(); !equalCalls(got, wantCalls) {
		t.Fatalf("calls = %v, want %v", got, wantCalls)
	}
	if h.m.State() != Connected {
		t.Errorf("state = %s, want connected", h.m.State())
	}
	if _, remote := h.m.Flags(); !remote {
		t.Error("remote-set should be true once connected")
	}
}

// TestCandidatesBeforeAnswerAreBuffered checks no candidate reaches the engine
// before the remote description.
func TestCandidatesBeforeAnswerAreBuffered(t *testing.T) {
	h := start(t, &fakeEngine{}, &fakeSender{})
	h.toOfferSent(t)

	for i := 0; i < 5; i++ {
		h.m.HandleMessage(iceFrame(t, fmt.Sprintf("early-%d", i)))
	}
	h.m.HandleMessage("PING")
	time.Sleep(20 * time.Millisecond)

	for _, call := range h.engine.Calls() {
		if call != "create-offer" && call != "set-local:offer" {
			t.Fatalf("unexpected engine call before answer: %s", call)
		}
	}

	h.m.HandleMessage(answerFrame(t))
	eventually(t, "buffer drained", func() bool { return len(h.engine.Calls()) == 8 })

	calls := h.engine.Calls()
	if calls[2] != "set-remote:answer" {
		t.Fatalf("calls[2] = %s, want set-remote:answer", calls[2])
	}
	for i := 0; i < 5; i++ {
		if want := fmt.Sprintf("add-candidate:early-%d", i); calls[3+i] != want {
			t.Errorf("calls[%d] = %s, want %s", 3+i, calls[3+i], want)
		}
	}
}

// TestNegotiationNeededCoalesced fires the trigger repeatedly while an offer
// is pending; only one offer may be created.
func TestNegotiationNeededCoalesced(t *testing.T) {
	gate := make(chan struct{})
	h := start(t, &fakeEngine{offerGate: gate}, &fakeSender{})

	for i := 0; i < 3; i++ {
		h.m.OnNegotiationNeeded()
	}
	eventually(t, "awaiting-offer", func() bool { return h.m.State() == AwaitingOffer })
	close(gate)
	eventually(t, "offer-sent", func() bool { return h.m.State() == OfferSent })

	h.m.OnNegotiationNeeded()
	h.m.HandleMessage(answerFrame(t))
	eventually(t, "connected", func() bool { return h.m.State() == Connected })
	h.m.OnNegotiationNeeded()
	time.Sleep(20 * time.Millisecond)

	n := 0
	for _, call := range h.engine.Calls() {
		if call == "create-offer" {
			n++
		}
	}
	if n != 1 {
		t.Errorf("create-offer called %d times, want 1", n)
	}
	if len(h.sender.Texts()) != 1 {
		t.Errorf("sent %d frames, want 1", len(h.sender.Texts()))
	}
}

// TestAnswerBeforeOffer covers answers arriving in Idle and AwaitingOffer.
func TestAnswerBeforeOffer(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		h := start(t, &fakeEngine{}, &fakeSender{})
		h.m.HandleMessage(answerFrame(t))

		eventually(t, "unexpected answer reported", func() bool { return h.errs.count(ErrUnexpectedAnswer) == 1 })
		if h.m.State() != Idle {
			t.Errorf("state = %s, want idle", h.m.State())
		}
		if calls := h.engine.Calls(); len(calls) != 0 {
			t.Errorf("engine calls = %v, want none", calls)
		}
	})

	t.Run("awaiting offer", func(t *testing.T) {
		gate := make(chan struct{})
		h := start(t, &fakeEngine{offerGate: gate}, &fakeSender{})
		h.m.OnNegotiationNeeded()
		h.m.HandleMessage(answerFrame(t))

		eventually(t, "unexpected answer reported", func() bool { return h.errs.count(ErrUnexpectedAnswer) == 1 })
		if h.m.State() != AwaitingOffer {
			t.Errorf("state = %s, want awaiting-offer", h.m.State())
		}
		close(gate)
		eventually(t, "offer-sent", func() bool { return h.m.State() == OfferSent })
		for _, call := range h.engine.Calls() {
			if call == "set-remote:answer" {
				t.Fatal("early answer must not be applied")
			}
		}
	})
}

func TestDuplicateAnswerRejected(t *testing.T) {
	h := start(t, &fakeEngine{}, &fakeSender{})
	h.toOfferSent(t)

	h.m.HandleMessage(answerFrame(t))
	h.m.HandleMessage(answerFrame(t))
	eventually(t, "connected", func() bool { return h.m.State() == Connected })
	h.m.HandleMessage(answerFrame(t))

	eventually(t, "duplicates reported", func() bool { return h.errs.count(ErrUnexpectedAnswer) == 2 })
	n := 0
	for _, call := range h.engine.Calls() {
		if call == "set-remote:answer" {
			n++
		}
	}
	if n != 1 {
		t.Errorf("set-remote called %d times, want 1", n)
	}
}

func TestRemoteOfferIsRoleViolation(t *testing.T) {
	h := start(t, &fakeEngine{}, &fakeSender{})
	h.toOfferSent(t)

	h.m.HandleMessage(encode(t, protocol.SdpMessage(protocol.SessionDescription{Type: protocol.SDPTypeOffer, SDP: "v=0"})))

	eventually(t, "role violation reported", func() bool { return h.errs.count(ErrRoleViolation) == 1 })
	if h.m.State() != OfferSent {
		t.Errorf("state = %s, want offer-sent", h.m.State())
	}
}

// TestOfferFailureReturnsToIdle checks a later trigger retries the offer.
func TestOfferFailureReturnsToIdle(t *testing.T) {
	e := &fakeEngine{offerErr: errors.New("no codecs")}
	h := start(t, e, &fakeSender{})

	h.m.OnNegotiationNeeded()
	eventually(t, "offer failure reported", func() bool { return h.errs.count(ErrOfferCreationFailed) == 1 })
	eventually(t, "idle", func() bool { return h.m.State() == Idle })
	if len(h.sender.Texts()) != 0 {
		t.Fatal("nothing should be sent after a failed offer")
	}

	e.setOfferErr(nil)
	h.toOfferSent(t)
}

func TestApplyFailuresAreFatal(t *testing.T) {
	testCases := []struct {
		name     string
		engine   *fakeEngine
		drive    func(t *testing.T, h *harness)
		wantKind ApplyKind
	}{
		{
			name:   "local description",
			engine: &fakeEngine{localErr: errors.New("bad offer")},
			drive: func(t *testing.T, h *harness) {
				h.m.OnNegotiationNeeded()
			},
			wantKind: ApplyLocalDescription,
		},
		{
			name:   "remote description",
			engine: &fakeEngine{remoteErr: errors.New("bad answer")},
			drive: func(t *testing.T, h *harness) {
				h.toOfferSent(t)
				h.m.HandleMessage(answerFrame(t))
			},
			wantKind: ApplyRemoteDescription,
		},
		{
			name:   "ice candidate",
			engine: &fakeEngine{candErr: errors.New("bad candidate")},
			drive: func(t *testing.T, h *harness) {
				h.toOfferSent(t)
				h.m.HandleMessage(answerFrame(t))
				h.m.HandleMessage(iceFrame(t, "c1"))
			},
			wantKind: ApplyIceCandidate,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := start(t, tc.engine, &fakeSender{})
			tc.drive(t, h)

			err := h.wait(t)
			if !errors.Is(err, ErrApplyFailed) {
				t.Fatalf("Run error = %v, want ErrApplyFailed", err)
			}
			var applyErr *ApplyError
			if !errors.As(err, &applyErr) || applyErr.Kind != tc.wantKind {
				t.Fatalf("Run error = %v, want ApplyError kind %s", err, tc.wantKind)
			}
			if h.m.State() != Closed {
				t.Errorf("state = %s, want closed", h.m.State())
			}
			if !errors.Is(h.m.Err(), ErrApplyFailed) {
				t.Errorf("Err() = %v", h.m.Err())
			}
		})
	}
}

// TestLocalCandidatesSentInOrder checks local candidates are forwarded
// immediately, whatever the state.
func TestLocalCandidatesSentInOrder(t *testing.T) {
	h := start(t, &fakeEngine{}, &fakeSender{})

	for i := 0; i < 4; i++ {
		h.m.OnIceCandidateDiscovered(protocol.IceCandidate{MLineIndex: uint16(i % 2), Candidate: fmt.Sprintf("local-%d", i)})
	}
	eventually(t, "candidates sent", func() bool { return len(h.sender.Texts()) == 4 })

	for i, text := range h.sender.Texts() {
		msg, err := protocol.Decode(text)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if want := fmt.Sprintf("local-%d", i); msg.Kind != protocol.KindIce || msg.ICE.Candidate != want {
			t.Errorf("frame %d = %+v, want candidate %s", i, msg, want)
		}
	}
	if h.m.State() != Idle {
		t.Errorf("state = %s, want idle", h.m.State())
	}
}

func TestSendFailureCloses(t *testing.T) {
	h := start(t, &fakeEngine{}, &fakeSender{err: errors.New("broken pipe")})

	h.m.OnNegotiationNeeded()

	err := h.wait(t)
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("Run error = %v, want ErrSendFailed", err)
	}
}

// TestMalformedFrameIsDropped checks decode errors are reported and the
// session continues.
func TestMalformedFrameIsDropped(t *testing.T) {
	h := start(t, &fakeEngine{}, &fakeSender{})
	h.toOfferSent(t)

	h.m.HandleMessage(`{"ice":{"candidate":"x"}}`)
	h.m.HandleMessage(`{"bogus":1}`)
	h.m.HandleMessage("SESSION_OK")
	h.m.HandleMessage("ERROR peer 'bob' busy")

	eventually(t, "malformed frames reported", func() bool { return h.errs.count(protocol.ErrMalformedMessage) == 2 })
	if h.m.State() != OfferSent {
		t.Fatalf("state = %s, want offer-sent", h.m.State())
	}

	h.m.HandleMessage(answerFrame(t))
	eventually(t, "connected", func() bool { return h.m.State() == Connected })
}

// TestNoEngineCallsAfterClose checks inputs after Close are ignored.
func TestNoEngineCallsAfterClose(t *testing.T) {
	h := start(t, &fakeEngine{}, &fakeSender{})
	h.toOfferSent(t)

	h.m.Close(nil)
	if err := h.wait(t); err != nil {
		t.Fatalf("Run error = %v, want nil", err)
	}
	<-h.m.Done()
	before := h.engine.Calls()

	h.m.OnNegotiationNeeded()
	h.m.HandleMessage(answerFrame(t))
	h.m.HandleMessage(iceFrame(t, "late"))
	h.m.OnIceCandidateDiscovered(protocol.IceCandidate{Candidate: "late-local"})
	h.m.Close(errors.New("second close"))
	time.Sleep(20 * time.Millisecond)

	if after := h.engine.Calls(); !equalCalls(after, before) {
		t.Errorf("engine calls after close: %v, before %v", after, before)
	}
	if len(h.sender.Texts()) != 1 {
		t.Errorf("frames sent after close: %v", h.sender.Texts())
	}
	if h.m.State() != Closed || h.m.Err() != nil {
		t.Errorf("state = %s err = %v, want closed with nil error", h.m.State(), h.m.Err())
	}
}

// TestCloseCancelsInflightOffer checks shutdown waits for and cancels the
// pending engine call.
func TestCloseCancelsInflightOffer(t *testing.T) {
	h := start(t, &fakeEngine{offerGate: make(chan struct{})}, &fakeSender{})
	h.m.OnNegotiationNeeded()
	eventually(t, "offer requested", func() bool { return len(h.engine.Calls()) == 1 })

	cause := errors.New("channel closed")
	h.m.Close(cause)
	if err := h.wait(t); !errors.Is(err, cause) {
		t.Fatalf("Run error = %v, want %v", err, cause)
	}
	<-h.m.Done()
	if got := h.engine.Calls(); len(got) != 1 {
		t.Errorf("calls = %v, want only create-offer", got)
	}
}

func TestOfferTimeout(t *testing.T) {
	h := start(t, &fakeEngine{}, &fakeSender{}, WithOfferTimeout(30*time.Millisecond))
	h.m.OnNegotiationNeeded()

	err := h.wait(t)
	if !errors.Is(err, ErrNegotiationTimeout) {
		t.Fatalf("Run error = %v, want ErrNegotiationTimeout", err)
	}
}

func TestOfferTimeoutDisarmedByAnswer(t *testing.T) {
	h := start(t, &fakeEngine{}, &fakeSender{}, WithOfferTimeout(50*time.Millisecond))
	h.toOfferSent(t)
	h.m.HandleMessage(answerFrame(t))
	eventually(t, "connected", func() bool { return h.m.State() == Connected })

	time.Sleep(100 * time.Millisecond)
	if h.m.State() != Connected {
		t.Errorf("state = %s, want connected", h.m.State())
	}
}

func TestContextCancelStopsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := New(&fakeEngine{}, &fakeSender{})

	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if m.State() != Closed {
		t.Errorf("state = %s, want closed", m.State())
	}
}
