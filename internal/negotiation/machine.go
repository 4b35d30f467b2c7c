// Package negotiation drives the offer/answer exchange for one session.
//
// A Machine is the offering side. It owns the session state, serializes every
// input (engine callbacks, signaling frames, close requests, engine results)
// onto a single goroutine and runs engine operations one at a time, in order.
package negotiation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/sendrecv/internal/engine"
	"github.com/1ureka/sendrecv/internal/protocol"
	"github.com/1ureka/sendrecv/internal/util"
)

const eventBufferSize = 64

// Sender writes encoded signaling frames to the remote peer.
type Sender interface {
	SendText(text string) error
}

// Option configures a Machine.
type Option func(*Machine)

// WithObserver registers a callback for non-fatal errors: malformed frames,
// unexpected answers, role violations and failed offer attempts. It runs on
// the machine goroutine and must not block.
func WithObserver(fn func(error)) Option {
	return func(m *Machine) { m.observer = fn }
}

// WithOfferTimeout closes the session with ErrNegotiationTimeout when no
// answer is applied within d of sending the offer. Zero disables it.
func WithOfferTimeout(d time.Duration) Option {
	return func(m *Machine) { m.offerTimeout = d }
}

// Machine is the negotiation state machine. It implements engine.EventSink.
type Machine struct {
	engine       engine.Engine
	sender       Sender
	observer     func(error)
	offerTimeout time.Duration

	events    chan event
	closeReq  chan error
	closeOnce sync.Once
	stopping  chan struct{} // closed on entering Closed
	done      chan struct{} // closed once Run has returned

	// Loop-owned.
	queue        []op
	inflight     bool
	answering    bool
	pending      []protocol.IceCandidate
	offerExpired <-chan time.Time
	offerTimer   *time.Timer
	ops          sync.WaitGroup

	mu        sync.RWMutex
	state     State
	localSet  bool
	remoteSet bool
	err       error
}

var _ engine.EventSink = (*Machine)(nil)

// New creates a Machine in Idle. Call Run to start processing.
func New(e engine.Engine, s Sender, opts ...Option) *Machine {
	m := &Machine{
		engine:   e,
		sender:   s,
		events:   make(chan event, eventBufferSize),
		closeReq: make(chan error, 1),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ---------------------------------------------------------------------------
// Inputs
// ---------------------------------------------------------------------------

// OnNegotiationNeeded requests an offer. Ignored unless the machine is Idle.
func (m *Machine) OnNegotiationNeeded() {
	m.post(event{kind: evNegotiationNeeded})
}

// OnIceCandidateDiscovered forwards a local candidate to the remote peer.
func (m *Machine) OnIceCandidateDiscovered(c protocol.IceCandidate) {
	m.post(event{kind: evLocalCandidate, cand: c})
}

// HandleMessage feeds one raw text frame received from the signaling channel.
func (m *Machine) HandleMessage(text string) {
	m.post(event{kind: evRemoteFrame, text: text})
}

// Close moves the machine to Closed. A nil cause is a clean shutdown. Only
// the first call has an effect; it never blocks.
func (m *Machine) Close(cause error) {
	m.closeOnce.Do(func() { m.closeReq <- cause })
}

func (m *Machine) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.stopping:
	}
}

// ---------------------------------------------------------------------------
// Observation
// ---------------------------------------------------------------------------

// State returns the current negotiation state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Flags reports whether the local and remote descriptions have been applied.
func (m *Machine) Flags() (localSet, remoteSet bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.localSet, m.remoteSet
}

// Done is closed once Run has returned and no engine call is outstanding.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Err returns the cause the machine closed with, nil for a clean close.
func (m *Machine) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// ---------------------------------------------------------------------------
// Loop
// ---------------------------------------------------------------------------

// Run processes events until the machine is Closed or ctx is cancelled, then
// waits for the in-flight engine call. It returns the fatal cause, or nil
// when the session ended cleanly.
func (m *Machine) Run(ctx context.Context) error {
	opCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		m.ops.Wait()
		close(m.done)
	}()

	for m.State() != Closed {
		select {
		case ev := <-m.events:
			m.handle(ev)
		case cause := <-m.closeReq:
			m.close(cause)
		case <-m.offerExpired:
			m.offerExpired = nil
			m.close(fmt.Errorf("%w (%s)", ErrNegotiationTimeout, m.offerTimeout))
		case <-ctx.Done():
			m.close(nil)
		}
		m.pump(opCtx)
	}
	return m.Err()
}

func (m *Machine) handle(ev event) {
	switch ev.kind {
	case evNegotiationNeeded:
		m.onNegotiationNeeded()
	case evLocalCandidate:
		m.onLocalCandidate(ev.cand)
	case evRemoteFrame:
		m.onRemoteFrame(ev.text)
	case evOpDone:
		m.inflight = false
		m.onOpDone(ev.op, ev.desc, ev.err)
	}
}

func (m *Machine) onNegotiationNeeded() {
	if s := m.State(); s != Idle {
		util.LogDebug("negotiation needed while %s, coalesced", s)
		return
	}
	m.setState(AwaitingOffer)
	m.enqueue(op{kind: opCreateOffer})
}

func (m *Machine) onLocalCandidate(c protocol.IceCandidate) {
	if err := m.send(protocol.IceMessage(c)); err != nil {
		m.close(err)
		return
	}
	util.Stats.AddLocalCandidate()
}

func (m *Machine) onRemoteFrame(text string) {
	msg, err := protocol.Decode(text)
	if err != nil {
		m.report(err)
		return
	}

	switch msg.Kind {
	case protocol.KindSdp:
		m.onRemoteDescription(msg.SDP)
	case protocol.KindIce:
		util.Stats.AddRemoteCandidate()
		if m.isRemoteSet() {
			m.enqueue(op{kind: opAddCandidate, cand: msg.ICE})
			return
		}
		m.pending = append(m.pending, msg.ICE)
	case protocol.KindControl:
		if detail, ok := protocol.ErrorDetail(msg.Control); ok {
			util.LogWarning("relay reported an error: %s", detail)
			return
		}
		util.LogDebug("ignoring control token %q", msg.Control)
	}
}

func (m *Machine) onRemoteDescription(d protocol.SessionDescription) {
	if d.Type == protocol.SDPTypeOffer {
		m.report(fmt.Errorf("%w: this peer always offers", ErrRoleViolation))
		return
	}

	s := m.State()
	if s != OfferSent || m.answering {
		m.report(fmt.Errorf("%w: received while %s", ErrUnexpectedAnswer, s))
		return
	}
	m.answering = true
	m.enqueue(op{kind: opSetRemote, desc: d})
}

func (m *Machine) onOpDone(o op, desc protocol.SessionDescription, err error) {
	switch o.kind {
	case opCreateOffer:
		if err != nil {
			m.report(fmt.Errorf("%w: %w", ErrOfferCreationFailed, err))
			m.setState(Idle)
			return
		}
		m.enqueue(op{kind: opSetLocal, desc: desc})

	case opSetLocal:
		if err != nil {
			m.close(&ApplyError{Kind: ApplyLocalDescription, Err: err})
			return
		}
		m.mu.Lock()
		m.localSet = true
		m.mu.Unlock()

		if err := m.send(protocol.SdpMessage(o.desc)); err != nil {
			m.close(err)
			return
		}
		m.setState(OfferSent)
		m.armOfferTimer()

	case opSetRemote:
		if err != nil {
			m.close(&ApplyError{Kind: ApplyRemoteDescription, Err: err})
			return
		}
		m.disarmOfferTimer()
		m.mu.Lock()
		m.remoteSet = true
		m.mu.Unlock()
		m.setState(Connected)

		for _, c := range m.pending {
			m.enqueue(op{kind: opAddCandidate, cand: c})
		}
		m.pending = nil

	case opAddCandidate:
		if err != nil {
			m.close(&ApplyError{Kind: ApplyIceCandidate, Err: err})
		}
	}
}

// ---------------------------------------------------------------------------
// Engine operations
// ---------------------------------------------------------------------------

func (m *Machine) enqueue(o op) {
	m.queue = append(m.queue, o)
}

// pump starts the next queued operation unless one is already running.
func (m *Machine) pump(ctx context.Context) {
	if m.inflight || len(m.queue) == 0 || m.State() == Closed {
		return
	}
	next := m.queue[0]
	m.queue = m.queue[1:]
	m.inflight = true

	m.ops.Add(1)
	go func() {
		defer m.ops.Done()
		desc, err := next.run(ctx, m.engine)
		m.post(event{kind: evOpDone, op: next, desc: desc, err: err})
	}()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (m *Machine) send(msg protocol.Message) error {
	text, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if err := m.sender.SendText(text); err != nil {
		return fmt.Errorf("%w (%s): %w", ErrSendFailed, msg.Kind, err)
	}
	return nil
}

func (m *Machine) close(cause error) {
	if m.State() == Closed {
		return
	}
	m.mu.Lock()
	m.err = cause
	m.mu.Unlock()
	m.setState(Closed)

	close(m.stopping)
	m.disarmOfferTimer()
	m.queue = nil
	m.pending = nil

	if cause != nil {
		util.LogError("negotiation closed: %v", cause)
	}
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		util.LogDebug("negotiation: %s → %s", prev, s)
	}
}

func (m *Machine) isRemoteSet() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.remoteSet
}

func (m *Machine) report(err error) {
	if m.observer != nil {
		m.observer(err)
		return
	}
	util.LogWarning("%v", err)
}

func (m *Machine) armOfferTimer() {
	if m.offerTimeout <= 0 {
		return
	}
	m.offerTimer = time.NewTimer(m.offerTimeout)
	m.offerExpired = m.offerTimer.C
}

func (m *Machine) disarmOfferTimer() {
	if m.offerTimer != nil {
		m.offerTimer.Stop()
		m.offerTimer = nil
	}
	m.offerExpired = nil
}
