// Package session runs one peer-to-peer call: it connects to the relay,
// binds to the remote peer and negotiates media until the session ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/sendrecv/internal/config"
	"github.com/1ureka/sendrecv/internal/engine"
	"github.com/1ureka/sendrecv/internal/negotiation"
	"github.com/1ureka/sendrecv/internal/protocol"
	"github.com/1ureka/sendrecv/internal/signaling"
	"github.com/1ureka/sendrecv/internal/util"
)

// ErrTooManyMalformed closes a session whose peer keeps sending frames that
// do not decode.
var ErrTooManyMalformed = errors.New("too many malformed signaling frames")

// EngineFactory builds the media engine for one session.
type EngineFactory func(cfg config.Config) (engine.Engine, error)

// Option configures a Controller.
type Option func(*Controller)

// WithEngineFactory replaces the pion-backed engine.
func WithEngineFactory(f EngineFactory) Option {
	return func(c *Controller) { c.newEngine = f }
}

// PeerSession is a snapshot of the session as seen by this peer.
type PeerSession struct {
	LocalID   string
	RemoteID  string
	State     negotiation.State
	LocalSet  bool
	RemoteSet bool
}

// Controller wires the signaling channel, the negotiation machine and the
// media engine together for a single session.
type Controller struct {
	cfg       config.Config
	newEngine EngineFactory

	mu      sync.RWMutex
	machine *negotiation.Machine
}

// New creates a Controller. Run starts the session.
func New(cfg config.Config, opts ...Option) *Controller {
	c := &Controller{cfg: cfg, newEngine: newPeerEngine}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newPeerEngine(cfg config.Config) (engine.Engine, error) {
	return engine.NewPeer(engine.PeerConfig{
		ICEServers:          cfg.ICEServers,
		VideoPayloadType:    cfg.VideoPayloadType,
		AudioPayloadType:    cfg.AudioPayloadType,
		NegotiationDebounce: cfg.NegotiationDebounce,
		VideoFile:           cfg.VideoFile,
	})
}

// Session returns the current session snapshot.
func (c *Controller) Session() PeerSession {
	s := PeerSession{LocalID: c.cfg.LocalID, RemoteID: c.cfg.RemoteID}

	c.mu.RLock()
	m := c.machine
	c.mu.RUnlock()
	if m != nil {
		s.State = m.State()
		s.LocalSet, s.RemoteSet = m.Flags()
	}
	return s
}

// Run executes the session until it fails or ctx is cancelled. It returns
// the fatal cause, or nil when ctx ended the session.
func (c *Controller) Run(ctx context.Context) error {
	ch, err := signaling.Dial(ctx, c.cfg.ServerURL, signaling.Options{
		Insecure:         c.cfg.Insecure,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer ch.Close()
	util.LogInfo("connected to signaling server %s", c.cfg.ServerURL)

	if err := ch.Handshake(ctx, c.cfg.LocalID, c.cfg.RemoteID); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	util.LogSuccess("registered as %q, bound to %q", c.cfg.LocalID, c.cfg.RemoteID)

	eng, err := c.newEngine(c.cfg)
	if err != nil {
		return fmt.Errorf("create media engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			util.LogWarning("media engine close: %v", err)
		}
	}()

	var m *negotiation.Machine
	malformed := 0
	m = negotiation.New(eng, ch,
		negotiation.WithOfferTimeout(c.cfg.OfferTimeout),
		negotiation.WithObserver(func(err error) {
			util.LogWarning("%v", err)
			if !errors.Is(err, protocol.ErrMalformedMessage) {
				return
			}
			malformed++
			if limit := c.cfg.MaxMalformedFrames; limit > 0 && malformed > limit {
				m.Close(fmt.Errorf("%w (%d received)", ErrTooManyMalformed, malformed))
			}
		}),
	)
	c.mu.Lock()
	c.machine = m
	c.mu.Unlock()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(sessCtx) }()

	if err := eng.Start(m); err != nil {
		m.Close(fmt.Errorf("start media engine: %w", err))
	}
	util.StartStatsReporter(sessCtx)

	c.pump(ch.Events(), m)

	err = <-runErr
	if err == nil {
		util.LogInfo("session with %q closed", c.cfg.RemoteID)
	}
	return err
}

// pump feeds channel events into m until m has stopped.
func (c *Controller) pump(events <-chan signaling.Event, m *negotiation.Machine) {
	for {
		select {
		case <-m.Done():
			return
		case ev, ok := <-events:
			if !ok {
				m.Close(signaling.ErrChannelClosed)
				events = nil
				continue
			}
			switch ev.Kind {
			case signaling.EventOpen:
				util.LogDebug("signaling channel open")
			case signaling.EventMessage:
				m.HandleMessage(ev.Text)
			case signaling.EventClose:
				util.LogWarning("signaling channel closed: %s", ev.Reason)
				m.Close(ev.Err)
			case signaling.EventError:
				m.Close(ev.Err)
			}
		}
	}
}
