package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"

	"github.com/1ureka/sendrecv/internal/protocol"
	"github.com/1ureka/sendrecv/internal/util"
)

// ErrEngineClosed is returned by calls made after Close.
var ErrEngineClosed = errors.New("media engine closed")

// PeerConfig configures a pion-backed Peer.
type PeerConfig struct {
	ICEServers          []string
	VideoPayloadType    uint8
	AudioPayloadType    uint8
	NegotiationDebounce time.Duration

	// VideoFile is a VP8 IVF file streamed in a loop on the video track.
	// When empty the video section is negotiated but carries no frames.
	VideoFile string

	// ConfigureSettings, when set, adjusts the setting engine before the
	// API is built. Tests use it to attach a virtual network.
	ConfigureSettings func(*webrtc.SettingEngine)
}

// Peer is an Engine backed by a pion PeerConnection carrying one send/recv
// video section (VP8) and one send/recv audio section (Opus).
//
// Its lifecycle is the session's: Start activates media, Close tears down
// everything. The PeerConnection state is recorded for observation only.
type Peer struct {
	pc     *webrtc.PeerConnection
	cfg    PeerConfig
	source *testSource
	clip   *videoClip

	ctx    context.Context
	cancel context.CancelFunc

	connected     chan struct{}
	connectedOnce sync.Once

	mu           sync.RWMutex
	sink         EventSink
	started      bool
	pcState      webrtc.PeerConnectionState
	remoteMLines int
}

var _ Engine = (*Peer)(nil)

// NewPeer builds the media engine, interceptors and PeerConnection.
func NewPeer(cfg PeerConfig) (*Peer, error) {
	var clip *videoClip
	if cfg.VideoFile != "" {
		var err error
		if clip, err = loadVideoClip(cfg.VideoFile); err != nil {
			return nil, err
		}
	}

	pc, err := newPeerConnection(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		pc:        pc,
		cfg:       cfg,
		clip:      clip,
		ctx:       ctx,
		cancel:    cancel,
		connected: make(chan struct{}),
		pcState:   webrtc.PeerConnectionStateNew,
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogInfo("PeerConnection state: %s", state.String())
		p.mu.Lock()
		p.pcState = state
		p.mu.Unlock()
		if state == webrtc.PeerConnectionStateConnected {
			p.connectedOnce.Do(func() { close(p.connected) })
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		util.LogSuccess("receiving %s track (%s, pt=%d)", track.Kind(), track.Codec().MimeType, track.PayloadType())
		go consumeTrack(p.ctx, track)
	})

	return p, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start wires sink and adds the local tracks. Adding the tracks makes the
// PeerConnection request negotiation.
func (p *Peer) Start(sink EventSink) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("media engine already started")
	}
	p.started = true
	p.sink = sink
	p.mu.Unlock()

	notify := func() {
		if s := p.currentSink(); s != nil {
			s.OnNegotiationNeeded()
		}
	}
	if p.cfg.NegotiationDebounce > 0 {
		debounced := debounce.New(p.cfg.NegotiationDebounce)
		p.pc.OnNegotiationNeeded(func() { debounced(notify) })
	} else {
		p.pc.OnNegotiationNeeded(notify)
	}

	// A nil candidate marks the end of gathering and is not signaled.
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			util.LogDebug("ICE gathering complete")
			return
		}
		cand, ok := toProtocolCandidate(c.ToJSON())
		if !ok {
			util.LogWarning("dropping local candidate without m-line index: %s", c.String())
			return
		}
		if s := p.currentSink(); s != nil {
			s.OnIceCandidateDiscovered(cand)
		}
	})

	source, err := newTestSource(p.pc, p.clip)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.source = source
	p.mu.Unlock()
	go source.run(p.ctx, p.connected)

	return nil
}

// Connected is closed once the PeerConnection first reaches connected.
func (p *Peer) Connected() <-chan struct{} {
	return p.connected
}

// ConnectionState returns the last observed PeerConnection state.
func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pcState
}

// Close stops media and closes the PeerConnection. Callbacks fired during
// teardown are not forwarded.
func (p *Peer) Close() error {
	p.mu.Lock()
	p.sink = nil
	source := p.source
	p.mu.Unlock()

	p.cancel()
	return multierr.Combine(source.close(), p.pc.Close())
}

func (p *Peer) currentSink() EventSink {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sink
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (p *Peer) CreateOffer(ctx context.Context) (protocol.SessionDescription, error) {
	if err := p.check(ctx); err != nil {
		return protocol.SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	return protocol.SessionDescription{Type: protocol.SDPTypeOffer, SDP: offer.SDP}, nil
}

// SetLocalDescription applies the local SDP.
func (p *Peer) SetLocalDescription(ctx context.Context, d protocol.SessionDescription) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	return p.pc.SetLocalDescription(toWebRTCDescription(d))
}

// SetRemoteDescription parses and applies the remote SDP.
func (p *Peer) SetRemoteDescription(ctx context.Context, d protocol.SessionDescription) error {
	if err := p.check(ctx); err != nil {
		return err
	}

	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(d.SDP)); err != nil {
		return fmt.Errorf("invalid remote %s: %w", d.Type, err)
	}
	util.LogDebug("remote %s: %s", d.Type, summarize(&parsed))

	if err := p.pc.SetRemoteDescription(toWebRTCDescription(d)); err != nil {
		return err
	}

	p.mu.Lock()
	p.remoteMLines = len(parsed.MediaDescriptions)
	p.mu.Unlock()
	return nil
}

// AddICECandidate adds a remote candidate received through signaling.
func (p *Peer) AddICECandidate(ctx context.Context, c protocol.IceCandidate) error {
	if err := p.check(ctx); err != nil {
		return err
	}

	p.mu.RLock()
	mlines := p.remoteMLines
	p.mu.RUnlock()
	if int(c.MLineIndex) >= mlines {
		return fmt.Errorf("candidate m-line index %d out of range (%d sections)", c.MLineIndex, mlines)
	}

	idx := c.MLineIndex
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMLineIndex: &idx,
	})
}

func (p *Peer) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.ctx.Err() != nil {
		return ErrEngineClosed
	}
	return nil
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

func toWebRTCDescription(d protocol.SessionDescription) webrtc.SessionDescription {
	t := webrtc.SDPTypeOffer
	if d.Type == protocol.SDPTypeAnswer {
		t = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}
}

func toProtocolCandidate(init webrtc.ICECandidateInit) (protocol.IceCandidate, bool) {
	if init.SDPMLineIndex == nil {
		return protocol.IceCandidate{}, false
	}
	return protocol.IceCandidate{MLineIndex: *init.SDPMLineIndex, Candidate: init.Candidate}, true
}

// summarize renders "video:96 audio:97" style media lines for logging.
func summarize(s *sdp.SessionDescription) string {
	var out string
	for i, md := range s.MediaDescriptions {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s:%v", md.MediaName.Media, md.MediaName.Formats)
	}
	return out
}
