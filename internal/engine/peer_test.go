package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/sendrecv/internal/protocol"
)

// chanSink forwards engine callbacks onto channels.
type chanSink struct {
	needed chan struct{}
	cands  chan protocol.IceCandidate
}

var _ EventSink = (*chanSink)(nil)

func newChanSink() *chanSink {
	return &chanSink{
		needed: make(chan struct{}, 8),
		cands:  make(chan protocol.IceCandidate, 64),
	}
}

func (s *chanSink) OnNegotiationNeeded() {
	select {
	case s.needed <- struct{}{}:
	default:
	}
}

func (s *chanSink) OnIceCandidateDiscovered(c protocol.IceCandidate) {
	s.cands <- c
}

func newTestPeer(t *testing.T, cfg PeerConfig) *Peer {
	t.Helper()
	p, err := NewPeer(cfg)
	if err != nil {
		t.Fatalf("NewPeer failed: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func waitNegotiationNeeded(t *testing.T, s *chanSink) {
	t.Helper()
	select {
	case <-s.needed:
	case <-time.After(5 * time.Second):
		t.Fatal("negotiation-needed never fired")
	}
}

func TestOfferCarriesConfiguredCodecs(t *testing.T) {
	p := newTestPeer(t, PeerConfig{NegotiationDebounce: 10 * time.Millisecond})
	sink := newChanSink()
	if err := p.Start(sink); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitNegotiationNeeded(t, sink)

	offer, err := p.CreateOffer(context.Background())
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	if offer.Type != protocol.SDPTypeOffer {
		t.Fatalf("type = %s, want offer", offer.Type)
	}
	for _, want := range []string{"a=rtpmap:96 VP8/90000", "a=rtpmap:97 opus/48000/2", "m=video", "m=audio"} {
		if !strings.Contains(offer.SDP, want) {
			t.Errorf("offer SDP missing %q", want)
		}
	}

	if err := p.Start(sink); err == nil {
		t.Error("second Start should fail")
	}
}

func TestPayloadTypesMustDiffer(t *testing.T) {
	if _, err := NewPeer(PeerConfig{VideoPayloadType: 100, AudioPayloadType: 100}); err == nil {
		t.Fatal("expected error for identical payload types")
	}
}

func TestCandidateBeforeRemoteDescriptionRejected(t *testing.T) {
	p := newTestPeer(t, PeerConfig{})
	err := p.AddICECandidate(context.Background(), protocol.IceCandidate{MLineIndex: 0, Candidate: "candidate:1 1 udp 1 10.0.0.1 9 typ host"})
	if err == nil {
		t.Fatal("expected out-of-range error without a remote description")
	}
}

func TestInvalidRemoteDescription(t *testing.T) {
	p := newTestPeer(t, PeerConfig{})
	err := p.SetRemoteDescription(context.Background(), protocol.SessionDescription{Type: protocol.SDPTypeAnswer, SDP: "not sdp"})
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestCallsAfterClose(t *testing.T) {
	p, err := NewPeer(PeerConfig{})
	if err != nil {
		t.Fatalf("NewPeer failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := p.CreateOffer(context.Background()); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("CreateOffer after Close = %v, want ErrEngineClosed", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p2 := newTestPeer(t, PeerConfig{})
	if _, err := p2.CreateOffer(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("CreateOffer with cancelled ctx = %v, want context.Canceled", err)
	}
}

// TestMediaFlowsOverVirtualNetwork negotiates against a plain pion answerer
// on a virtual network and waits for audio and the looped video clip to
// arrive.
func TestMediaFlowsOverVirtualNetwork(t *testing.T) {
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	clip := writeIVF(t, buildIVF("VP80", 30, 1, []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}, []byte{0x31, 0x01, 0x00}))
	offerer := newTestPeer(t, PeerConfig{
		VideoFile:         clip,
		ConfigureSettings: func(se *webrtc.SettingEngine) { se.SetNet(netA) },
	})

	answerer := newAnswerer(t, netB)
	audioCh := make(chan struct{})
	videoCh := make(chan struct{})
	answerer.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		got := audioCh
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			got = videoCh
		}
		if _, _, err := track.ReadRTP(); err == nil {
			close(got)
		}
	})
	answererCands := make(chan webrtc.ICECandidateInit, 64)
	answerer.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			answererCands <- c.ToJSON()
		}
	})

	sink := newChanSink()
	if err := offerer.Start(sink); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitNegotiationNeeded(t, sink)

	ctx := context.Background()
	offer, err := offerer.CreateOffer(ctx)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := offerer.SetLocalDescription(ctx, offer); err != nil {
		t.Fatalf("set local offer: %v", err)
	}
	if err := answerer.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		t.Fatalf("answerer set remote: %v", err)
	}
	answer, err := answerer.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	if err := answerer.SetLocalDescription(answer); err != nil {
		t.Fatalf("answerer set local: %v", err)
	}
	if err := offerer.SetRemoteDescription(ctx, protocol.SessionDescription{Type: protocol.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		t.Fatalf("set remote answer: %v", err)
	}

	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case c := <-sink.cands:
				idx := c.MLineIndex
				_ = answerer.AddICECandidate(webrtc.ICECandidateInit{Candidate: c.Candidate, SDPMLineIndex: &idx})
			case init := <-answererCands:
				if cand, ok := toProtocolCandidate(init); ok {
					_ = offerer.AddICECandidate(ctx, cand)
				}
			case <-done:
				return
			}
		}
	}()

	select {
	case <-offerer.Connected():
	case <-time.After(15 * time.Second):
		t.Fatalf("not connected, state=%s", offerer.ConnectionState())
	}
	select {
	case <-audioCh:
	case <-time.After(15 * time.Second):
		t.Fatal("no audio received by the answerer")
	}
	select {
	case <-videoCh:
	case <-time.After(15 * time.Second):
		t.Fatal("no video received by the answerer")
	}
}

func newAnswerer(t *testing.T, n *vnet.Net) *webrtc.PeerConnection {
	t.Helper()
	se := webrtc.SettingEngine{}
	se.SetNet(n)

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		t.Fatalf("register codecs: %v", err)
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(m))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new answerer: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}
