package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"

	"github.com/1ureka/sendrecv/internal/util"
)

const (
	DefaultVideoPayloadType = 96
	DefaultAudioPayloadType = 97

	opusFrameDuration    = 20 * time.Millisecond
	defaultFrameDuration = time.Second / 30
	streamID             = "sendrecv"
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

var (
	videoCapability = webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}
	audioCapability = webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}
)

// newPeerConnection builds a PeerConnection restricted to VP8 and Opus with
// the configured payload types, the default interceptors and the pterm log
// bridge.
func newPeerConnection(cfg PeerConfig) (*webrtc.PeerConnection, error) {
	videoPT := cfg.VideoPayloadType
	if videoPT == 0 {
		videoPT = DefaultVideoPayloadType
	}
	audioPT := cfg.AudioPayloadType
	if audioPT == 0 {
		audioPT = DefaultAudioPayloadType
	}
	if videoPT == audioPT {
		return nil, fmt.Errorf("video and audio payload types must differ (both %d)", videoPT)
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: videoCapability,
		PayloadType:        webrtc.PayloadType(videoPT),
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("failed to register VP8: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: audioCapability,
		PayloadType:        webrtc.PayloadType(audioPT),
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register Opus: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = util.LoggerFactory{Quiet: true}
	if cfg.ConfigureSettings != nil {
		cfg.ConfigureSettings(&se)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	config := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}
	return pc, nil
}

// videoClip is a decoded IVF file ready to be looped on the video track.
type videoClip struct {
	frames        [][]byte
	frameDuration time.Duration
}

// loadVideoClip reads a VP8 IVF file into memory.
func loadVideoClip(path string) (*videoClip, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read video file: %w", err)
	}
	frames, d, err := readIVF(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	util.LogInfo("streaming %d VP8 frames from %s every %s", len(frames), path, d)
	return &videoClip{frames: frames, frameDuration: d}, nil
}

// testSource owns the local tracks. Once the connection is up audio carries
// Opus silence and video loops the clip, if any.
type testSource struct {
	audio   *webrtc.TrackLocalStaticSample
	video   *webrtc.TrackLocalStaticSample
	senders []*webrtc.RTPSender
	clip    *videoClip
}

func newTestSource(pc *webrtc.PeerConnection, clip *videoClip) (*testSource, error) {
	video, err := webrtc.NewTrackLocalStaticSample(videoCapability, "video", streamID)
	if err != nil {
		return nil, err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(audioCapability, "audio", streamID)
	if err != nil {
		return nil, err
	}

	s := &testSource{audio: audio, video: video, clip: clip}
	for _, track := range []webrtc.TrackLocal{video, audio} {
		sender, err := pc.AddTrack(track)
		if err != nil {
			return nil, fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
		s.senders = append(s.senders, sender)
	}
	return s, nil
}

// run drains RTCP for every sender and, once connected, writes audio frames
// until ctx ends.
func (s *testSource) run(ctx context.Context, connected <-chan struct{}) {
	for _, sender := range s.senders {
		go drainRTCP(sender)
	}

	select {
	case <-connected:
	case <-ctx.Done():
		return
	}

	if s.clip != nil {
		go s.streamVideo(ctx)
	}

	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := s.audio.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrameDuration})
			if err != nil && !errors.Is(err, io.ErrClosedPipe) {
				util.LogWarning("failed to write audio sample: %v", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// streamVideo writes the clip frames in a loop until ctx ends.
func (s *testSource) streamVideo(ctx context.Context) {
	frames, d := s.clip.frames, s.clip.frameDuration
	ticker := time.NewTicker(d)
	defer ticker.Stop()

	for i := 0; ; i = (i + 1) % len(frames) {
		select {
		case <-ticker.C:
			err := s.video.WriteSample(media.Sample{Data: frames[i], Duration: d})
			if err != nil && !errors.Is(err, io.ErrClosedPipe) {
				util.LogWarning("failed to write video sample: %v", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readIVF loads every frame of a VP8 IVF stream. The frame duration comes
// from the file's timebase.
func readIVF(r io.Reader) ([][]byte, time.Duration, error) {
	reader, header, err := ivfreader.NewWith(r)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid IVF header: %w", err)
	}
	if header.FourCC != "VP80" {
		return nil, 0, fmt.Errorf("unsupported IVF codec %q, want VP80", header.FourCC)
	}

	frameDuration := defaultFrameDuration
	if header.TimebaseDenominator > 0 {
		if d := time.Duration(int64(time.Second) * int64(header.TimebaseNumerator) / int64(header.TimebaseDenominator)); d > 0 {
			frameDuration = d
		}
	}

	var frames [][]byte
	for {
		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("invalid IVF frame %d: %w", len(frames), err)
		}
		frames = append(frames, frame)
	}
	if len(frames) == 0 {
		return nil, 0, errors.New("IVF file has no frames")
	}
	return frames, frameDuration, nil
}

func (s *testSource) close() error {
	if s == nil {
		return nil
	}
	var errs []error
	for _, sender := range s.senders {
		errs = append(errs, sender.Stop())
	}
	return errors.Join(errs...)
}

// drainRTCP reads incoming RTCP so interceptors (NACK, reports) keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// consumeTrack reads a remote track until it ends, counting packets.
func consumeTrack(ctx context.Context, track *webrtc.TrackRemote) {
	var packets int
	defer func() {
		util.LogDebug("%s track ended after %d packets", track.Kind(), packets)
	}()
	for ctx.Err() == nil {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
		packets++
	}
}
