// Package config gathers the command-line and environment configuration for
// the sendrecv client and the relay server.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/sendrecv/internal/protocol"
)

const (
	DefaultServerURL           = "wss://webrtc.nirbheek.in:8443"
	DefaultSTUNServer          = "stun:stun.l.google.com:19302"
	DefaultVideoPayloadType    = 96
	DefaultAudioPayloadType    = 97
	DefaultHandshakeTimeout    = 10 * time.Second
	DefaultNegotiationDebounce = 100 * time.Millisecond
	DefaultMaxMalformedFrames  = 10
)

const (
	envPeerID              = "SENDRECV_PEER_ID"
	envOurID               = "SENDRECV_OUR_ID"
	envServerURL           = "SENDRECV_SERVER"
	envInsecure            = "SENDRECV_INSECURE"
	envSTUNURLs            = "SENDRECV_STUN_URLS"
	envVideoPayloadType    = "SENDRECV_VIDEO_PT"
	envAudioPayloadType    = "SENDRECV_AUDIO_PT"
	envHandshakeTimeout    = "SENDRECV_HANDSHAKE_TIMEOUT"
	envNegotiationDebounce = "SENDRECV_NEGOTIATION_DEBOUNCE"
	envOfferTimeout        = "SENDRECV_OFFER_TIMEOUT"
	envMaxMalformedFrames  = "SENDRECV_MAX_MALFORMED"
	envVideoFile           = "SENDRECV_VIDEO_FILE"
	envDebug               = "SENDRECV_DEBUG"
)

// ErrMissingPeerID is returned when no remote peer id was given.
var ErrMissingPeerID = errors.New("missing -peer-id")

// Config stores the client parameters.
type Config struct {
	RemoteID string // peer to call (required)
	LocalID  string // id registered with the relay; random when empty

	ServerURL string
	Insecure  bool // skip TLS verification of the relay

	ICEServers       []string
	VideoPayloadType uint8
	AudioPayloadType uint8
	VideoFile        string // VP8 IVF file looped on the video track

	HandshakeTimeout    time.Duration
	NegotiationDebounce time.Duration
	OfferTimeout        time.Duration // 0 = wait forever for the answer
	MaxMalformedFrames  int           // 0 = never escalate

	Debug bool
}

// Load parses args (without the program name) with environment fallbacks.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args, os.Stderr)
}

func load(lookup func(string) (string, bool), args []string, output io.Writer) (Config, error) {
	var (
		cfg      Config
		stunURLs string
		videoPT  int
		audioPT  int
		err      error
	)

	cfg.RemoteID = envOrDefault(lookup, envPeerID, "")
	cfg.LocalID = envOrDefault(lookup, envOurID, "")
	cfg.ServerURL = envOrDefault(lookup, envServerURL, DefaultServerURL)
	stunURLs = envOrDefault(lookup, envSTUNURLs, DefaultSTUNServer)
	cfg.VideoFile = envOrDefault(lookup, envVideoFile, "")

	if cfg.Insecure, err = envBoolOrDefault(lookup, envInsecure, false); err != nil {
		return Config{}, err
	}
	if cfg.Debug, err = envBoolOrDefault(lookup, envDebug, false); err != nil {
		return Config{}, err
	}
	if videoPT, err = envIntOrDefault(lookup, envVideoPayloadType, DefaultVideoPayloadType); err != nil {
		return Config{}, err
	}
	if audioPT, err = envIntOrDefault(lookup, envAudioPayloadType, DefaultAudioPayloadType); err != nil {
		return Config{}, err
	}
	if cfg.MaxMalformedFrames, err = envIntOrDefault(lookup, envMaxMalformedFrames, DefaultMaxMalformedFrames); err != nil {
		return Config{}, err
	}
	if cfg.HandshakeTimeout, err = envDurationOrDefault(lookup, envHandshakeTimeout, DefaultHandshakeTimeout); err != nil {
		return Config{}, err
	}
	if cfg.NegotiationDebounce, err = envDurationOrDefault(lookup, envNegotiationDebounce, DefaultNegotiationDebounce); err != nil {
		return Config{}, err
	}
	if cfg.OfferTimeout, err = envDurationOrDefault(lookup, envOfferTimeout, 0); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("sendrecv", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&cfg.RemoteID, "peer-id", cfg.RemoteID, "String ID of the peer to connect to (env "+envPeerID+")")
	fs.StringVar(&cfg.LocalID, "our-id", cfg.LocalID, "String ID to register with the relay; random when empty (env "+envOurID+")")
	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Signalling server to connect to (env "+envServerURL+")")
	fs.BoolVar(&cfg.Insecure, "insecure", cfg.Insecure, "Skip TLS certificate verification (env "+envInsecure+")")
	fs.StringVar(&stunURLs, "stun", stunURLs, "Comma-separated STUN/TURN URLs, empty for none (env "+envSTUNURLs+")")
	fs.IntVar(&videoPT, "video-pt", videoPT, "RTP payload type for VP8 (env "+envVideoPayloadType+")")
	fs.IntVar(&audioPT, "audio-pt", audioPT, "RTP payload type for Opus (env "+envAudioPayloadType+")")
	fs.StringVar(&cfg.VideoFile, "video-file", cfg.VideoFile, "VP8 IVF file to stream, empty for an idle video track (env "+envVideoFile+")")
	fs.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "Max time for the relay handshake (env "+envHandshakeTimeout+")")
	fs.DurationVar(&cfg.NegotiationDebounce, "negotiation-debounce", cfg.NegotiationDebounce, "Coalescing window for negotiation-needed (env "+envNegotiationDebounce+")")
	fs.DurationVar(&cfg.OfferTimeout, "offer-timeout", cfg.OfferTimeout, "Give up when no answer arrives in time, 0 = never (env "+envOfferTimeout+")")
	fs.IntVar(&cfg.MaxMalformedFrames, "max-malformed", cfg.MaxMalformedFrames, "Close the session after this many malformed frames, 0 = never (env "+envMaxMalformedFrames+")")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging (env "+envDebug+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg.RemoteID = strings.TrimSpace(cfg.RemoteID)
	if cfg.RemoteID == "" {
		return Config{}, ErrMissingPeerID
	}
	if !protocol.ValidPeerID(cfg.RemoteID) {
		return Config{}, fmt.Errorf("invalid -peer-id %q: must not contain whitespace", cfg.RemoteID)
	}

	cfg.LocalID = strings.TrimSpace(cfg.LocalID)
	if cfg.LocalID == "" {
		cfg.LocalID = uuid.NewString()
	}
	if !protocol.ValidPeerID(cfg.LocalID) {
		return Config{}, fmt.Errorf("invalid -our-id %q: must not contain whitespace", cfg.LocalID)
	}
	if cfg.LocalID == cfg.RemoteID {
		return Config{}, fmt.Errorf("-our-id and -peer-id must differ (both %q)", cfg.LocalID)
	}

	if err := validateServerURL(cfg.ServerURL); err != nil {
		return Config{}, err
	}

	cfg.ICEServers = splitList(stunURLs)

	if cfg.VideoPayloadType, err = payloadType("video-pt", videoPT); err != nil {
		return Config{}, err
	}
	if cfg.AudioPayloadType, err = payloadType("audio-pt", audioPT); err != nil {
		return Config{}, err
	}
	if cfg.VideoPayloadType == cfg.AudioPayloadType {
		return Config{}, fmt.Errorf("-video-pt and -audio-pt must differ (both %d)", videoPT)
	}

	if cfg.HandshakeTimeout < 0 || cfg.NegotiationDebounce < 0 || cfg.OfferTimeout < 0 {
		return Config{}, errors.New("durations must be >= 0")
	}
	if cfg.MaxMalformedFrames < 0 {
		return Config{}, errors.New("-max-malformed must be >= 0")
	}

	return cfg, nil
}

func validateServerURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid -server URL: %s", raw)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid -server URL scheme %q: must be ws or wss", u.Scheme)
	}
	return nil
}

// payloadType checks the dynamic RTP payload type range.
func payloadType(name string, v int) (uint8, error) {
	if v < 96 || v > 127 {
		return 0, fmt.Errorf("-%s %d out of dynamic range 96..127", name, v)
	}
	return uint8(v), nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return b, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
