package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"
)

const (
	DefaultRelayAddr             = "0.0.0.0"
	DefaultRelayPort             = 8443
	DefaultRelayKeepaliveTimeout = 30 * time.Second
)

const (
	envRelayAddr      = "RELAY_ADDR"
	envRelayPort      = "RELAY_PORT"
	envRelayKeepalive = "RELAY_KEEPALIVE_TIMEOUT"
	envRelayCert      = "RELAY_CERT"
	envRelayKey       = "RELAY_KEY"
)

// RelayConfig stores the relay server parameters.
type RelayConfig struct {
	Addr             string
	Port             int
	KeepaliveTimeout time.Duration
	CertFile         string // TLS is enabled when both files are set
	KeyFile          string
	Debug            bool
}

// ListenAddr returns host:port.
func (c RelayConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Addr, c.Port)
}

// TLS reports whether the relay serves wss://.
func (c RelayConfig) TLS() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// LoadRelay parses the relay's args with environment fallbacks.
func LoadRelay(args []string) (RelayConfig, error) {
	return loadRelay(os.LookupEnv, args, os.Stderr)
}

func loadRelay(lookup func(string) (string, bool), args []string, output io.Writer) (RelayConfig, error) {
	var (
		cfg RelayConfig
		err error
	)

	cfg.Addr = envOrDefault(lookup, envRelayAddr, DefaultRelayAddr)
	cfg.CertFile = envOrDefault(lookup, envRelayCert, "")
	cfg.KeyFile = envOrDefault(lookup, envRelayKey, "")
	if cfg.Port, err = envIntOrDefault(lookup, envRelayPort, DefaultRelayPort); err != nil {
		return RelayConfig{}, err
	}
	if cfg.KeepaliveTimeout, err = envDurationOrDefault(lookup, envRelayKeepalive, DefaultRelayKeepaliveTimeout); err != nil {
		return RelayConfig{}, err
	}

	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "Address to listen on (env "+envRelayAddr+")")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Port to listen on (env "+envRelayPort+")")
	fs.DurationVar(&cfg.KeepaliveTimeout, "keepalive-timeout", cfg.KeepaliveTimeout, "Interval between keepalive pings (env "+envRelayKeepalive+")")
	fs.StringVar(&cfg.CertFile, "cert", cfg.CertFile, "TLS certificate file (env "+envRelayCert+")")
	fs.StringVar(&cfg.KeyFile, "key", cfg.KeyFile, "TLS key file (env "+envRelayKey+")")
	fs.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return RelayConfig{}, err
	}

	if cfg.Port < 0 || cfg.Port > 65535 {
		return RelayConfig{}, fmt.Errorf("invalid -port %d (must be 0~65535)", cfg.Port)
	}
	if cfg.KeepaliveTimeout <= 0 {
		return RelayConfig{}, errors.New("-keepalive-timeout must be > 0")
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return RelayConfig{}, errors.New("-cert and -key must be given together")
	}
	return cfg, nil
}
