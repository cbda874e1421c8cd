// Package config defines and loads the YAML configuration for both the
// client and server binaries, plus the CLI flag surface in cmd/.
package config

import (
	"encoding/hex"
	"fmt"
	"time"
)

// UDPRelayMode selects the QUIC transport used to carry a UDP association's
// packets: one datagram per packet (Native) or one unidirectional stream per
// packet (Quic).
type UDPRelayMode string

const (
	UDPRelayModeNative UDPRelayMode = "native"
	UDPRelayModeQuic   UDPRelayMode = "quic"
)

const (
	DefaultHeartbeatInterval     = 3 * time.Second
	DefaultRequestTimeout        = 8 * time.Second
	DefaultAuthenticationTimeout = 3 * time.Second
	DefaultMaxUDPRelayPacketSize = 1500
)

// Duration wraps time.Duration so config files can write "30s" rather than
// a raw nanosecond count; gopkg.in/yaml.v3 decodes a bare time.Duration as
// an integer, which isn't what an operator hand-editing YAML expects.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// ClientConfig is the enumerated set of client options from spec.md §6.
type ClientConfig struct {
	ServerAddr            []string     `yaml:"server_addr"`
	Token                 string       `yaml:"token"`
	HeartbeatInterval     Duration     `yaml:"heartbeat_interval,omitempty"`
	ReduceRTT             bool         `yaml:"reduce_rtt,omitempty"`
	UDPRelayMode          UDPRelayMode `yaml:"udp_relay_mode,omitempty"`
	RequestTimeout        Duration     `yaml:"request_timeout,omitempty"`
	MaxUDPRelayPacketSize int          `yaml:"max_udp_relay_packet_size,omitempty"`
	LocalAddr             string       `yaml:"local_addr"`
	RootCA                string       `yaml:"root_ca,omitempty"`
	SkipCertVerify        bool         `yaml:"skip_cert_verify,omitempty"`
}

// TokenDigest returns the 32-byte SHA-256 digest the wire Authenticate
// command carries, decoded from the config's hex-encoded Token field.
func (c *ClientConfig) TokenDigest() ([32]byte, error) {
	return decodeDigest(c.Token)
}

// ApplyDefaults fills in zero-valued optional fields with their spec.md §6
// defaults.
func (c *ClientConfig) ApplyDefaults() {
	if c.HeartbeatInterval.Duration == 0 {
		c.HeartbeatInterval.Duration = DefaultHeartbeatInterval
	}
	if c.RequestTimeout.Duration == 0 {
		c.RequestTimeout.Duration = DefaultRequestTimeout
	}
	if c.MaxUDPRelayPacketSize == 0 {
		c.MaxUDPRelayPacketSize = DefaultMaxUDPRelayPacketSize
	}
	if c.UDPRelayMode == "" {
		c.UDPRelayMode = UDPRelayModeNative
	}
}

// Validate checks the fields spec.md §6 requires to be present, returning a
// Config-class error (fatal at startup, per spec.md §7) on the first
// violation found.
func (c *ClientConfig) Validate() error {
	if len(c.ServerAddr) == 0 {
		return fmt.Errorf("config: server_addr must name at least one endpoint")
	}
	if _, err := c.TokenDigest(); err != nil {
		return fmt.Errorf("config: token: %w", err)
	}
	if c.LocalAddr == "" {
		return fmt.Errorf("config: local_addr is required")
	}
	if c.UDPRelayMode != UDPRelayModeNative && c.UDPRelayMode != UDPRelayModeQuic {
		return fmt.Errorf("config: udp_relay_mode must be %q or %q", UDPRelayModeNative, UDPRelayModeQuic)
	}
	if c.MaxUDPRelayPacketSize <= 0 {
		return fmt.Errorf("config: max_udp_relay_packet_size must be positive")
	}
	return nil
}

// ServerConfig is the enumerated set of server options from spec.md §6.
type ServerConfig struct {
	ListenAddr            string   `yaml:"listen_addr"`
	CertPath              string   `yaml:"cert_path"`
	KeyPath               string   `yaml:"key_path"`
	Token                 []string `yaml:"token"`
	AuthenticationTimeout Duration `yaml:"authentication_timeout,omitempty"`
	MaxUDPRelayPacketSize int      `yaml:"max_udp_relay_packet_size,omitempty"`
}

// TokenDigests decodes every configured hex digest into the set of 32-byte
// values the connection handler checks an Authenticate command against.
func (c *ServerConfig) TokenDigests() (map[[32]byte]struct{}, error) {
	digests := make(map[[32]byte]struct{}, len(c.Token))
	for _, token := range c.Token {
		digest, err := decodeDigest(token)
		if err != nil {
			return nil, err
		}
		digests[digest] = struct{}{}
	}
	return digests, nil
}

func (c *ServerConfig) ApplyDefaults() {
	if c.AuthenticationTimeout.Duration == 0 {
		c.AuthenticationTimeout.Duration = DefaultAuthenticationTimeout
	}
	if c.MaxUDPRelayPacketSize == 0 {
		c.MaxUDPRelayPacketSize = DefaultMaxUDPRelayPacketSize
	}
}

func (c *ServerConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr is required")
	}
	if c.CertPath == "" || c.KeyPath == "" {
		return fmt.Errorf("config: cert_path and key_path are required")
	}
	if len(c.Token) == 0 {
		return fmt.Errorf("config: token must list at least one accepted digest")
	}
	for _, token := range c.Token {
		if _, err := decodeDigest(token); err != nil {
			return fmt.Errorf("config: token: %w", err)
		}
	}
	if c.MaxUDPRelayPacketSize <= 0 {
		return fmt.Errorf("config: max_udp_relay_packet_size must be positive")
	}
	return nil
}

func decodeDigest(token string) ([32]byte, error) {
	var digest [32]byte
	raw, err := hex.DecodeString(token)
	if err != nil {
		return digest, fmt.Errorf("not valid hex: %w", err)
	}
	if len(raw) != len(digest) {
		return digest, fmt.Errorf("expected %d bytes, got %d", len(digest), len(raw))
	}
	copy(digest[:], raw)
	return digest, nil
}
