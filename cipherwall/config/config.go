// Package config loads the CipherWall endpoint configuration from YAML.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/TheusHen/cipherwall/cipherwall/crypto"
	"github.com/TheusHen/cipherwall/cipherwall/tun"
)

const (
	ModeServer = "server"
	ModeClient = "client"

	TransportUDP  = "udp"
	TransportQUIC = "quic"

	CompressionNone = "none"
	CompressionLZ4  = "lz4"

	// DefaultListen is the server address used when none is configured.
	DefaultListen = ":1194"

	// QUICMTU is the TUN MTU used with the QUIC transport when none is configured.
	// A QUIC DATAGRAM frame has to fit in one packet of about 1200 bytes.
	QUICMTU = 1100

	hexPrefix    = "hex:"
	base64Prefix = "base64:"
)

var (
	ErrInvalidMode        = errors.New("config: mode must be server or client")
	ErrMissingSecret      = errors.New("config: secret or secret_file is required")
	ErrInvalidSecret      = errors.New("config: malformed secret")
	ErrInvalidTransport   = errors.New("config: transport must be udp or quic")
	ErrInvalidCompression = errors.New("config: compression must be none or lz4")
	ErrMissingPeer        = errors.New("config: client mode requires a peer address")
	ErrInvalidFEC         = errors.New("config: fec shard counts are invalid")
	ErrInvalidLog         = errors.New("config: invalid log settings")
)

// FEC enables Reed-Solomon forward error correction when both counts are positive.
type FEC struct {
	DataShards   int `yaml:"data_shards"`
	ParityShards int `yaml:"parity_shards"`
}

// Enabled reports whether FEC is configured.
func (f FEC) Enabled() bool { return f.DataShards > 0 || f.ParityShards > 0 }

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config holds everything an endpoint needs. Both ends of a tunnel must agree on
// the secret, salt, iterations, transport, compression and fec settings.
type Config struct {
	Mode        string     `yaml:"mode"`
	RawSecret   string     `yaml:"secret"`
	SecretFile  string     `yaml:"secret_file"`
	Salt        string     `yaml:"salt"`
	Iterations  int        `yaml:"iterations"`
	Transport   string     `yaml:"transport"`
	Listen      string     `yaml:"listen"`
	Peer        string     `yaml:"peer"`
	Compression string     `yaml:"compression"`
	FEC         FEC        `yaml:"fec"`
	TUN         tun.Config `yaml:"tun"`
	Log         Log        `yaml:"log"`
}

// Default returns a server configuration with every optional field filled in.
func Default() *Config {
	return &Config{
		Mode:        ModeServer,
		Salt:        crypto.DefaultSalt,
		Iterations:  crypto.DefaultIterations,
		Transport:   TransportUDP,
		Listen:      DefaultListen,
		Compression: CompressionNone,
		// MTU stays 0 so TunnelMTU can pick one for the transport
		TUN: tun.Config{
			Addr: "10.8.0.1/24",
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load reads the configuration from the YAML file at path on top of Default.
// If the file does not exist, it returns the defaults with no error.
// The result is not validated; callers apply overrides and then call Validate.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if perm := info.Mode().Perm(); perm&0o077 != 0 && cfg.RawSecret != "" {
		logrus.WithFields(logrus.Fields{
			"component": "config",
			"path":      path,
			"perm":      fmt.Sprintf("%04o", perm),
		}).Warn("config file holds an inline secret and is readable by other users, expected 0600")
	}
	if cfg.Transport == TransportQUIC && cfg.TUN.MTU > QUICMTU {
		logrus.WithFields(logrus.Fields{
			"component": "config",
			"path":      path,
			"mtu":       cfg.TUN.MTU,
		}).Warnf("tun mtu is above %d, larger packets will not fit in a QUIC datagram", QUICMTU)
	}
	return cfg, nil
}

// Validate checks the configuration. It does not read secret_file.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeServer, ModeClient:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.Mode)
	}
	if c.RawSecret == "" && c.SecretFile == "" {
		return ErrMissingSecret
	}
	if c.RawSecret != "" {
		if _, err := ParseSecret(c.RawSecret); err != nil {
			return err
		}
	}
	if err := c.Params().Validate(); err != nil {
		return err
	}
	switch c.Transport {
	case TransportUDP, TransportQUIC:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTransport, c.Transport)
	}
	switch c.Compression {
	case CompressionNone, CompressionLZ4:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidCompression, c.Compression)
	}
	if c.Mode == ModeClient && c.Peer == "" {
		return ErrMissingPeer
	}
	if c.FEC.Enabled() {
		if c.FEC.DataShards <= 0 || c.FEC.ParityShards <= 0 || c.FEC.DataShards+c.FEC.ParityShards > 256 {
			return fmt.Errorf("%w: %d+%d", ErrInvalidFEC, c.FEC.DataShards, c.FEC.ParityShards)
		}
	}
	if err := c.TUN.Validate(); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLog, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("%w: format %q", ErrInvalidLog, c.Log.Format)
	}
	return nil
}

// Params returns the key derivation parameters.
// TunnelMTU is the MTU of the TUN interface: the configured one, or the largest that
// fits the transport.
func (c *Config) TunnelMTU() int {
	switch {
	case c.TUN.MTU > 0:
		return c.TUN.MTU
	case c.Transport == TransportQUIC:
		return QUICMTU
	}
	return tun.DefaultMTU
}

func (c *Config) Params() crypto.Params {
	return crypto.Params{Salt: []byte(c.Salt), Iterations: c.Iterations}
}

// Secret returns the 32-byte shared secret, reading secret_file when no inline
// secret is set. The caller should wipe the result after deriving keys.
func (c *Config) Secret() ([]byte, error) {
	if c.RawSecret != "" {
		return ParseSecret(c.RawSecret)
	}
	if c.SecretFile == "" {
		return nil, ErrMissingSecret
	}
	data, err := os.ReadFile(c.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("config: read secret file: %w", err)
	}
	defer crypto.ZeroBytes(data)
	return ParseSecret(strings.TrimSpace(string(data)))
}

// ParseSecret decodes "hex:<64 hex digits>", "base64:<std encoding>" or a raw
// 32-character string.
func ParseSecret(s string) ([]byte, error) {
	var (
		secret []byte
		err    error
	)
	switch {
	case strings.HasPrefix(s, hexPrefix):
		secret, err = hex.DecodeString(strings.TrimPrefix(s, hexPrefix))
	case strings.HasPrefix(s, base64Prefix):
		secret, err = base64.StdEncoding.DecodeString(strings.TrimPrefix(s, base64Prefix))
	default:
		secret = []byte(s)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	if len(secret) != crypto.SecretSize {
		crypto.ZeroBytes(secret)
		return nil, fmt.Errorf("%w: %w", ErrInvalidSecret, crypto.ErrInvalidSecretLength)
	}
	return secret, nil
}

// FormatSecret renders a secret in the hex form ParseSecret accepts.
func FormatSecret(secret []byte) string {
	return hexPrefix + hex.EncodeToString(secret)
}
