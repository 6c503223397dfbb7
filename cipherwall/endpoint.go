package cipherwall

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/TheusHen/cipherwall/cipherwall/compress"
	"github.com/TheusHen/cipherwall/cipherwall/config"
	"github.com/TheusHen/cipherwall/cipherwall/crypto"
	"github.com/TheusHen/cipherwall/cipherwall/fec"
	"github.com/TheusHen/cipherwall/cipherwall/packet"
	"github.com/TheusHen/cipherwall/cipherwall/transport"
	"github.com/TheusHen/cipherwall/cipherwall/transport/quic"
	"github.com/TheusHen/cipherwall/cipherwall/transport/udp"
	"github.com/TheusHen/cipherwall/cipherwall/tun"
	"github.com/TheusHen/cipherwall/cipherwall/tunnel"
)

var ErrNotClient = errors.New("cipherwall: send requires client mode")

// DeviceOpener opens the packet device for Run.
type DeviceOpener func(cfg tun.Config) (io.ReadWriteCloser, error)

type EndpointOption func(*Endpoint)

// WithLogger sets the logger for the endpoint and everything it runs.
func WithLogger(log *logrus.Entry) EndpointOption {
	return func(e *Endpoint) { e.log = log }
}

// WithRandom replaces the IV source of the codec.
func WithRandom(r io.Reader) EndpointOption {
	return func(e *Endpoint) { e.codecOpts = append(e.codecOpts, packet.WithRandom(r)) }
}

// WithDevice replaces the TUN device, mainly for tests.
func WithDevice(open DeviceOpener) EndpointOption {
	return func(e *Endpoint) { e.openDevice = open }
}

// Endpoint is one side of a tunnel: a codec built from the configured secret plus the
// transport and device settings needed to run it.
type Endpoint struct {
	cfg         *config.Config
	codec       *packet.Codec
	fingerprint string
	log         *logrus.Entry
	openDevice  DeviceOpener
	codecOpts   []packet.Option

	addr    atomic.Pointer[net.Addr]
	running atomic.Pointer[tunnel.Tunnel]
}

// NewEndpoint validates cfg and derives the keys. The derivation runs once per endpoint
// and is deliberately slow.
func NewEndpoint(cfg *config.Config, opts ...EndpointOption) (*Endpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Endpoint{
		cfg: cfg,
		log: logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.openDevice == nil {
		e.openDevice = e.openTUN
	}

	secret, err := cfg.Secret()
	if err != nil {
		return nil, err
	}
	keys, err := crypto.Derive(secret, cfg.Params())
	crypto.ZeroBytes(secret)
	if err != nil {
		return nil, err
	}
	defer keys.Zero()

	e.codec, err = packet.NewCodec(keys, e.codecOpts...)
	if err != nil {
		return nil, err
	}
	e.fingerprint = keys.Fingerprint()
	e.log = e.log.WithFields(logrus.Fields{"mode": cfg.Mode, "key": e.fingerprint})
	return e, nil
}

// Fingerprint identifies the derived keys without revealing them. Both ends of a working
// tunnel report the same value.
func (e *Endpoint) Fingerprint() string { return e.fingerprint }

func (e *Endpoint) Codec() *packet.Codec { return e.codec }

// Addr returns the local address of the most recently opened link, or nil.
func (e *Endpoint) Addr() net.Addr {
	if a := e.addr.Load(); a != nil {
		return *a
	}
	return nil
}

// Stats returns the counters of the running tunnel.
func (e *Endpoint) Stats() tunnel.Stats {
	if t := e.running.Load(); t != nil {
		return t.Stats()
	}
	return tunnel.Stats{}
}

// Open listens (server) or dials (client) on the configured transport and adds FEC
// framing when configured.
func (e *Endpoint) Open(ctx context.Context) (transport.Link, error) {
	link, err := e.openTransport(ctx)
	if err != nil {
		return nil, fmt.Errorf("cipherwall: open %s transport: %w", e.cfg.Transport, err)
	}
	if e.cfg.FEC.Enabled() {
		fl, err := fec.NewLink(link, e.cfg.FEC.DataShards, e.cfg.FEC.ParityShards)
		if err != nil {
			_ = link.Close()
			return nil, err
		}
		link = fl
	}

	addr := link.LocalAddr()
	e.addr.Store(&addr)
	e.log.WithFields(logrus.Fields{
		"transport": e.cfg.Transport,
		"local":     addr,
		"peer":      e.cfg.Peer,
		"fec":       e.cfg.FEC.Enabled(),
	}).Info("link open")
	return link, nil
}

func (e *Endpoint) openTransport(ctx context.Context) (transport.Link, error) {
	server := e.cfg.Mode == config.ModeServer
	switch e.cfg.Transport {
	case config.TransportQUIC:
		if server {
			return quic.Listen(e.cfg.Listen)
		}
		return quic.Dial(ctx, e.cfg.Peer)
	default:
		if server {
			return udp.Listen(e.cfg.Listen)
		}
		return udp.Dial(e.cfg.Peer)
	}
}

func (e *Endpoint) openTUN(cfg tun.Config) (io.ReadWriteCloser, error) {
	dev, err := tun.Open(cfg, tun.WithLogger(e.log))
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// deviceConfig is the TUN configuration Run opens. A client whose routes cover its own
// server keeps a host route to the server outside the tunnel.
func (e *Endpoint) deviceConfig() (tun.Config, error) {
	cfg := e.cfg.TUN
	cfg.MTU = e.cfg.TunnelMTU()
	if e.cfg.Mode != config.ModeClient || len(cfg.Routes) == 0 {
		return cfg, nil
	}

	// resolved the same way both transports resolve it when dialing
	peer, err := net.ResolveUDPAddr("udp", e.cfg.Peer)
	if err != nil {
		return cfg, fmt.Errorf("cipherwall: resolve peer: %w", err)
	}
	if peer.IP.IsLoopback() || slices.Contains(cfg.Bypass, peer.IP.String()) {
		return cfg, nil
	}
	for _, r := range cfg.Routes {
		if _, ipNet, err := net.ParseCIDR(r); err == nil && ipNet.Contains(peer.IP) {
			cfg.Bypass = append(slices.Clone(cfg.Bypass), peer.IP.String())
			break
		}
	}
	return cfg, nil
}

func (e *Endpoint) compressor() tunnel.Compressor {
	if e.cfg.Compression == config.CompressionLZ4 {
		return compress.Compressor{}
	}
	return nil
}

// Run opens the link and the device and pumps packets until ctx is done.
func (e *Endpoint) Run(ctx context.Context) error {
	link, err := e.Open(ctx)
	if err != nil {
		return err
	}
	devCfg, err := e.deviceConfig()
	if err != nil {
		_ = link.Close()
		return err
	}
	dev, err := e.openDevice(devCfg)
	if err != nil {
		_ = link.Close()
		return fmt.Errorf("cipherwall: open device: %w", err)
	}
	if named, ok := dev.(interface{ Name() string }); ok {
		e.log.WithField("device", named.Name()).Info("device open")
	}

	t := tunnel.New(e.codec, link, dev, tunnel.Options{
		MTU:        devCfg.EffectiveMTU(),
		Compressor: e.compressor(),
		Logger:     e.log,
	})
	e.running.Store(t)
	return t.Run(ctx)
}

// Send protects payload and sends it to the configured peer as a single datagram.
// It needs client mode and does not wait for a reply.
func (e *Endpoint) Send(ctx context.Context, payload []byte) error {
	if e.cfg.Mode != config.ModeClient {
		return ErrNotClient
	}
	link, err := e.Open(ctx)
	if err != nil {
		return err
	}
	defer link.Close()

	if c := e.compressor(); c != nil {
		if payload, err = c.Pack(payload); err != nil {
			return err
		}
	}
	datagram, err := e.codec.Encode(payload)
	if err != nil {
		return err
	}
	if err := link.Send(ctx, datagram); err != nil {
		return fmt.Errorf("cipherwall: send: %w", err)
	}
	e.log.WithField("len", len(datagram)).Info("datagram sent")
	return nil
}
