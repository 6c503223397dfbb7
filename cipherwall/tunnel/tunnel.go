// Package tunnel pumps IP packets between a TUN device and a protected datagram link.
//
// Outbound packets are read from the device, optionally compressed, encoded by the packet
// codec and sent on the link. Inbound datagrams are verified and decrypted before anything
// else looks at them; datagrams that fail are counted and dropped without affecting the
// tunnel.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sync/errgroup"

	"github.com/TheusHen/cipherwall/cipherwall/packet"
	"github.com/TheusHen/cipherwall/cipherwall/transport"
)

// maxPacket bounds a single device read.
const maxPacket = 65535

// Codec protects and unprotects datagrams. *packet.Codec implements it.
type Codec interface {
	Encode(plaintext []byte) ([]byte, error)
	Decode(datagram []byte) ([]byte, error)
}

// Compressor frames payloads before encoding. compress.Compressor implements it.
type Compressor interface {
	Pack(payload []byte) ([]byte, error)
	Unpack(frame []byte) ([]byte, error)
}

type Options struct {
	// MTU is informational; device reads always use a full-size buffer.
	MTU int
	// Compressor is nil when compression is disabled.
	Compressor Compressor
	Logger     *logrus.Entry
}

// Stats is a snapshot of the tunnel counters.
type Stats struct {
	PacketsSent     uint64
	BytesSent       uint64
	PacketsReceived uint64
	BytesReceived   uint64
	Malformed       uint64
	Unauthenticated uint64
	Corrupt         uint64
	NoPeer          uint64
	SendErrors      uint64
	WriteErrors     uint64
	ReceiveErrors   uint64
}

type counters struct {
	packetsSent     atomic.Uint64
	bytesSent       atomic.Uint64
	packetsReceived atomic.Uint64
	bytesReceived   atomic.Uint64
	malformed       atomic.Uint64
	unauthenticated atomic.Uint64
	corrupt         atomic.Uint64
	noPeer          atomic.Uint64
	sendErrors      atomic.Uint64
	writeErrors     atomic.Uint64
	receiveErrors   atomic.Uint64
}

// Tunnel connects one device to one link.
type Tunnel struct {
	codec Codec
	link  transport.Link
	dev   io.ReadWriteCloser
	comp  Compressor
	mtu   int
	log   *logrus.Entry

	stats counters
}

func New(codec Codec, link transport.Link, dev io.ReadWriteCloser, opts Options) *Tunnel {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Tunnel{
		codec: codec,
		link:  link,
		dev:   dev,
		comp:  opts.Compressor,
		mtu:   opts.MTU,
		log:   log.WithField("component", "tunnel"),
	}
}

// Run pumps packets in both directions until ctx is done or either side fails.
// The link and the device are closed when Run returns. Cancellation is not an error.
func (t *Tunnel) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.outbound(gctx) })
	g.Go(func() error { return t.inbound(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		// unblocks the pending reads in both pumps
		if err := t.link.Close(); err != nil {
			t.log.WithError(err).Debug("close link")
		}
		if err := t.dev.Close(); err != nil {
			t.log.WithError(err).Debug("close device")
		}
		return nil
	})

	t.log.WithFields(logrus.Fields{
		"local": t.link.LocalAddr(),
		"mtu":   t.mtu,
		"lz4":   t.comp != nil,
	}).Info("tunnel started")

	err := g.Wait()
	t.log.WithFields(t.Stats().fields()).Info("tunnel stopped")
	return err
}

// Stats returns the current counters.
func (t *Tunnel) Stats() Stats {
	c := &t.stats
	return Stats{
		PacketsSent:     c.packetsSent.Load(),
		BytesSent:       c.bytesSent.Load(),
		PacketsReceived: c.packetsReceived.Load(),
		BytesReceived:   c.bytesReceived.Load(),
		Malformed:       c.malformed.Load(),
		Unauthenticated: c.unauthenticated.Load(),
		Corrupt:         c.corrupt.Load(),
		NoPeer:          c.noPeer.Load(),
		SendErrors:      c.sendErrors.Load(),
		WriteErrors:     c.writeErrors.Load(),
		ReceiveErrors:   c.receiveErrors.Load(),
	}
}

func (s Stats) fields() logrus.Fields {
	return logrus.Fields{
		"packets_sent":     s.PacketsSent,
		"bytes_sent":       s.BytesSent,
		"packets_received": s.PacketsReceived,
		"bytes_received":   s.BytesReceived,
		"malformed":        s.Malformed,
		"unauthenticated":  s.Unauthenticated,
		"corrupt":          s.Corrupt,
		"no_peer":          s.NoPeer,
		"send_errors":      s.SendErrors,
		"write_errors":     s.WriteErrors,
		"receive_errors":   s.ReceiveErrors,
	}
}

func (t *Tunnel) outbound(ctx context.Context) error {
	buf := make([]byte, maxPacket)
	for {
		n, err := t.dev.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("tunnel: read device: %w", err)
		}
		if n == 0 {
			continue
		}
		pkt := buf[:n]
		t.trace("outbound", pkt)

		payload := pkt
		if t.comp != nil {
			if payload, err = t.comp.Pack(pkt); err != nil {
				t.log.WithError(err).WithField("len", n).Warn("compress packet")
				continue
			}
		}

		datagram, err := t.codec.Encode(payload)
		if err != nil {
			// only a failing random source gets here; nothing is sent without a fresh IV
			t.log.WithError(err).Error("encode packet")
			t.stats.sendErrors.Add(1)
			continue
		}

		if err := t.link.Send(ctx, datagram); err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, transport.ErrNoPeer):
				t.stats.noPeer.Add(1)
				t.log.Debug("no authenticated peer, packet dropped")
			default:
				t.stats.sendErrors.Add(1)
				t.log.WithError(err).Warn("send datagram")
			}
			continue
		}
		t.stats.bytesSent.Add(uint64(n))
		t.stats.packetsSent.Add(1)
	}
}

func (t *Tunnel) inbound(ctx context.Context) error {
	for {
		datagram, from, err := t.link.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, transport.ErrTransient) {
				// a refused read while the server restarts; the next datagram may still arrive
				t.stats.receiveErrors.Add(1)
				t.log.WithError(err).Debug("receive failed, continuing")
				continue
			}
			return fmt.Errorf("tunnel: receive: %w", err)
		}

		payload, err := t.codec.Decode(datagram)
		if err != nil {
			t.drop(err, from, len(datagram))
			continue
		}

		if pt, ok := t.link.(transport.PeerTracker); ok && pt.SetPeer(from) {
			t.log.WithField("peer", from).Info("peer address updated")
		}

		if t.comp != nil {
			if payload, err = t.comp.Unpack(payload); err != nil {
				t.stats.corrupt.Add(1)
				t.log.WithError(err).WithField("from", from).Debug("bad compression frame, dropped")
				continue
			}
		}
		if len(payload) == 0 {
			continue
		}
		t.trace("inbound", payload)

		if _, err := t.dev.Write(payload); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.stats.writeErrors.Add(1)
			t.log.WithError(err).WithField("len", len(payload)).Warn("write device")
			continue
		}
		t.stats.bytesReceived.Add(uint64(len(payload)))
		t.stats.packetsReceived.Add(1)
	}
}

func (t *Tunnel) drop(err error, from net.Addr, n int) {
	switch {
	case errors.Is(err, packet.ErrMalformedDatagram):
		t.stats.malformed.Add(1)
	case errors.Is(err, packet.ErrAuthenticationFailed):
		t.stats.unauthenticated.Add(1)
	default:
		t.stats.malformed.Add(1)
	}
	t.log.WithError(err).WithFields(logrus.Fields{
		"from": from,
		"len":  n,
	}).Debug("datagram dropped")
}

// trace logs the addresses of an IP packet at debug level.
func (t *Tunnel) trace(dir string, pkt []byte) {
	if !t.log.Logger.IsLevelEnabled(logrus.DebugLevel) || len(pkt) == 0 {
		return
	}
	fields := logrus.Fields{"dir": dir, "len": len(pkt)}
	switch pkt[0] >> 4 {
	case ipv4.Version:
		if h, err := ipv4.ParseHeader(pkt); err == nil {
			fields["src"], fields["dst"], fields["proto"] = h.Src, h.Dst, h.Protocol
		}
	case ipv6.Version:
		if h, err := ipv6.ParseHeader(pkt); err == nil {
			fields["src"], fields["dst"], fields["proto"] = h.Src, h.Dst, h.NextHeader
		}
	}
	t.log.WithFields(fields).Debug("packet")
}
