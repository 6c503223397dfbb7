// Package fec adds Reed-Solomon forward error correction to a datagram link.
//
// Every datagram travels in its own data shard and is delivered as soon as it arrives.
// After each group of data shards the sender emits parity shards, from which the
// receiver rebuilds data shards lost on the way. Both endpoints must use the same
// data/parity configuration.
package fec

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/TheusHen/cipherwall/cipherwall/transport"
)

type pending struct {
	data []byte
	from net.Addr
}

// Link wraps another link with FEC framing. Receive must not be called concurrently.
type Link struct {
	inner transport.Link
	codec *Codec

	sendMu sync.Mutex
	enc    *encoder

	dec   *decoder
	ready []pending

	dropped atomic.Uint64
}

// NewLink wraps inner with dataShards+parityShards groups.
func NewLink(inner transport.Link, dataShards, parityShards int) (*Link, error) {
	codec, err := NewCodec(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	return &Link{
		inner: inner,
		codec: codec,
		enc:   newEncoder(codec),
		dec:   newDecoder(codec),
	}, nil
}

// Send transmits the datagram's data shard and any parity shards it completes.
func (l *Link) Send(ctx context.Context, datagram []byte) error {
	l.sendMu.Lock()
	shards, err := l.enc.encode(datagram)
	l.sendMu.Unlock()

	var firstErr error
	for _, s := range shards {
		if err := l.inner.Send(ctx, s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err != nil {
		return err
	}
	return firstErr
}

// Receive returns the next datagram, received directly or rebuilt from parity.
// Shards that fail to parse are dropped.
func (l *Link) Receive(ctx context.Context) ([]byte, net.Addr, error) {
	for {
		if len(l.ready) > 0 {
			p := l.ready[0]
			l.ready[0] = pending{}
			l.ready = l.ready[1:]
			return p.data, p.from, nil
		}

		shard, from, err := l.inner.Receive(ctx)
		if err != nil {
			return nil, nil, err
		}
		datagrams, err := l.dec.decode(shard)
		if err != nil {
			l.dropped.Add(1)
			continue
		}
		for _, d := range datagrams {
			l.ready = append(l.ready, pending{data: d, from: from})
		}
	}
}

// SetPeer forwards to the wrapped link when it tracks peers.
func (l *Link) SetPeer(addr net.Addr) bool {
	if pt, ok := l.inner.(transport.PeerTracker); ok {
		return pt.SetPeer(addr)
	}
	return false
}

func (l *Link) LocalAddr() net.Addr { return l.inner.LocalAddr() }

func (l *Link) Close() error { return l.inner.Close() }

// Recovered returns how many datagrams were rebuilt from parity.
func (l *Link) Recovered() uint64 { return l.dec.recovered.Load() }

// Dropped returns how many shards were discarded as malformed.
func (l *Link) Dropped() uint64 { return l.dropped.Load() }

// Overhead returns the bandwidth overhead ratio of the configuration.
func (l *Link) Overhead() float64 { return l.codec.Overhead() }

var (
	_ transport.Link        = (*Link)(nil)
	_ transport.PeerTracker = (*Link)(nil)
)
