// Package transport defines the datagram links CipherWall sends protected packets over.
//
// A link moves opaque byte blobs to and from one peer. It performs no addressing beyond
// remembering that peer, no retransmission and no fragmentation.
package transport

import (
	"context"
	"errors"
	"net"
)

// MaxDatagramSize bounds a single received datagram.
const MaxDatagramSize = 65535

var (
	ErrNoPeer = errors.New("transport: no authenticated peer yet")
	ErrClosed = errors.New("transport: link closed")
	// ErrTransient wraps receive failures that leave the link usable, such as the
	// refusal a connected UDP socket reports after an ICMP port unreachable.
	ErrTransient = errors.New("transport: transient receive error")
)

// Link is a point-to-point datagram link.
// Send may be called concurrently with Receive. Receive returns a buffer owned by the caller.
type Link interface {
	Send(ctx context.Context, datagram []byte) error
	Receive(ctx context.Context) ([]byte, net.Addr, error)
	LocalAddr() net.Addr
	Close() error
}

// PeerTracker is implemented by server-side links that learn their peer from traffic.
// Callers invoke SetPeer only for datagrams that authenticated, so an unauthenticated
// sender can never redirect the link. It reports whether the peer changed.
type PeerTracker interface {
	SetPeer(addr net.Addr) bool
}
