// Package udp provides transport.Link over plain UDP sockets.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/TheusHen/cipherwall/cipherwall/transport"
)

// Link is a UDP datagram link. A dialed link always sends to its server; a listening
// link sends to the last peer passed to SetPeer.
type Link struct {
	conn   *net.UDPConn
	dialed bool
	peer   atomic.Pointer[net.UDPAddr]
	closed atomic.Bool
	rbuf   []byte
}

// Listen opens a server link on addr (for example ":1194").
func Listen(addr string) (*Link, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &Link{conn: conn, rbuf: make([]byte, transport.MaxDatagramSize)}, nil
}

// Dial opens a client link to the server at addr.
func Dial(addr string) (*Link, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, err
	}
	l := &Link{conn: conn, dialed: true, rbuf: make([]byte, transport.MaxDatagramSize)}
	l.peer.Store(udpAddr)
	return l, nil
}

// Send writes one datagram to the peer.
func (l *Link) Send(ctx context.Context, datagram []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.closed.Load() {
		return transport.ErrClosed
	}
	if l.dialed {
		_, err := l.conn.Write(datagram)
		return err
	}
	peer := l.peer.Load()
	if peer == nil {
		return transport.ErrNoPeer
	}
	_, err := l.conn.WriteToUDP(datagram, peer)
	return err
}

// Receive blocks until a datagram arrives, the context deadline passes or the link is
// closed. Cancelling a context without a deadline does not unblock it; close the link.
// Other socket errors are wrapped in transport.ErrTransient and the link stays usable.
// It must not be called concurrently.
func (l *Link) Receive(ctx context.Context) ([]byte, net.Addr, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	deadline, _ := ctx.Deadline()
	if err := l.conn.SetReadDeadline(deadline); err != nil && !l.closed.Load() {
		return nil, nil, err
	}
	n, addr, err := l.conn.ReadFromUDP(l.rbuf)
	if err != nil {
		var ne net.Error
		switch {
		case l.closed.Load() || errors.Is(err, net.ErrClosed):
			return nil, nil, transport.ErrClosed
		case errors.As(err, &ne) && ne.Timeout() && !deadline.IsZero():
			return nil, nil, context.DeadlineExceeded
		}
		return nil, nil, fmt.Errorf("%w: %v", transport.ErrTransient, err)
	}
	return append([]byte(nil), l.rbuf[:n]...), addr, nil
}

// SetPeer records addr as the destination for Send. Dialed links ignore it.
func (l *Link) SetPeer(addr net.Addr) bool {
	if l.dialed {
		return false
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return false
	}
	old := l.peer.Swap(udpAddr)
	return old == nil || old.String() != udpAddr.String()
}

// Peer returns the current destination, or nil.
func (l *Link) Peer() net.Addr {
	if p := l.peer.Load(); p != nil {
		return p
	}
	return nil
}

func (l *Link) LocalAddr() net.Addr { return l.conn.LocalAddr() }

func (l *Link) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.conn.Close()
}

var (
	_ transport.Link        = (*Link)(nil)
	_ transport.PeerTracker = (*Link)(nil)
)
