// Package quic carries CipherWall datagrams in QUIC DATAGRAM frames (RFC 9221).
//
// QUIC datagrams are unreliable and unordered, which keeps the tunnel's packet semantics,
// while the QUIC connection gives NAT keepalive and connection migration. Datagrams are
// limited by the path MTU, so the tunnel MTU should stay around 1100 bytes.
package quic

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	q "github.com/quic-go/quic-go"

	"github.com/TheusHen/cipherwall/cipherwall/transport"
)

const (
	keepAlivePeriod = 15 * time.Second
	maxIdleTimeout  = 60 * time.Second
	incomingBacklog = 256
)

func quicConfig() *q.Config {
	return &q.Config{
		EnableDatagrams: true,
		KeepAlivePeriod: keepAlivePeriod,
		MaxIdleTimeout:  maxIdleTimeout,
	}
}

type datagram struct {
	data []byte
	from net.Addr
}

// Link is a transport.Link over one or more QUIC connections. A listening link accepts
// any number of connections and sends on the one most recently passed to SetPeer.
// A dialed link closes itself when its connection ends.
type Link struct {
	ln     *q.Listener
	dialed bool

	mu      sync.Mutex
	conns   map[string]q.Connection
	current q.Connection

	incoming  chan datagram
	done      chan struct{}
	closeOnce sync.Once
	cause     error // set before done is closed
}

func newLink(ln *q.Listener, dialed bool) *Link {
	return &Link{
		ln:       ln,
		dialed:   dialed,
		conns:    map[string]q.Connection{},
		incoming: make(chan datagram, incomingBacklog),
		done:     make(chan struct{}),
	}
}

// Listen accepts QUIC connections on addr.
func Listen(addr string) (*Link, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := q.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	l := newLink(ln, false)
	go l.acceptLoop()
	return l, nil
}

// Dial connects to a listening link at addr.
func Dial(ctx context.Context, addr string) (*Link, error) {
	conn, err := q.DialAddr(ctx, addr, clientTLSConfig(), quicConfig())
	if err != nil {
		return nil, err
	}
	l := newLink(nil, true)
	l.current = conn
	l.track(conn)
	return l, nil
}

func (l *Link) acceptLoop() {
	for {
		conn, err := l.ln.Accept(context.Background())
		if err != nil {
			return
		}
		l.track(conn)
	}
}

func (l *Link) track(conn q.Connection) {
	key := conn.RemoteAddr().String()
	l.mu.Lock()
	l.conns[key] = conn
	l.mu.Unlock()
	go l.readLoop(key, conn)
}

func (l *Link) readLoop(key string, conn q.Connection) {
	var lost error
	defer func() {
		l.mu.Lock()
		if l.conns[key] == conn {
			delete(l.conns, key)
		}
		if l.current == conn {
			l.current = nil
		}
		l.mu.Unlock()
		if lost != nil && l.dialed {
			_ = l.shutdown(fmt.Errorf("connection lost: %w", lost))
		}
	}()
	for {
		b, err := conn.ReceiveDatagram(conn.Context())
		if err != nil {
			lost = err
			return
		}
		select {
		case l.incoming <- datagram{data: b, from: conn.RemoteAddr()}:
		case <-l.done:
			return
		}
	}
}

// Send writes one datagram on the current connection.
func (l *Link) Send(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-l.done:
		return l.closedErr()
	default:
	}
	l.mu.Lock()
	conn := l.current
	l.mu.Unlock()
	if conn == nil {
		return transport.ErrNoPeer
	}
	return conn.SendDatagram(b)
}

// Receive returns the next datagram from any tracked connection.
func (l *Link) Receive(ctx context.Context) ([]byte, net.Addr, error) {
	select {
	case d := <-l.incoming:
		return d.data, d.from, nil
	case <-l.done:
		return nil, nil, l.closedErr()
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// SetPeer selects the connection whose remote address is addr for sending.
func (l *Link) SetPeer(addr net.Addr) bool {
	if l.dialed || addr == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	conn, ok := l.conns[addr.String()]
	if !ok || conn == l.current {
		return false
	}
	l.current = conn
	return true
}

func (l *Link) LocalAddr() net.Addr {
	if l.ln != nil {
		return l.ln.Addr()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != nil {
		return l.current.LocalAddr()
	}
	return nil
}

func (l *Link) Close() error { return l.shutdown(nil) }

func (l *Link) shutdown(cause error) error {
	var err error
	l.closeOnce.Do(func() {
		l.cause = cause
		close(l.done)
		if l.ln != nil {
			err = l.ln.Close()
		}
		l.mu.Lock()
		for _, conn := range l.conns {
			_ = conn.CloseWithError(0, "closed")
		}
		l.mu.Unlock()
	})
	return err
}

// closedErr is only valid once done is closed.
func (l *Link) closedErr() error {
	if l.cause != nil {
		return fmt.Errorf("%w: %v", transport.ErrClosed, l.cause)
	}
	return transport.ErrClosed
}

var (
	_ transport.Link        = (*Link)(nil)
	_ transport.PeerTracker = (*Link)(nil)
)
