package fec

import (
	"context"
	"fmt"
	"net"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

// memLink is an in-memory transport.Link half. drop decides, by send index, which
// outgoing shards are lost.
type memLink struct {
	name string
	out  chan []byte
	in   chan []byte
	drop func(i int) bool
	sent int
}

func memPipe() (*memLink, *memLink) {
	ab := make(chan []byte, 1024)
	ba := make(chan []byte, 1024)
	return &memLink{name: "a", out: ab, in: ba}, &memLink{name: "b", out: ba, in: ab}
}

func (m *memLink) Send(ctx context.Context, b []byte) error {
	i := m.sent
	m.sent++
	if m.drop != nil && m.drop(i) {
		return nil
	}
	m.out <- append([]byte(nil), b...)
	return nil
}

func (m *memLink) Receive(ctx context.Context) ([]byte, net.Addr, error) {
	select {
	case b := <-m.in:
		return b, memAddr(m.name), nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (m *memLink) LocalAddr() net.Addr { return memAddr(m.name) }
func (m *memLink) Close() error        { return nil }

func receiveN(t *testing.T, l *Link, n int) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got []string
	for i := 0; i < n; i++ {
		b, _, err := l.Receive(ctx)
		require.NoError(t, err)
		got = append(got, string(b))
	}
	return got
}

func assertDrained(t *testing.T, l *Link) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	b, _, err := l.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "unexpected extra datagram %q", b)
}

func messages(n int) []string {
	out := make([]string, n)
	for i := range out {
		// vary lengths so parity covers padded bodies
		out[i] = fmt.Sprintf("datagram-%d-%s", i, string(make([]byte, i*3)))
	}
	return out
}

func TestLinkNoLoss(t *testing.T) {
	a, b := memPipe()
	sender, err := NewLink(a, 3, 2)
	require.NoError(t, err)
	receiver, err := NewLink(b, 3, 2)
	require.NoError(t, err)

	msgs := messages(9)
	for _, m := range msgs {
		require.NoError(t, sender.Send(context.Background(), []byte(m)))
	}
	// 3 groups of 3 data + 2 parity shards
	assert.Equal(t, 15, a.sent)

	assert.Equal(t, msgs, receiveN(t, receiver, len(msgs)))
	assertDrained(t, receiver)
	assert.Zero(t, receiver.Recovered())
}

func TestLinkRecoversLostShards(t *testing.T) {
	a, b := memPipe()
	// group layout: sends 0..2 data, 3..4 parity; lose two data shards of the first group
	a.drop = func(i int) bool { return i == 0 || i == 2 }

	sender, err := NewLink(a, 3, 2)
	require.NoError(t, err)
	receiver, err := NewLink(b, 3, 2)
	require.NoError(t, err)

	msgs := messages(6)
	for _, m := range msgs {
		require.NoError(t, sender.Send(context.Background(), []byte(m)))
	}

	got := receiveN(t, receiver, len(msgs))
	sort.Strings(got)
	want := append([]string(nil), msgs...)
	sort.Strings(want)
	assert.Equal(t, want, got)
	assert.Equal(t, uint64(2), receiver.Recovered())
	assertDrained(t, receiver)
}

func TestLinkTooManyLost(t *testing.T) {
	a, b := memPipe()
	// lose all three data shards and one parity shard of the first group
	a.drop = func(i int) bool { return i <= 3 }

	sender, err := NewLink(a, 3, 2)
	require.NoError(t, err)
	receiver, err := NewLink(b, 3, 2)
	require.NoError(t, err)

	msgs := messages(6)
	for _, m := range msgs {
		require.NoError(t, sender.Send(context.Background(), []byte(m)))
	}

	assert.Equal(t, msgs[3:], receiveN(t, receiver, 3))
	assertDrained(t, receiver)
	assert.Zero(t, receiver.Recovered())
}

func TestLinkDropsMalformedShards(t *testing.T) {
	a, b := memPipe()
	sender, err := NewLink(a, 2, 1)
	require.NoError(t, err)
	receiver, err := NewLink(b, 2, 1)
	require.NoError(t, err)

	// too short
	b.in <- []byte{1, 2}
	// unknown kind
	b.in <- []byte{0, 0, 0, 0, 0xaa, 0xbb, 0x1}
	// data kind at a parity index
	b.in <- []byte{0, 0, 0, 2, 0x00, 0xf1, 0x00, 0x01, 'x'}
	// length beyond body
	b.in <- []byte{0, 0, 0, 0, 0x00, 0xf1, 0x00, 0x09, 'x'}

	require.NoError(t, sender.Send(context.Background(), []byte("valid")))
	assert.Equal(t, []string{"valid"}, receiveN(t, receiver, 1))
	assert.Equal(t, uint64(4), receiver.Dropped())
}

func TestLinkIgnoresDuplicates(t *testing.T) {
	a, b := memPipe()
	sender, err := NewLink(a, 2, 1)
	require.NoError(t, err)
	receiver, err := NewLink(b, 2, 1)
	require.NoError(t, err)

	require.NoError(t, sender.Send(context.Background(), []byte("once")))
	shard := <-a.out
	b.in <- shard
	b.in <- shard

	assert.Equal(t, []string{"once"}, receiveN(t, receiver, 1))
	assertDrained(t, receiver)
}

func TestSendTooLarge(t *testing.T) {
	a, _ := memPipe()
	l, err := NewLink(a, 2, 1)
	require.NoError(t, err)
	assert.ErrorIs(t, l.Send(context.Background(), make([]byte, MaxDatagram+1)), ErrTooLarge)
}

func TestSequenceWrapKeepsGroupsAligned(t *testing.T) {
	codec, err := NewCodec(3, 2)
	require.NoError(t, err)
	enc := newEncoder(codec)
	assert.Zero(t, enc.limit%5)

	enc.next = enc.limit - 5
	for i := 0; i < 3; i++ {
		_, err := enc.encode([]byte{byte(i)})
		require.NoError(t, err)
	}
	assert.Zero(t, enc.next, "sequence should wrap to the start of a group")
}

func TestCodecConfig(t *testing.T) {
	_, err := NewCodec(0, 2)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewCodec(3, 0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewCodec(200, 100)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	c, err := NewCodec(10, 3)
	require.NoError(t, err)
	assert.Equal(t, 13, c.TotalShards())
	assert.InDelta(t, 1.3, c.Overhead(), 1e-9)
}

func TestLinkDropsShardsOfEvictedGroups(t *testing.T) {
	a, b := memPipe()
	sender, err := NewLink(a, 2, 1)
	require.NoError(t, err)
	receiver, err := NewLink(b, 2, 1)
	require.NoError(t, err)

	// two data shards per group, enough groups to push the first out of the window
	msgs := messages(2 * (MaxGroupLag + 2))
	for _, m := range msgs {
		require.NoError(t, sender.Send(context.Background(), []byte(m)))
	}
	first := <-a.out
	b.in <- first
	for len(a.out) > 0 {
		b.in <- <-a.out
	}
	assert.Equal(t, msgs, receiveN(t, receiver, len(msgs)))

	// a late copy of the very first shard arrives
	b.in <- first
	assertDrained(t, receiver)
	assert.Equal(t, uint64(1), receiver.Dropped())
	assert.LessOrEqual(t, len(receiver.dec.groups), MaxGroupLag+1)
}

// feed decodes every shard and returns the datagrams delivered.
func feed(t *testing.T, dec *decoder, shards [][]byte) []string {
	t.Helper()
	var got []string
	for _, s := range shards {
		out, err := dec.decode(s)
		require.NoError(t, err)
		for _, d := range out {
			got = append(got, string(d))
		}
	}
	return got
}

func encodeAll(t *testing.T, enc *encoder, msgs []string) [][]byte {
	t.Helper()
	var shards [][]byte
	for _, m := range msgs {
		out, err := enc.encode([]byte(m))
		require.NoError(t, err)
		shards = append(shards, out...)
	}
	return shards
}

func TestDecoderWindowAcrossSequenceWrap(t *testing.T) {
	codec, err := NewCodec(3, 2)
	require.NoError(t, err)
	enc, dec := newEncoder(codec), newDecoder(codec)

	// three groups before the wrap and three after it
	enc.next = enc.limit - 3*5
	msgs := messages(18)
	shards := encodeAll(t, enc, msgs)
	require.Equal(t, uint32(15), enc.next)
	assert.Equal(t, msgs, feed(t, dec, shards))

	// a pre-wrap shard is still inside the window and must not be delivered again
	out, err := dec.decode(shards[0])
	require.NoError(t, err)
	assert.Empty(t, out)

	more := encodeAll(t, enc, messages(3*(MaxGroupLag+2)))
	feed(t, dec, more)
	_, err = dec.decode(shards[0])
	assert.ErrorIs(t, err, ErrStaleShard)
	_, err = dec.decode(shards[len(shards)-1])
	assert.ErrorIs(t, err, ErrStaleShard)
}

func TestDecoderResyncsAfterSenderRestart(t *testing.T) {
	codec, err := NewCodec(2, 1)
	require.NoError(t, err)
	dec := newDecoder(codec)

	msgs := messages(2 * (resyncLag + 2))
	assert.Equal(t, msgs, feed(t, dec, encodeAll(t, newEncoder(codec), msgs)))

	// a restarted sender begins again at sequence zero
	restarted := encodeAll(t, newEncoder(codec), []string{"hello again"})
	assert.Equal(t, []string{"hello again"}, feed(t, dec, restarted))
}
