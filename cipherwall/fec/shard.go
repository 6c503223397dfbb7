package fec

import (
	"encoding/binary"
	"errors"
	"math"
	"sync/atomic"
)

const (
	// KindData marks a shard carrying one datagram.
	KindData uint16 = 0xf1
	// KindParity marks a Reed-Solomon parity shard.
	KindParity uint16 = 0xf2

	headerSize = 6 // seq uint32 + kind uint16
	sizeSize   = 2 // datagram length inside a data body

	// MaxDatagram is the largest datagram a data shard can carry.
	MaxDatagram = math.MaxUint16 - headerSize - sizeSize

	// MaxGroupLag is how many groups behind the newest one the decoder still accepts
	// shards for. Older groups are evicted and their shards dropped.
	MaxGroupLag = 16

	// resyncLag is how far behind the newest group a shard must be before the decoder
	// takes it as a sender that restarted its sequence and starts over.
	resyncLag = 4 * MaxGroupLag
)

var (
	ErrShortShard  = errors.New("fec: shard too short")
	ErrUnknownKind = errors.New("fec: unknown shard kind")
	ErrBadIndex    = errors.New("fec: shard kind does not match its index")
	ErrTooLarge    = errors.New("fec: datagram too large")
	ErrStaleShard  = errors.New("fec: shard belongs to an evicted group")
)

type header struct {
	seq  uint32
	kind uint16
}

func putHeader(b []byte, h header) {
	binary.BigEndian.PutUint32(b[0:4], h.seq)
	binary.BigEndian.PutUint16(b[4:6], h.kind)
}

func parseShard(b []byte) (header, []byte, error) {
	if len(b) < headerSize {
		return header{}, nil, ErrShortShard
	}
	h := header{
		seq:  binary.BigEndian.Uint32(b[0:4]),
		kind: binary.BigEndian.Uint16(b[4:6]),
	}
	if h.kind != KindData && h.kind != KindParity {
		return header{}, nil, ErrUnknownKind
	}
	return h, b[headerSize:], nil
}

// seqLimit is the largest multiple of total not above MaxUint32, so that groups stay
// aligned when the sequence number wraps.
func seqLimit(total int) uint32 {
	return uint32(math.MaxUint32/uint32(total)) * uint32(total)
}

// encoder turns datagrams into data shards and, once a group is full, parity shards.
type encoder struct {
	codec  *Codec
	next   uint32
	limit  uint32
	bodies [][]byte
}

func newEncoder(codec *Codec) *encoder {
	return &encoder{
		codec:  codec,
		limit:  seqLimit(codec.TotalShards()),
		bodies: make([][]byte, 0, codec.DataShards()),
	}
}

func (e *encoder) nextSeq() uint32 {
	seq := e.next
	e.next = (e.next + 1) % e.limit
	return seq
}

// encode returns the shards to put on the wire for datagram, in order.
func (e *encoder) encode(datagram []byte) ([][]byte, error) {
	if len(datagram) > MaxDatagram {
		return nil, ErrTooLarge
	}

	shard := make([]byte, headerSize+sizeSize+len(datagram))
	putHeader(shard, header{seq: e.nextSeq(), kind: KindData})
	binary.BigEndian.PutUint16(shard[headerSize:], uint16(len(datagram)))
	copy(shard[headerSize+sizeSize:], datagram)

	out := [][]byte{shard}
	e.bodies = append(e.bodies, shard[headerSize:])
	if len(e.bodies) < e.codec.DataShards() {
		return out, nil
	}

	parity, err := e.parity()
	e.bodies = e.bodies[:0]
	if err != nil {
		return out, err
	}
	return append(out, parity...), nil
}

func (e *encoder) parity() ([][]byte, error) {
	maxLen := 0
	for _, b := range e.bodies {
		if len(b) > maxLen {
			maxLen = len(b)
		}
	}

	shards := make([][]byte, e.codec.TotalShards())
	for i, b := range e.bodies {
		padded := make([]byte, maxLen)
		copy(padded, b)
		shards[i] = padded
	}
	wire := make([][]byte, e.codec.ParityShards())
	for j := range wire {
		w := make([]byte, headerSize+maxLen)
		putHeader(w, header{seq: e.nextSeq(), kind: KindParity})
		wire[j] = w
		shards[e.codec.DataShards()+j] = w[headerSize:]
	}
	if err := e.codec.Encode(shards); err != nil {
		return nil, err
	}
	return wire, nil
}

type group struct {
	bodies [][]byte
	have   int
	done   bool
}

// decoder collects shards per group and yields datagrams, recovering lost ones when it can.
// Groups are numbered seq/total and compared modulo the number of groups in a sequence
// cycle, so the window keeps working across a wrap.
type decoder struct {
	codec   *Codec
	groups  map[uint32]*group
	cycle   uint32
	newest  uint32
	started bool

	recovered atomic.Uint64
}

func newDecoder(codec *Codec) *decoder {
	return &decoder{
		codec:  codec,
		groups: map[uint32]*group{},
		cycle:  seqLimit(codec.TotalShards()) / uint32(codec.TotalShards()),
	}
}

// behind reports how many groups n trails the newest group; negative when n is ahead.
func (d *decoder) behind(n uint32) int64 {
	diff := (uint64(d.newest) + uint64(d.cycle) - uint64(n)) % uint64(d.cycle)
	if diff > uint64(d.cycle)/2 {
		return int64(diff) - int64(d.cycle)
	}
	return int64(diff)
}

// group returns the state of group n, or nil when n is more than MaxGroupLag groups
// behind the newest. Advancing the newest group evicts everything that falls out of
// the window, so a late shard can never reopen a group that was already delivered.
func (d *decoder) group(n uint32) *group {
	if !d.started {
		d.started, d.newest = true, n
	}
	switch lag := d.behind(n); {
	case lag > resyncLag:
		clear(d.groups)
		d.newest = n
	case lag > MaxGroupLag:
		return nil
	case lag < 0:
		d.newest = n
		for k := range d.groups {
			if d.behind(k) > MaxGroupLag {
				delete(d.groups, k)
			}
		}
	}

	g, ok := d.groups[n]
	if !ok {
		g = &group{bodies: make([][]byte, d.codec.TotalShards())}
		d.groups[n] = g
	}
	return g
}

// decode consumes one shard and returns the datagrams it makes available.
func (d *decoder) decode(shard []byte) ([][]byte, error) {
	h, body, err := parseShard(shard)
	if err != nil {
		return nil, err
	}
	total := uint32(d.codec.TotalShards())
	idx := int(h.seq % total)
	isData := idx < d.codec.DataShards()
	if isData != (h.kind == KindData) {
		return nil, ErrBadIndex
	}

	var datagram []byte
	if isData {
		if datagram, err = dataPayload(body); err != nil {
			return nil, err
		}
	}

	g := d.group(h.seq / total)
	if g == nil {
		return nil, ErrStaleShard
	}
	if g.done || g.bodies[idx] != nil {
		return nil, nil
	}
	g.bodies[idx] = append([]byte(nil), body...)
	g.have++

	var out [][]byte
	if isData {
		out = append(out, append([]byte(nil), datagram...))
	}
	d.tryRecover(g, &out)
	return out, nil
}

func (d *decoder) tryRecover(g *group, out *[][]byte) {
	dataShards := d.codec.DataShards()
	if g.have < dataShards {
		return
	}

	missing := make([]int, 0, dataShards)
	for i := 0; i < dataShards; i++ {
		if g.bodies[i] == nil {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		g.done = true
		return
	}

	shardLen := 0
	for i := dataShards; i < len(g.bodies); i++ {
		if g.bodies[i] != nil {
			shardLen = len(g.bodies[i])
			break
		}
	}

	shards := make([][]byte, len(g.bodies))
	for i, b := range g.bodies {
		if b == nil {
			continue
		}
		if len(b) > shardLen || (i >= dataShards && len(b) != shardLen) {
			g.done = true
			return
		}
		padded := make([]byte, shardLen)
		copy(padded, b)
		shards[i] = padded
	}

	g.done = true
	if err := d.codec.ReconstructData(shards); err != nil {
		return
	}
	for _, i := range missing {
		datagram, err := dataPayload(shards[i])
		if err != nil {
			continue
		}
		*out = append(*out, datagram)
		d.recovered.Add(1)
	}
}

func dataPayload(body []byte) ([]byte, error) {
	if len(body) < sizeSize {
		return nil, ErrShortShard
	}
	n := int(binary.BigEndian.Uint16(body))
	if n > len(body)-sizeSize {
		return nil, ErrShortShard
	}
	return body[sizeSize : sizeSize+n], nil
}
