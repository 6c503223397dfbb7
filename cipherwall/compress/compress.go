// Package compress implements optional LZ4 compression of tunnel payloads.
//
// Compression happens on the plaintext side of the codec, so the protected datagram
// layout is unchanged. Both endpoints must agree on whether it is enabled.
package compress

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/pierrec/lz4/v4"
)

const (
	markerRaw  byte = 0x00
	markerLZ4  byte = 0x01
	lz4Header       = 3 // marker + uint16 original length

	// MaxPayload is the largest payload Pack and Unpack handle.
	MaxPayload = 65535
)

var (
	ErrEmpty         = errors.New("compress: empty frame")
	ErrUnknownMarker = errors.New("compress: unknown frame marker")
	ErrCorrupt       = errors.New("compress: corrupt frame")
	ErrTooLarge      = errors.New("compress: payload too large")
)

// compressorPool reuses LZ4 block compressors and their hash tables.
var compressorPool = sync.Pool{
	New: func() interface{} {
		return new(lz4.Compressor)
	},
}

// Pack frames payload, compressing it when that makes it smaller.
//
//	0x00 || payload
//	0x01 || original length (uint16 BE) || lz4 block
func Pack(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, ErrTooLarge
	}

	buf := make([]byte, lz4Header+lz4.CompressBlockBound(len(payload)))
	c := compressorPool.Get().(*lz4.Compressor)
	n, err := c.CompressBlock(payload, buf[lz4Header:])
	compressorPool.Put(c)

	// n == 0 means the block is incompressible.
	if err != nil || n == 0 || lz4Header+n >= 1+len(payload) {
		out := make([]byte, 1+len(payload))
		out[0] = markerRaw
		copy(out[1:], payload)
		return out, nil
	}

	buf[0] = markerLZ4
	binary.BigEndian.PutUint16(buf[1:lz4Header], uint16(len(payload)))
	return buf[:lz4Header+n], nil
}

// Unpack reverses Pack.
func Unpack(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, ErrEmpty
	}
	switch frame[0] {
	case markerRaw:
		return append([]byte(nil), frame[1:]...), nil
	case markerLZ4:
		if len(frame) < lz4Header {
			return nil, ErrCorrupt
		}
		size := int(binary.BigEndian.Uint16(frame[1:lz4Header]))
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(frame[lz4Header:], out)
		if err != nil || n != size {
			return nil, ErrCorrupt
		}
		return out, nil
	default:
		return nil, ErrUnknownMarker
	}
}

// Compressor adapts Pack and Unpack to the tunnel's payload transform.
type Compressor struct{}

// Pack implements the outbound transform.
func (Compressor) Pack(payload []byte) ([]byte, error) { return Pack(payload) }

// Unpack implements the inbound transform.
func (Compressor) Unpack(frame []byte) ([]byte, error) { return Unpack(frame) }
