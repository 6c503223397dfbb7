package fec

import (
	"errors"

	"github.com/klauspost/reedsolomon"
)

var (
	ErrTooManyLost   = errors.New("fec: too many shards lost, cannot recover")
	ErrInvalidConfig = errors.New("fec: invalid data/parity configuration")
)

// Codec provides Reed-Solomon encoding/decoding over equally sized shards.
type Codec struct {
	enc          reedsolomon.Encoder
	dataShards   int
	parityShards int
}

// NewCodec creates a new erasure codec.
// dataShards: number of data shards
// parityShards: number of parity shards (can lose up to this many)
func NewCodec(dataShards, parityShards int) (*Codec, error) {
	if dataShards <= 0 || parityShards <= 0 || dataShards+parityShards > 256 {
		return nil, ErrInvalidConfig
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	return &Codec{
		enc:          enc,
		dataShards:   dataShards,
		parityShards: parityShards,
	}, nil
}

// DataShards returns the number of data shards.
func (c *Codec) DataShards() int { return c.dataShards }

// ParityShards returns the number of parity shards.
func (c *Codec) ParityShards() int { return c.parityShards }

// TotalShards returns the total number of shards (data + parity).
func (c *Codec) TotalShards() int { return c.dataShards + c.parityShards }

// Encode computes parity shards for the given data shards.
// The shards slice must have exactly TotalShards() elements,
// with the first DataShards() containing data and the rest being parity (to be filled).
func (c *Codec) Encode(shards [][]byte) error {
	return c.enc.Encode(shards)
}

// ReconstructData reconstructs missing data shards. Missing shards are nil.
// Returns ErrTooManyLost if too many shards are missing.
func (c *Codec) ReconstructData(shards [][]byte) error {
	err := c.enc.ReconstructData(shards)
	if err != nil {
		if errors.Is(err, reedsolomon.ErrTooFewShards) {
			return ErrTooManyLost
		}
		return err
	}
	return nil
}

// Overhead returns the bandwidth overhead ratio (e.g., 1.3 for 10+3 config).
func (c *Codec) Overhead() float64 {
	return float64(c.TotalShards()) / float64(c.dataShards)
}
