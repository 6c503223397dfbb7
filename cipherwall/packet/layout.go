package packet

import (
	"crypto/aes"
	"crypto/sha256"
)

const (
	// TagSize is the HMAC-SHA256 tag length.
	TagSize = sha256.Size
	// IVSize is the AES block size used as CFB initialization value.
	IVSize = aes.BlockSize
	// HeaderSize is the fixed overhead every datagram carries.
	HeaderSize = TagSize + IVSize
)

// Datagram is a parsed view over an encoded datagram. The slices alias the input.
type Datagram struct {
	Tag        []byte
	IV         []byte
	Ciphertext []byte
}

// Parse splits b into its fixed-width fields without verifying anything.
func Parse(b []byte) (Datagram, error) {
	if len(b) < HeaderSize {
		return Datagram{}, ErrMalformedDatagram
	}
	return Datagram{
		Tag:        b[:TagSize],
		IV:         b[TagSize:HeaderSize],
		Ciphertext: b[HeaderSize:],
	}, nil
}

// authenticated returns the region covered by the tag (iv || ciphertext).
func authenticated(b []byte) []byte { return b[TagSize:] }

// EncodedLen returns the datagram length for a payload of n bytes.
func EncodedLen(n int) int { return HeaderSize + n }
