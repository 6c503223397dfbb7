package packet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"sync"

	"github.com/TheusHen/cipherwall/cipherwall/crypto"
)

var (
	ErrMalformedDatagram       = errors.New("packet: datagram too short")
	ErrAuthenticationFailed    = errors.New("packet: authentication failed")
	ErrRandomSourceUnavailable = errors.New("packet: random source unavailable")
)

// IsDropped reports whether err concerns a single received datagram. Such datagrams are
// discarded and the receiver carries on with the next one.
func IsDropped(err error) bool {
	return errors.Is(err, ErrMalformedDatagram) || errors.Is(err, ErrAuthenticationFailed)
}

// Codec encodes and decodes datagrams under a fixed pair of derived keys.
// It is safe for concurrent use.
type Codec struct {
	block  cipher.Block
	macs   sync.Pool
	random io.Reader
}

// Option configures a Codec.
type Option func(*Codec)

// WithRandom replaces the IV source. Readers other than crypto/rand.Reader are
// serialized by the codec.
func WithRandom(r io.Reader) Option {
	return func(c *Codec) {
		if r == rand.Reader {
			c.random = r
			return
		}
		c.random = &lockedReader{r: r}
	}
}

// NewCodec creates a codec from derived keys. The keys are copied.
func NewCodec(keys crypto.DerivedKeys, opts ...Option) (*Codec, error) {
	block, err := aes.NewCipher(keys.EncryptionKey[:])
	if err != nil {
		return nil, err
	}
	authKey := keys.AuthenticationKey
	c := &Codec{
		block:  block,
		random: rand.Reader,
	}
	c.macs.New = func() interface{} {
		return hmac.New(sha256.New, authKey[:])
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Overhead returns the number of bytes Encode adds to a payload.
func (c *Codec) Overhead() int { return HeaderSize }

// Encode protects plaintext and returns tag || iv || ciphertext.
func (c *Codec) Encode(plaintext []byte) ([]byte, error) {
	out := make([]byte, EncodedLen(len(plaintext)))
	iv := out[TagSize:HeaderSize]
	if _, err := io.ReadFull(c.random, iv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRandomSourceUnavailable, err)
	}

	cipher.NewCFBEncrypter(c.block, iv).XORKeyStream(out[HeaderSize:], plaintext)

	mac := c.macs.Get().(hash.Hash)
	mac.Reset()
	mac.Write(authenticated(out))
	mac.Sum(out[:0])
	c.macs.Put(mac)
	return out, nil
}

// Decode verifies datagram and returns its payload in a new buffer.
// The tag is checked before the ciphertext is decrypted.
func (c *Codec) Decode(datagram []byte) ([]byte, error) {
	d, err := Parse(datagram)
	if err != nil {
		return nil, err
	}

	var expected [TagSize]byte
	mac := c.macs.Get().(hash.Hash)
	mac.Reset()
	mac.Write(authenticated(datagram))
	mac.Sum(expected[:0])
	c.macs.Put(mac)
	if !hmac.Equal(expected[:], d.Tag) {
		return nil, ErrAuthenticationFailed
	}

	plaintext := make([]byte, len(d.Ciphertext))
	cipher.NewCFBDecrypter(c.block, d.IV).XORKeyStream(plaintext, d.Ciphertext)
	return plaintext, nil
}

// Encode protects plaintext under keys using the system random source.
func Encode(plaintext []byte, keys crypto.DerivedKeys) ([]byte, error) {
	c, err := NewCodec(keys)
	if err != nil {
		return nil, err
	}
	return c.Encode(plaintext)
}

// Decode verifies and decrypts datagram under keys.
func Decode(datagram []byte, keys crypto.DerivedKeys) ([]byte, error) {
	c, err := NewCodec(keys)
	if err != nil {
		return nil, err
	}
	return c.Decode(datagram)
}

type lockedReader struct {
	mu sync.Mutex
	r  io.Reader
}

func (l *lockedReader) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Read(p)
}
