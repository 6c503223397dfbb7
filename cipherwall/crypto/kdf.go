package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// SecretSize is the required length of the pre-shared secret.
	SecretSize = 32
	// KeySize is the length of each derived subkey (AES-256 and HMAC-SHA256).
	KeySize = 32
	// MinIterations is the lowest PBKDF2 iteration count Derive accepts.
	MinIterations = 100000

	// DefaultSalt and DefaultIterations must match on both endpoints.
	DefaultSalt       = "cipherwall-salt-2025"
	DefaultIterations = 100000

	fingerprintInfo = "cipherwall key fingerprint"
	fingerprintSize = 8
)

var (
	ErrInvalidSecretLength   = errors.New("crypto: shared secret must be exactly 32 bytes")
	ErrInvalidIterationCount = errors.New("crypto: iteration count below minimum")
)

// Params are the public derivation parameters shared by both endpoints.
type Params struct {
	Salt       []byte
	Iterations int
}

// DefaultParams returns the parameters used when none are configured.
func DefaultParams() Params {
	return Params{Salt: []byte(DefaultSalt), Iterations: DefaultIterations}
}

// Validate checks the parameters without running the derivation.
func (p Params) Validate() error {
	if p.Iterations < MinIterations {
		return fmt.Errorf("%w: %d < %d", ErrInvalidIterationCount, p.Iterations, MinIterations)
	}
	return nil
}

// DerivedKeys holds the two subkeys derived from the shared secret.
// A DerivedKeys value is read-only once returned by Derive.
type DerivedKeys struct {
	EncryptionKey     [KeySize]byte
	AuthenticationKey [KeySize]byte
}

// Derive stretches secret into an encryption key and an authentication key using
// PBKDF2-HMAC-SHA256. The first 32 output bytes become the encryption key and the
// last 32 the authentication key.
func Derive(secret []byte, params Params) (DerivedKeys, error) {
	if len(secret) != SecretSize {
		return DerivedKeys{}, fmt.Errorf("%w: got %d", ErrInvalidSecretLength, len(secret))
	}
	if err := params.Validate(); err != nil {
		return DerivedKeys{}, err
	}

	master := pbkdf2.Key(secret, params.Salt, params.Iterations, 2*KeySize, sha256.New)
	defer ZeroBytes(master)

	var keys DerivedKeys
	copy(keys.EncryptionKey[:], master[:KeySize])
	copy(keys.AuthenticationKey[:], master[KeySize:])
	return keys, nil
}

// Fingerprint returns a short hex identifier of the key pair. It is safe to log and
// lets operators check that two endpoints derived the same keys.
func (k *DerivedKeys) Fingerprint() string {
	fp, err := DeriveKey(k.AuthenticationKey[:], nil, []byte(fingerprintInfo), fingerprintSize)
	if err != nil {
		return ""
	}
	return hex.EncodeToString(fp)
}

// Zero wipes both keys.
func (k *DerivedKeys) Zero() {
	ZeroBytes(k.EncryptionKey[:])
	ZeroBytes(k.AuthenticationKey[:])
}

// DeriveKey derives a key of the specified length using HKDF-SHA256.
// salt can be nil (uses zero salt), info provides context binding.
func DeriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	hk := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, err
	}
	return key, nil
}
