// Package crypto provides the key material for the CipherWall packet protection protocol.
//
// Design goals:
//   - Both endpoints derive identical keys from a pre-shared 32-byte secret (no key exchange)
//   - Key stretching via PBKDF2-HMAC-SHA256 with a public salt and iteration count
//   - Independent encryption and authentication subkeys from a single 64-byte derivation
//   - Injectable randomness so packet encoding can be made reproducible in tests
package crypto
