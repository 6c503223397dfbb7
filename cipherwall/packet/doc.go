// Package packet implements the CipherWall datagram codec.
//
// A datagram is laid out as
//
//	tag (32 bytes) || iv (16 bytes) || ciphertext (N bytes)
//
// where ciphertext is the payload encrypted with AES-256 in CFB mode (128-bit segments)
// under a fresh random IV, and tag is HMAC-SHA256 over iv || ciphertext. Decoding verifies
// the tag in constant time before any decryption takes place.
//
// The protocol carries no sequence number: a captured datagram replayed verbatim verifies
// again. Anti-replay belongs to whatever layer extends this codec into a full transport.
package packet
