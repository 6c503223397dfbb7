// Package cipherwall ties the CipherWall building blocks into a tunnel endpoint.
//
// CipherWall is a minimal pre-shared-key VPN. Both ends hold the same 32-byte secret and
// derive an AES-256 encryption key and an HMAC-SHA256 authentication key from it with
// PBKDF2. Every IP packet read from the TUN device travels as one datagram laid out as
// tag || iv || ciphertext, and every received datagram is authenticated before it is
// decrypted or written back to the device.
//
// The subpackages can be used on their own: crypto derives keys, packet encodes and
// decodes datagrams, transport moves them over UDP or QUIC, fec and compress are optional
// layers, tun opens the device and tunnel runs the packet pump.
package cipherwall
