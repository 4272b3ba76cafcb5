// Package crypto provides the key-exchange primitives for duovoice calls.
// It uses X25519 for the ephemeral Diffie-Hellman exchange and HKDF-SHA256
// to derive the per-call session key.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 keys and derived session keys in bytes.
	KeySize = 32

	// NonceSize is the size of handshake nonces in bytes.
	NonceSize = 32
)

// RandomNonce returns a fresh 32-byte handshake nonce from crypto/rand.
func RandomNonce() ([NonceSize]byte, error) {
	var n [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return n, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}

// GenerateEphemeralKeypair generates a new ephemeral X25519 keypair for a
// single handshake. The private key must be zeroed after computing the
// shared secret.
func GenerateEphemeralKeypair() (privateKey, publicKey [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return privateKey, publicKey, fmt.Errorf("generate private key: %w", err)
	}

	// Clamp the private key per X25519 spec
	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	curve25519.ScalarBaseMult(&publicKey, &privateKey)

	return privateKey, publicKey, nil
}

// ComputeECDH performs X25519 Diffie-Hellman key exchange and returns the
// shared secret. The shared secret should be passed to DeriveSessionKey.
func ComputeECDH(privateKey, remotePublicKey [KeySize]byte) ([KeySize]byte, error) {
	var sharedSecret [KeySize]byte

	// Check for low-order points (all zeros public key is invalid)
	var zeroKey [KeySize]byte
	if remotePublicKey == zeroKey {
		return sharedSecret, fmt.Errorf("invalid remote public key: zero key")
	}

	curve25519.ScalarMult(&sharedSecret, &privateKey, &remotePublicKey)

	if sharedSecret == zeroKey {
		return sharedSecret, fmt.Errorf("invalid ECDH result: low-order point")
	}

	return sharedSecret, nil
}

// DeriveSessionKey derives the 32-byte symmetric session key from an ECDH
// shared secret. Both handshake nonces are mixed into the derivation as the
// HKDF info so the key is bound to this exchange.
//
// Layout: HKDF-SHA256(salt=nil, ikm=sharedSecret, info=nonceC || nonceH).
func DeriveSessionKey(sharedSecret [KeySize]byte, nonceC, nonceH [NonceSize]byte) [KeySize]byte {
	info := make([]byte, 0, NonceSize*2)
	info = append(info, nonceC[:]...)
	info = append(info, nonceH[:]...)

	reader := hkdf.New(sha256.New, sharedSecret[:], nil, info)

	var key [KeySize]byte
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		// This should never happen with valid inputs
		panic(fmt.Sprintf("HKDF failed: %v", err))
	}

	return key
}

// ZeroBytes zeroes out a byte slice to prevent sensitive data from lingering
// in memory. Use this to clear ephemeral private keys after computing
// the shared secret.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey zeroes out a key array.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
