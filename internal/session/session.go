// Package session implements the post-handshake secure channel: an AEAD
// session with counter nonces and replay rejection, and a length-prefixed
// stream framing over a reliable transport.
package session

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/postalsys/duovoice/internal/crypto"
)

// Role identifies which side of the handshake this session belongs to.
type Role int

const (
	RoleClient Role = iota
	RoleHost
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleHost:
		return "host"
	default:
		return "unknown"
	}
}

var (
	// ErrMalformedPacket is returned when a frame is too short to carry a counter.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrDecryptionFailed is returned when AEAD authentication fails.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrReplayDetected is returned when a frame carries a counter below the
	// receive watermark: one already consumed, or one skipped by a later frame.
	ErrReplayDetected = errors.New("replay detected")

	// ErrCounterExhausted is returned when the send counter would wrap. The key
	// must never be reused past counter overflow.
	ErrCounterExhausted = errors.New("send counter exhausted")
)

// SecureSession owns the AEAD cipher context for one call. Frames carry their
// counter in the clear; the counter doubles as AAD so it cannot be rewritten
// without failing authentication.
type SecureSession struct {
	role         Role
	peerIdentity [crypto.Ed25519PublicKeySize]byte

	aead    cipher.AEAD
	sendCtr uint64
	recvCtr uint64

	mu sync.Mutex
}

// NewSecureSession creates a session from the 32-byte key derived by the
// handshake. peerIdentity is the verified identity public key of the remote
// side, retained for callers that need to attribute the channel.
func NewSecureSession(role Role, key [crypto.KeySize]byte, peerIdentity [crypto.Ed25519PublicKeySize]byte) (*SecureSession, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	return &SecureSession{
		role:         role,
		peerIdentity: peerIdentity,
		aead:         aead,
	}, nil
}

// Role returns the session role.
func (s *SecureSession) Role() Role {
	return s.role
}

// PeerIdentity returns the verified identity public key of the remote peer.
func (s *SecureSession) PeerIdentity() [crypto.Ed25519PublicKeySize]byte {
	return s.peerIdentity
}

// Encrypt seals plaintext under the next send counter and returns
// ctr_be(8) || ciphertext || tag. The counter is strictly monotonic and is
// never reused; once it would wrap the session is unusable.
func (s *SecureSession) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sendCtr == math.MaxUint64 {
		return nil, ErrCounterExhausted
	}
	ctr := s.sendCtr
	s.sendCtr++

	nonce, aad := nonceFromCtr(ctr)

	out := make([]byte, 8, 8+len(plaintext)+s.aead.Overhead())
	binary.BigEndian.PutUint64(out, ctr)

	return s.aead.Seal(out, nonce[:], plaintext, aad[:]), nil
}

// Decrypt opens a frame produced by Encrypt. A counter below the receive
// watermark is rejected as a replay before any AEAD work; on success the
// watermark advances to ctr+1, so the same frame can never be accepted twice.
func (s *SecureSession) Decrypt(frame []byte) ([]byte, error) {
	if len(frame) < 8 {
		return nil, ErrMalformedPacket
	}

	ctr := binary.BigEndian.Uint64(frame[:8])

	s.mu.Lock()
	defer s.mu.Unlock()

	if ctr < s.recvCtr {
		return nil, ErrReplayDetected
	}

	nonce, aad := nonceFromCtr(ctr)

	plaintext, err := s.aead.Open(nil, nonce[:], frame[8:], aad[:])
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	s.recvCtr = ctr + 1
	return plaintext, nil
}

// nonceFromCtr builds the 12-byte nonce (4 zero bytes || ctr big-endian) and
// the 8-byte AAD (ctr big-endian) for a counter.
func nonceFromCtr(ctr uint64) (nonce [chacha20poly1305.NonceSize]byte, aad [8]byte) {
	binary.BigEndian.PutUint64(nonce[4:], ctr)
	binary.BigEndian.PutUint64(aad[:], ctr)
	return nonce, aad
}
