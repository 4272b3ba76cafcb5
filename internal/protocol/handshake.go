package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/postalsys/duovoice/internal/crypto"
)

var (
	// ErrInvalidMessage is returned when a handshake or chat message is
	// malformed.
	ErrInvalidMessage = errors.New("invalid handshake message")
)

// ClientHello is the first handshake message, sent by the client.
type ClientHello struct {
	ClientID        [crypto.Ed25519PublicKeySize]byte
	ClientEphemeral [crypto.KeySize]byte
	NonceC          [crypto.NonceSize]byte
}

// Encode serializes ClientHello to its fixed 96-byte wire form.
func (m *ClientHello) Encode() []byte {
	buf := make([]byte, ClientHelloSize)
	offset := 0

	copy(buf[offset:], m.ClientID[:])
	offset += len(m.ClientID)

	copy(buf[offset:], m.ClientEphemeral[:])
	offset += len(m.ClientEphemeral)

	copy(buf[offset:], m.NonceC[:])

	return buf
}

// DecodeClientHello deserializes ClientHello from bytes.
func DecodeClientHello(buf []byte) (*ClientHello, error) {
	if len(buf) != ClientHelloSize {
		return nil, fmt.Errorf("%w: ClientHello is %d bytes, expected %d", ErrInvalidMessage, len(buf), ClientHelloSize)
	}

	m := &ClientHello{}
	offset := 0

	copy(m.ClientID[:], buf[offset:])
	offset += len(m.ClientID)

	copy(m.ClientEphemeral[:], buf[offset:])
	offset += len(m.ClientEphemeral)

	copy(m.NonceC[:], buf[offset:])

	return m, nil
}

// HostChallenge is the second handshake message, sent by the host. SigH is
// the host identity signature over nonce_c || nonce_h || client_eph || host_eph.
type HostChallenge struct {
	HostID        [crypto.Ed25519PublicKeySize]byte
	HostEphemeral [crypto.KeySize]byte
	NonceH        [crypto.NonceSize]byte
	SigH          [crypto.Ed25519SignatureSize]byte
}

// Encode serializes HostChallenge. The signature travels as a u64 LE
// length-prefixed byte string.
func (m *HostChallenge) Encode() []byte {
	buf := make([]byte, HostChallengeSize)
	offset := 0

	copy(buf[offset:], m.HostID[:])
	offset += len(m.HostID)

	copy(buf[offset:], m.HostEphemeral[:])
	offset += len(m.HostEphemeral)

	copy(buf[offset:], m.NonceH[:])
	offset += len(m.NonceH)

	binary.LittleEndian.PutUint64(buf[offset:], crypto.Ed25519SignatureSize)
	offset += 8

	copy(buf[offset:], m.SigH[:])

	return buf
}

// DecodeHostChallenge deserializes HostChallenge from bytes.
func DecodeHostChallenge(buf []byte) (*HostChallenge, error) {
	if len(buf) != HostChallengeSize {
		return nil, fmt.Errorf("%w: HostChallenge is %d bytes, expected %d", ErrInvalidMessage, len(buf), HostChallengeSize)
	}

	m := &HostChallenge{}
	offset := 0

	copy(m.HostID[:], buf[offset:])
	offset += len(m.HostID)

	copy(m.HostEphemeral[:], buf[offset:])
	offset += len(m.HostEphemeral)

	copy(m.NonceH[:], buf[offset:])
	offset += len(m.NonceH)

	sigLen := binary.LittleEndian.Uint64(buf[offset:])
	offset += 8
	if sigLen != crypto.Ed25519SignatureSize {
		return nil, fmt.Errorf("%w: signature length %d, expected %d", ErrInvalidMessage, sigLen, crypto.Ed25519SignatureSize)
	}

	copy(m.SigH[:], buf[offset:])

	return m, nil
}

// ClientResponse is the third handshake message. SigC is the client identity
// signature over nonce_h || nonce_c || host_eph || client_eph.
type ClientResponse struct {
	SigC [crypto.Ed25519SignatureSize]byte
}

// Encode serializes ClientResponse.
func (m *ClientResponse) Encode() []byte {
	buf := make([]byte, ClientResponseSize)
	binary.LittleEndian.PutUint64(buf, crypto.Ed25519SignatureSize)
	copy(buf[8:], m.SigC[:])
	return buf
}

// DecodeClientResponse deserializes ClientResponse from bytes.
func DecodeClientResponse(buf []byte) (*ClientResponse, error) {
	if len(buf) != ClientResponseSize {
		return nil, fmt.Errorf("%w: ClientResponse is %d bytes, expected %d", ErrInvalidMessage, len(buf), ClientResponseSize)
	}

	sigLen := binary.LittleEndian.Uint64(buf)
	if sigLen != crypto.Ed25519SignatureSize {
		return nil, fmt.Errorf("%w: signature length %d, expected %d", ErrInvalidMessage, sigLen, crypto.Ed25519SignatureSize)
	}

	m := &ClientResponse{}
	copy(m.SigC[:], buf[8:])
	return m, nil
}

// HostTranscript is the byte string the host signs in HostChallenge:
// nonce_c || nonce_h || client_eph || host_eph.
func HostTranscript(nonceC, nonceH [crypto.NonceSize]byte, clientEph, hostEph [crypto.KeySize]byte) []byte {
	buf := make([]byte, 0, 2*crypto.NonceSize+2*crypto.KeySize)
	buf = append(buf, nonceC[:]...)
	buf = append(buf, nonceH[:]...)
	buf = append(buf, clientEph[:]...)
	buf = append(buf, hostEph[:]...)
	return buf
}

// ClientTranscript is the byte string the client signs in ClientResponse:
// nonce_h || nonce_c || host_eph || client_eph.
func ClientTranscript(nonceH, nonceC [crypto.NonceSize]byte, hostEph, clientEph [crypto.KeySize]byte) []byte {
	buf := make([]byte, 0, 2*crypto.NonceSize+2*crypto.KeySize)
	buf = append(buf, nonceH[:]...)
	buf = append(buf, nonceC[:]...)
	buf = append(buf, hostEph[:]...)
	buf = append(buf, clientEph[:]...)
	return buf
}
