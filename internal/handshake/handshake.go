// Package handshake implements the three-message mutual-authentication key
// exchange that starts every call.
//
// The client sends ClientHello, the host answers with a signed HostChallenge,
// and the client closes with a signed ClientResponse. Both signatures cover
// the nonces and ephemeral keys of the exchange, binding the derived session
// key to the identity keys each side published through the rendezvous. Any
// verification or decoding failure is fatal: no session is produced and the
// caller tears down the socket.
package handshake

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/postalsys/duovoice/internal/crypto"
	"github.com/postalsys/duovoice/internal/identity"
	"github.com/postalsys/duovoice/internal/protocol"
	"github.com/postalsys/duovoice/internal/session"
)

var (
	// ErrIdentityMismatch is returned when the identity key a peer advertises
	// in the handshake differs from the one the rendezvous announced.
	ErrIdentityMismatch = errors.New("peer identity does not match rendezvous announcement")

	// ErrBadSignature is returned when a transcript signature fails to verify.
	ErrBadSignature = errors.New("handshake signature verification failed")
)

// Timeout bounds the whole exchange. Three messages on an established
// connection should complete well inside this.
const Timeout = 10 * time.Second

// StreamConfig is applied to the SecureStream built on handshake success.
type StreamConfig = session.StreamConfig

// Run performs the handshake as the client (initiator). peerPub is the host
// identity key announced by the rendezvous; the HostChallenge signature must
// verify against it. On success the connection is wrapped in a SecureStream
// sharing cfg.
func Run(conn net.Conn, id *identity.Identity, peerPub [crypto.Ed25519PublicKeySize]byte, cfg StreamConfig) (*session.SecureStream, error) {
	conn.SetDeadline(time.Now().Add(Timeout))
	defer conn.SetDeadline(time.Time{})

	ephPriv, ephPub, err := crypto.GenerateEphemeralKeypair()
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroKey(&ephPriv)

	nonceC, err := crypto.RandomNonce()
	if err != nil {
		return nil, err
	}

	hello := &protocol.ClientHello{
		ClientID:        id.PublicKey,
		ClientEphemeral: ephPub,
		NonceC:          nonceC,
	}
	if _, err := conn.Write(hello.Encode()); err != nil {
		return nil, fmt.Errorf("send ClientHello: %w", err)
	}

	buf := make([]byte, protocol.HostChallengeSize)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf("read HostChallenge: %w", err)
	}
	challenge, err := protocol.DecodeHostChallenge(buf)
	if err != nil {
		return nil, err
	}

	// The host must present the identity the rendezvous announced, and prove
	// possession of it over this exchange's transcript.
	if challenge.HostID != peerPub {
		return nil, ErrIdentityMismatch
	}
	hostTranscript := protocol.HostTranscript(nonceC, challenge.NonceH, ephPub, challenge.HostEphemeral)
	if !crypto.Verify(peerPub, hostTranscript, challenge.SigH) {
		return nil, fmt.Errorf("%w: HostChallenge", ErrBadSignature)
	}

	response := &protocol.ClientResponse{
		SigC: id.Sign(protocol.ClientTranscript(challenge.NonceH, nonceC, challenge.HostEphemeral, ephPub)),
	}
	if _, err := conn.Write(response.Encode()); err != nil {
		return nil, fmt.Errorf("send ClientResponse: %w", err)
	}

	shared, err := crypto.ComputeECDH(ephPriv, challenge.HostEphemeral)
	if err != nil {
		return nil, err
	}
	crypto.ZeroKey(&ephPriv)

	key := crypto.DeriveSessionKey(shared, nonceC, challenge.NonceH)
	crypto.ZeroKey(&shared)

	sess, err := session.NewSecureSession(session.RoleClient, key, peerPub)
	crypto.ZeroKey(&key)
	if err != nil {
		return nil, err
	}

	return session.NewSecureStream(conn, sess, cfg), nil
}

// RunAsHost performs the handshake as the host (responder). peerPub is the
// client identity key announced by the rendezvous; the ClientResponse
// signature must verify against it.
func RunAsHost(conn net.Conn, id *identity.Identity, peerPub [crypto.Ed25519PublicKeySize]byte, cfg StreamConfig) (*session.SecureStream, error) {
	conn.SetDeadline(time.Now().Add(Timeout))
	defer conn.SetDeadline(time.Time{})

	ephPriv, ephPub, err := crypto.GenerateEphemeralKeypair()
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroKey(&ephPriv)

	buf := make([]byte, protocol.ClientHelloSize)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf("read ClientHello: %w", err)
	}
	hello, err := protocol.DecodeClientHello(buf)
	if err != nil {
		return nil, err
	}

	if hello.ClientID != peerPub {
		return nil, ErrIdentityMismatch
	}

	nonceH, err := crypto.RandomNonce()
	if err != nil {
		return nil, err
	}

	challenge := &protocol.HostChallenge{
		HostID:        id.PublicKey,
		HostEphemeral: ephPub,
		NonceH:        nonceH,
		SigH:          id.Sign(protocol.HostTranscript(hello.NonceC, nonceH, hello.ClientEphemeral, ephPub)),
	}
	if _, err := conn.Write(challenge.Encode()); err != nil {
		return nil, fmt.Errorf("send HostChallenge: %w", err)
	}

	buf = make([]byte, protocol.ClientResponseSize)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf("read ClientResponse: %w", err)
	}
	response, err := protocol.DecodeClientResponse(buf)
	if err != nil {
		return nil, err
	}

	clientTranscript := protocol.ClientTranscript(nonceH, hello.NonceC, ephPub, hello.ClientEphemeral)
	if !crypto.Verify(peerPub, clientTranscript, response.SigC) {
		return nil, fmt.Errorf("%w: ClientResponse", ErrBadSignature)
	}

	shared, err := crypto.ComputeECDH(ephPriv, hello.ClientEphemeral)
	if err != nil {
		return nil, err
	}
	crypto.ZeroKey(&ephPriv)

	key := crypto.DeriveSessionKey(shared, hello.NonceC, nonceH)
	crypto.ZeroKey(&shared)

	sess, err := session.NewSecureSession(session.RoleHost, key, peerPub)
	crypto.ZeroKey(&key)
	if err != nil {
		return nil, err
	}

	return session.NewSecureStream(conn, sess, cfg), nil
}
