package handshake

import (
	"errors"
	"io"
	"net"
	"testing"

	"github.com/postalsys/duovoice/internal/crypto"
	"github.com/postalsys/duovoice/internal/identity"
	"github.com/postalsys/duovoice/internal/protocol"
	"github.com/postalsys/duovoice/internal/session"
)

func testIdentities(t *testing.T) (*identity.Identity, *identity.Identity) {
	t.Helper()
	client, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	host, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	return client, host
}

type handshakeResult struct {
	stream *session.SecureStream
	err    error
}

// runPair executes both handshake roles over connected pipes and returns the
// two outcomes.
func runPair(t *testing.T, clientConn, hostConn net.Conn, client, host *identity.Identity, clientSees, hostSees [crypto.Ed25519PublicKeySize]byte) (handshakeResult, handshakeResult) {
	t.Helper()

	clientCh := make(chan handshakeResult, 1)
	hostCh := make(chan handshakeResult, 1)

	go func() {
		s, err := Run(clientConn, client, clientSees, StreamConfig{})
		if err != nil {
			clientConn.Close() // unblock the other side
		}
		clientCh <- handshakeResult{s, err}
	}()
	go func() {
		s, err := RunAsHost(hostConn, host, hostSees, StreamConfig{})
		if err != nil {
			hostConn.Close()
		}
		hostCh <- handshakeResult{s, err}
	}()

	return <-clientCh, <-hostCh
}

func TestHandshakeAgreement(t *testing.T) {
	client, host := testIdentities(t)
	clientConn, hostConn := net.Pipe()

	cres, hres := runPair(t, clientConn, hostConn, client, host, host.PublicKey, client.PublicKey)
	if cres.err != nil {
		t.Fatalf("client handshake error = %v", cres.err)
	}
	if hres.err != nil {
		t.Fatalf("host handshake error = %v", hres.err)
	}
	defer cres.stream.Close()
	defer hres.stream.Close()

	if cres.stream.Session().Role() != session.RoleClient {
		t.Error("client stream has wrong role")
	}
	if hres.stream.Session().PeerIdentity() != client.PublicKey {
		t.Error("host session records wrong peer identity")
	}

	// Derived keys agree iff frames flow both ways.
	msg, err := protocol.EncodeChatMessage(&protocol.ChatMessage{Text: &protocol.ChatText{SenderID: "c", Body: "ping"}})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cres.stream.Send(msg)
	}()
	got, err := hres.stream.Recv()
	if err != nil {
		t.Fatalf("host Recv error = %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("client Send error = %v", err)
	}
	decoded, err := protocol.DecodeChatMessage(got)
	if err != nil || decoded.Text == nil || decoded.Text.Body != "ping" {
		t.Fatalf("host decoded %+v, %v", decoded, err)
	}

	go func() {
		done <- hres.stream.Send(msg)
	}()
	if _, err := cres.stream.Recv(); err != nil {
		t.Fatalf("client Recv error = %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("host Send error = %v", err)
	}
}

func TestHandshakeIdentityMismatch(t *testing.T) {
	client, host := testIdentities(t)
	other, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}

	// The rendezvous told the client to expect a different host key.
	clientConn, hostConn := net.Pipe()
	cres, _ := runPair(t, clientConn, hostConn, client, host, other.PublicKey, client.PublicKey)
	if !errors.Is(cres.err, ErrIdentityMismatch) {
		t.Errorf("client error = %v, want ErrIdentityMismatch", cres.err)
	}

	// And the mirror case: the host expects a different client key.
	clientConn, hostConn = net.Pipe()
	_, hres := runPair(t, clientConn, hostConn, client, host, host.PublicKey, other.PublicKey)
	if !errors.Is(hres.err, ErrIdentityMismatch) {
		t.Errorf("host error = %v, want ErrIdentityMismatch", hres.err)
	}
}

// tamperDirection relays bytes between two pipe halves, flipping one byte at
// the given absolute stream offset.
func tamperDirection(dst, src net.Conn, offset int) {
	buf := make([]byte, 4096)
	seen := 0
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if offset >= seen && offset < seen+n {
				buf[offset-seen] ^= 0x01
			}
			seen += n
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// runTampered executes a handshake with a man-in-the-middle that flips one
// byte of host-to-client traffic (hostToClientOffset >= 0) or
// client-to-host traffic (clientToHostOffset >= 0).
func runTampered(t *testing.T, hostToClientOffset, clientToHostOffset int) (handshakeResult, handshakeResult) {
	t.Helper()
	client, host := testIdentities(t)

	clientConn, mitmClient := net.Pipe()
	hostConn, mitmHost := net.Pipe()

	go func() {
		defer mitmHost.Close()
		if clientToHostOffset >= 0 {
			tamperDirection(mitmHost, mitmClient, clientToHostOffset)
		} else {
			io.Copy(mitmHost, mitmClient)
		}
	}()
	go func() {
		defer mitmClient.Close()
		if hostToClientOffset >= 0 {
			tamperDirection(mitmClient, mitmHost, hostToClientOffset)
		} else {
			io.Copy(mitmClient, mitmHost)
		}
	}()

	return runPair(t, clientConn, hostConn, client, host, host.PublicKey, client.PublicKey)
}

func TestHandshakeSignatureBinding(t *testing.T) {
	// Flip one byte of the host's ephemeral key inside HostChallenge: the
	// client must reject the signature.
	cres, _ := runTampered(t, crypto.Ed25519PublicKeySize, -1)
	if !errors.Is(cres.err, ErrBadSignature) && !errors.Is(cres.err, ErrIdentityMismatch) {
		t.Errorf("client error = %v, want signature or identity failure", cres.err)
	}

	// Flip one byte of the client nonce inside ClientHello: the host signs the
	// altered nonce, so the client rejects HostChallenge and hangs up, and the
	// host fails before it ever receives a ClientResponse.
	_, hres := runTampered(t, -1, protocol.ClientHelloSize-1)
	if hres.err == nil {
		t.Error("host accepted a tampered ClientHello")
	}
}

func TestHandshakeShortRead(t *testing.T) {
	client, host := testIdentities(t)
	clientConn, hostConn := net.Pipe()

	// The "host" writes half a challenge then hangs up.
	go func() {
		buf := make([]byte, protocol.ClientHelloSize)
		io.ReadFull(hostConn, buf)
		hostConn.Write(make([]byte, protocol.HostChallengeSize/2))
		hostConn.Close()
	}()

	if _, err := Run(clientConn, client, host.PublicKey, StreamConfig{}); err == nil {
		t.Error("client completed against a truncated HostChallenge")
	}
}
