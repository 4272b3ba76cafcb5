package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/postalsys/duovoice/internal/crypto"
	"github.com/postalsys/duovoice/internal/identity"
	"github.com/postalsys/duovoice/internal/session"
)

var (
	// ErrRoomNotFound is returned when joining a code nobody created.
	ErrRoomNotFound = errors.New("room not found")

	// ErrRoomFull is returned when the room already has two peers.
	ErrRoomFull = errors.New("room full")

	// ErrProtocol is returned on any unexpected server reply.
	ErrProtocol = errors.New("unexpected rendezvous reply")
)

// Paired is the outcome of a successful rendezvous: a relayed reliable
// connection to the peer, the peer's announced identity key, and the role
// the handshake should run as.
type Paired struct {
	Conn    net.Conn
	PeerPub [crypto.Ed25519PublicKeySize]byte
	Role    session.Role
}

// Create opens a room and parks until a joiner arrives. It blocks until the
// server announces the peer or ctx is done.
func Create(ctx context.Context, serverAddr, code string, id *identity.Identity) (*Paired, error) {
	return pair(ctx, serverAddr, "CREATE "+code+" "+id.PublicKeyBase64(), false)
}

// Join enters an existing room. ErrRoomNotFound and ErrRoomFull map the
// server's negative replies.
func Join(ctx context.Context, serverAddr, code string, id *identity.Identity) (*Paired, error) {
	if !ValidateRoomCode(code) {
		return nil, fmt.Errorf("invalid room code %q", code)
	}
	return pair(ctx, serverAddr, "JOIN "+code+" "+id.PublicKeyBase64(), true)
}

func pair(ctx context.Context, serverAddr, command string, expectJoined bool) (*Paired, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", serverAddr)
	if err != nil {
		return nil, fmt.Errorf("dial rendezvous: %w", err)
	}

	// Cancel during the (possibly long) park closes the socket.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	fail := func(err error) (*Paired, error) {
		conn.Close()
		return nil, err
	}

	if err := writeLine(conn, command); err != nil {
		return fail(fmt.Errorf("send command: %w", err))
	}

	if expectJoined {
		reply, err := readLine(conn, maxCommandLine)
		if err != nil {
			return fail(fmt.Errorf("read join reply: %w", err))
		}
		switch reply {
		case "ROOM_JOINED":
		case "ROOM_NOT_FOUND":
			return fail(ErrRoomNotFound)
		case "ROOM_FULL":
			return fail(ErrRoomFull)
		default:
			return fail(fmt.Errorf("%w: %q", ErrProtocol, reply))
		}
	}

	announce, err := readLine(conn, maxCommandLine)
	if err != nil {
		return fail(fmt.Errorf("read peer announcement: %w", err))
	}

	fields := strings.Fields(announce)
	if len(fields) != 3 || fields[0] != "PEER_PUBKEY" {
		return fail(fmt.Errorf("%w: %q", ErrProtocol, announce))
	}

	peerPub, err := identity.ParsePublicKey(fields[1])
	if err != nil {
		return fail(fmt.Errorf("%w: bad peer key: %v", ErrProtocol, err))
	}

	var role session.Role
	switch fields[2] {
	case "HOST":
		role = session.RoleHost
	case "CLIENT":
		role = session.RoleClient
	default:
		return fail(fmt.Errorf("%w: unknown role %q", ErrProtocol, fields[2]))
	}

	return &Paired{Conn: conn, PeerPub: peerPub, Role: role}, nil
}
