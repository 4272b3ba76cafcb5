package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/postalsys/duovoice/internal/crypto"
	"github.com/postalsys/duovoice/internal/identity"
	"github.com/postalsys/duovoice/internal/logging"
	"github.com/postalsys/duovoice/internal/metrics"
)

const (
	// relayBufferSize is the per-direction copy buffer in relay mode.
	relayBufferSize = 8 * 1024

	// maxCommandLine bounds the first line read from a connection.
	maxCommandLine = 512
)

// ServerConfig configures the rendezvous server.
type ServerConfig struct {
	// Listen is the TCP address the line protocol is served on.
	Listen string

	// HTTPListen optionally serves /healthz and /metrics. Empty disables it.
	HTTPListen string

	// CommandRate and CommandBurst bound per-IP command attempts. Zero rate
	// disables limiting.
	CommandRate  float64
	CommandBurst int
}

// Server pairs peers by room code and relays their reliable transport.
type Server struct {
	cfg     ServerConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	rooms    map[string]*room
	limiters map[string]*rate.Limiter

	ln   net.Listener
	http *http.Server
	wg   sync.WaitGroup
}

type serverPeer struct {
	conn   net.Conn
	pubkey [crypto.Ed25519PublicKeySize]byte
}

type room struct {
	code  string
	peers []*serverPeer
}

// NewServer creates a rendezvous server.
func NewServer(cfg ServerConfig, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Server{
		cfg:      cfg,
		logger:   logger.With(slog.String(logging.KeyComponent, "rendezvous")),
		metrics:  m,
		rooms:    make(map[string]*room),
		limiters: make(map[string]*rate.Limiter),
	}
}

// ListenAndServe accepts connections until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.ln = ln

	if s.cfg.HTTPListen != "" {
		s.startHTTP()
	}

	s.logger.Info("rendezvous listening", slog.String(logging.KeyAddress, ln.Addr().String()))

	go func() {
		<-ctx.Done()
		ln.Close()
		if s.http != nil {
			s.http.Close()
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.logger.Warn("accept failed", slog.String(logging.KeyError, err.Error()))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Addr returns the bound listen address, or nil before ListenAndServe.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) startHTTP() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok\n")
	})

	s.http = &http.Server{Addr: s.cfg.HTTPListen, Handler: mux}
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("http server failed", slog.String(logging.KeyError, err.Error()))
		}
	}()
}

// allow applies the per-IP rate limit to one command.
func (s *Server) allow(remoteAddr string) bool {
	if s.cfg.CommandRate <= 0 {
		return true
	}

	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	s.mu.Lock()
	limiter, ok := s.limiters[host]
	if !ok {
		burst := s.cfg.CommandBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.cfg.CommandRate), burst)
		s.limiters[host] = limiter
	}
	s.mu.Unlock()

	return limiter.Allow()
}

// handleConn processes one connection's command line. Connections that park
// in a room or enter relay mode are not closed here; their ownership moves
// to the room.
func (s *Server) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()

	if !s.allow(remote) {
		s.metrics.RateLimitHits.Inc()
		writeLine(conn, "ERROR")
		conn.Close()
		return
	}

	line, err := readLine(conn, maxCommandLine)
	if err != nil {
		conn.Close()
		return
	}

	fields := strings.Fields(line)
	if len(fields) < 3 {
		s.replyError(conn)
		return
	}

	command := strings.ToUpper(fields[0])
	code := fields[1]
	pubkey, err := identity.ParsePublicKey(fields[2])
	if err != nil || !ValidateRoomCode(code) {
		s.replyError(conn)
		return
	}

	switch command {
	case "CREATE":
		s.handleCreate(conn, code, pubkey)
	case "JOIN":
		s.handleJoin(conn, code, pubkey)
	default:
		s.replyError(conn)
	}
}

func (s *Server) replyError(conn net.Conn) {
	s.metrics.CommandErrors.Inc()
	writeLine(conn, "ERROR")
	conn.Close()
}

func (s *Server) handleCreate(conn net.Conn, code string, pubkey [crypto.Ed25519PublicKeySize]byte) {
	peer := &serverPeer{conn: conn, pubkey: pubkey}

	s.mu.Lock()
	r, ok := s.rooms[code]
	if !ok {
		r = &room{code: code}
		s.rooms[code] = r
		s.metrics.RoomsCreated.Inc()
		s.metrics.RoomsActive.Set(float64(len(s.rooms)))
	}
	if len(r.peers) >= 2 {
		s.mu.Unlock()
		writeLine(conn, "ROOM_FULL")
		conn.Close()
		return
	}
	r.peers = append(r.peers, peer)
	full := len(r.peers) == 2
	s.mu.Unlock()

	s.logger.Info("room created",
		slog.String(logging.KeyRoom, code),
		slog.String(logging.KeyRemoteAddr, conn.RemoteAddr().String()))

	// The creator's connection parks until a joiner arrives; this handler
	// returns and the pairing handler takes over both sockets.
	if full {
		s.pairAndRelay(r)
	}
}

func (s *Server) handleJoin(conn net.Conn, code string, pubkey [crypto.Ed25519PublicKeySize]byte) {
	peer := &serverPeer{conn: conn, pubkey: pubkey}

	s.mu.Lock()
	r, ok := s.rooms[code]
	if !ok {
		s.mu.Unlock()
		s.metrics.RoomJoins.WithLabelValues("not_found").Inc()
		writeLine(conn, "ROOM_NOT_FOUND")
		conn.Close()
		return
	}
	if len(r.peers) >= 2 {
		s.mu.Unlock()
		s.metrics.RoomJoins.WithLabelValues("full").Inc()
		writeLine(conn, "ROOM_FULL")
		conn.Close()
		return
	}
	r.peers = append(r.peers, peer)
	full := len(r.peers) == 2
	s.mu.Unlock()

	s.metrics.RoomJoins.WithLabelValues("joined").Inc()
	if err := writeLine(conn, "ROOM_JOINED"); err != nil {
		s.removePeer(r, peer)
		conn.Close()
		return
	}

	s.logger.Info("room joined",
		slog.String(logging.KeyRoom, code),
		slog.String(logging.KeyRemoteAddr, conn.RemoteAddr().String()))

	if full {
		s.pairAndRelay(r)
	}
}

// removePeer detaches a peer whose connection failed before pairing, and
// drops the room once empty.
func (s *Server) removePeer(r *room, p *serverPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, peer := range r.peers {
		if peer == p {
			r.peers = append(r.peers[:i], r.peers[i+1:]...)
			break
		}
	}
	if len(r.peers) == 0 {
		delete(s.rooms, r.code)
		s.metrics.RoomsActive.Set(float64(len(s.rooms)))
	}
}

// pairAndRelay announces each peer's identity key and role, then forwards
// bytes in both directions until either side goes away. The rooms mutex is
// never held across this blocking I/O.
func (s *Server) pairAndRelay(r *room) {
	creator, joiner := r.peers[0], r.peers[1]

	defer func() {
		creator.conn.Close()
		joiner.conn.Close()
		s.mu.Lock()
		delete(s.rooms, r.code)
		s.metrics.RoomsActive.Set(float64(len(s.rooms)))
		s.mu.Unlock()
	}()

	joinerKey := identityBase64(joiner.pubkey)
	creatorKey := identityBase64(creator.pubkey)

	if err := writeLine(creator.conn, "PEER_PUBKEY "+joinerKey+" HOST"); err != nil {
		return
	}
	if err := writeLine(joiner.conn, "PEER_PUBKEY "+creatorKey+" CLIENT"); err != nil {
		return
	}

	s.metrics.RelaySessions.Inc()
	s.logger.Info("relay started", slog.String(logging.KeyRoom, r.code))

	start := time.Now()
	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			creator.conn.Close()
			joiner.conn.Close()
		})
	}

	var wg sync.WaitGroup
	var forwarded int64
	var forwardedMu sync.Mutex

	relay := func(dst, src net.Conn) {
		defer wg.Done()
		defer shutdown()

		buf := make([]byte, relayBufferSize)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					return
				}
				s.metrics.RelayBytes.Add(float64(n))
				forwardedMu.Lock()
				forwarded += int64(n)
				forwardedMu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}

	wg.Add(2)
	go relay(joiner.conn, creator.conn)
	relay(creator.conn, joiner.conn)
	wg.Wait()

	s.logger.Info("relay finished",
		slog.String(logging.KeyRoom, r.code),
		slog.String(logging.KeyBytes, humanize.Bytes(uint64(forwarded))),
		slog.Duration(logging.KeyDuration, time.Since(start)))
}

// writeLine writes one LF-terminated protocol line.
func writeLine(conn net.Conn, line string) error {
	_, err := conn.Write([]byte(line + "\n"))
	return err
}

// readLine reads a single LF-terminated line byte by byte so no bytes past
// the newline are consumed; everything after the line belongs to the relay.
func readLine(conn net.Conn, max int) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	for sb.Len() < max {
		if _, err := io.ReadFull(conn, buf); err != nil {
			return "", err
		}
		if buf[0] == '\n' {
			return strings.TrimRight(sb.String(), "\r"), nil
		}
		sb.WriteByte(buf[0])
	}
	return "", errors.New("line too long")
}

func identityBase64(pub [crypto.Ed25519PublicKeySize]byte) string {
	id := identity.Identity{PublicKey: pub}
	return id.PublicKeyBase64()
}
