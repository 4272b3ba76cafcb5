package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrFrameTooLarge is returned when a ciphertext frame does not fit the
	// 16-bit length prefix. Nothing is written in that case.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrUnexpectedEof is returned when the peer sends a zero-length frame.
	ErrUnexpectedEof = errors.New("unexpected end of stream")
)

// MaxFrameSize is the largest ciphertext frame the 2-byte length prefix can
// describe.
const MaxFrameSize = math.MaxUint16

const (
	defaultReadTimeout  = 500 * time.Millisecond
	defaultWriteTimeout = 10 * time.Second
)

// StreamConfig bounds the blocking behavior of a SecureStream.
type StreamConfig struct {
	// ReadTimeout is applied per Recv call. Expired deadlines surface as
	// transient errors the receive loop retries. Default 500ms.
	ReadTimeout time.Duration

	// WriteTimeout is applied per Send call. Default 10s.
	WriteTimeout time.Duration
}

// SecureStream carries SecureSession frames over an ordered reliable byte
// transport. Wire layout per frame: len u16 BE || ctr_be(8) || ciphertext.
//
// The stream owns both the connection and the session. Send and Recv each
// take a per-direction lock, so one thread may send while another receives;
// the authoritative counters live in the shared session.
type SecureStream struct {
	conn    net.Conn
	session *SecureSession
	cfg     StreamConfig

	sendMu sync.Mutex
	recvMu sync.Mutex
}

// NewSecureStream wraps conn with sess. Nagle's algorithm is disabled so each
// frame leaves immediately; zero config fields fall back to defaults.
func NewSecureStream(conn net.Conn, sess *SecureSession, cfg StreamConfig) *SecureStream {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	return &SecureStream{
		conn:    conn,
		session: sess,
		cfg:     cfg,
	}
}

// Session returns the underlying secure session.
func (s *SecureStream) Session() *SecureSession {
	return s.session
}

// Send encrypts plaintext and writes one frame. Frames whose ciphertext
// exceeds MaxFrameSize are rejected before any bytes hit the wire.
func (s *SecureStream) Send(plaintext []byte) error {
	encrypted, err := s.session.Encrypt(plaintext)
	if err != nil {
		return err
	}
	if len(encrypted) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 2+len(encrypted))
	binary.BigEndian.PutUint16(buf, uint16(len(encrypted)))
	copy(buf[2:], encrypted)

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if _, err := s.conn.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Recv reads exactly one frame and decrypts it. Deadline expiry returns an
// error for which IsTimeout reports true; the caller's receive loop is
// expected to retry those.
func (s *SecureStream) Recv() ([]byte, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

	var lenBuf [2]byte
	if _, err := io.ReadFull(s.conn, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	frameLen := binary.BigEndian.Uint16(lenBuf[:])
	if frameLen == 0 {
		return nil, ErrUnexpectedEof
	}

	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(s.conn, frame); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	return s.session.Decrypt(frame)
}

// Close closes the underlying connection.
func (s *SecureStream) Close() error {
	return s.conn.Close()
}

// IsTimeout reports whether err is a read/write deadline expiry. Such errors
// are transient: the connection is still healthy.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsFatal reports whether err means the connection is gone and the receive
// loop should stop.
func IsFatal(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
