package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/postalsys/duovoice/internal/logging"
	"github.com/postalsys/duovoice/internal/metrics"
	"github.com/postalsys/duovoice/internal/protocol"
)

const (
	// DefaultJitterCapacity is the jitter buffer depth in frames. Three
	// 20 ms frames bound reorder latency at 60 ms.
	DefaultJitterCapacity = 3

	// recvBufferSize covers the largest possible UDP payload.
	recvBufferSize = 65536

	// recvErrorBackoff is the pause after a failed receive.
	recvErrorBackoff = time.Millisecond
)

// TransportConfig configures one peer's voice path.
type TransportConfig struct {
	// SenderID stamps outgoing packets and suppresses loopback on receive.
	SenderID uint32

	// PeerAddr is the remote UDP endpoint for outgoing frames.
	PeerAddr string

	// LocalBind is the local UDP endpoint incoming frames arrive on.
	LocalBind string

	// Codec transforms PCM frames to packet payloads and back.
	Codec Codec

	// Playback receives decoded frames in sequence order. The channel must
	// be bounded; when it is full frames are dropped, which is the voice
	// path's backpressure policy.
	Playback chan<- []int16

	// JitterCapacity overrides DefaultJitterCapacity when positive.
	JitterCapacity int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Transport owns the two UDP sockets and the jitter buffer of a voice path.
// Frames flow capture -> SendFrame -> UDP and UDP -> jitter -> Playback.
type Transport struct {
	sendConn *net.UDPConn
	recvConn *net.UDPConn

	senderID uint32
	seq      uint32
	sendMu   sync.Mutex

	codec   Codec
	logger  *slog.Logger
	metrics *metrics.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start opens the sockets and spawns the receiver. The outbound socket binds
// an ephemeral port and connects to the peer; the inbound socket binds
// cfg.LocalBind.
func Start(cfg TransportConfig) (*Transport, error) {
	if cfg.Codec == nil {
		return nil, errors.New("voice: codec is required")
	}
	if cfg.Playback == nil {
		return nil, errors.New("voice: playback sink is required")
	}
	if cfg.JitterCapacity <= 0 {
		cfg.JitterCapacity = DefaultJitterCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}

	peerAddr, err := net.ResolveUDPAddr("udp", cfg.PeerAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve peer address: %w", err)
	}
	sendConn, err := net.DialUDP("udp", nil, peerAddr)
	if err != nil {
		return nil, fmt.Errorf("open outbound socket: %w", err)
	}

	localAddr, err := net.ResolveUDPAddr("udp", cfg.LocalBind)
	if err != nil {
		sendConn.Close()
		return nil, fmt.Errorf("resolve local bind: %w", err)
	}
	recvConn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		sendConn.Close()
		return nil, fmt.Errorf("open inbound socket: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &Transport{
		sendConn: sendConn,
		recvConn: recvConn,
		senderID: cfg.SenderID,
		codec:    cfg.Codec,
		logger:   cfg.Logger.With(slog.String(logging.KeyComponent, "voice")),
		metrics:  cfg.Metrics,
		cancel:   cancel,
	}

	t.wg.Add(1)
	go t.receiveLoop(ctx, cfg.Playback, cfg.JitterCapacity)

	t.logger.Debug("voice transport started",
		slog.String(logging.KeyLocalAddr, recvConn.LocalAddr().String()),
		slog.String(logging.KeyRemoteAddr, cfg.PeerAddr))

	return t, nil
}

// SendFrame encodes one captured PCM frame and writes it to the peer. The
// input is padded or truncated to the codec frame size first. UDP is
// best-effort: all errors are swallowed.
func (t *Transport) SendFrame(pcm []int16) {
	payload, err := t.codec.Encode(padPCM(pcm, t.codec.FrameSize()))
	if err != nil {
		t.logger.Debug("encode failed", slog.String(logging.KeyError, err.Error()))
		return
	}

	t.sendMu.Lock()
	seq := t.seq
	t.seq++ // uint32 wraps; acknowledged limitation
	t.sendMu.Unlock()

	pkt := &protocol.VoicePacket{
		SenderID: t.senderID,
		Seq:      seq,
		Payload:  payload,
	}

	if _, err := t.sendConn.Write(pkt.Encode()); err == nil {
		t.metrics.VoicePacketsSent.Inc()
	}
}

// LocalAddr returns the bound address of the inbound socket. Useful when
// LocalBind requested an ephemeral port.
func (t *Transport) LocalAddr() net.Addr {
	return t.recvConn.LocalAddr()
}

// Close stops the receiver and closes both sockets.
func (t *Transport) Close() error {
	t.cancel()
	t.recvConn.Close()
	t.sendConn.Close()
	t.wg.Wait()
	return nil
}

// receiveLoop reads packets, reorders them through the jitter buffer, and
// offers in-order frames to the playback sink without ever blocking on it.
func (t *Transport) receiveLoop(ctx context.Context, playback chan<- []int16, jitterCapacity int) {
	defer t.wg.Done()

	buf := make([]byte, recvBufferSize)
	var jitter *JitterBuffer

	for {
		if ctx.Err() != nil {
			return
		}

		n, _, err := t.recvConn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			time.Sleep(recvErrorBackoff)
			continue
		}

		pkt, ok := protocol.DecodeVoicePacket(buf[:n])
		if !ok {
			t.metrics.VoicePacketsDropped.WithLabelValues("malformed").Inc()
			continue
		}

		// Loopback protection: never play our own frames back. The sender id
		// is not authenticated, so this filters echoes, not forged packets.
		if pkt.SenderID == t.senderID {
			t.metrics.VoicePacketsDropped.WithLabelValues("loopback").Inc()
			continue
		}

		// Seed the buffer from the first accepted packet so a late joiner
		// does not stall waiting for sequence zero.
		if jitter == nil {
			jitter = NewJitterBuffer(pkt.Seq, jitterCapacity)
		}

		if pkt.Seq < jitter.NextSeq() {
			t.metrics.VoicePacketsDropped.WithLabelValues("late").Inc()
			continue
		}
		t.metrics.VoicePacketsReceived.Inc()

		before := jitter.Len()
		_, dup := jitter.frames[pkt.Seq]
		jitter.Push(pkt.Seq, pkt.Payload)
		if !dup && jitter.Len() <= before {
			t.metrics.JitterEvictions.Inc()
		}

		for {
			payload, ok := jitter.Pop()
			if !ok {
				break
			}
			frame, err := t.codec.Decode(payload)
			if err != nil {
				t.metrics.VoicePacketsDropped.WithLabelValues("malformed").Inc()
				continue
			}
			select {
			case playback <- frame:
			default:
				t.metrics.VoicePacketsDropped.WithLabelValues("sink_full").Inc()
			}
		}
	}
}
