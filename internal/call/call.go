// Package call glues a paired rendezvous connection into a live call: it
// runs the handshake, starts the voice transport, and pumps chat lines
// between the user and the secure stream.
package call

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/postalsys/duovoice/internal/config"
	"github.com/postalsys/duovoice/internal/handshake"
	"github.com/postalsys/duovoice/internal/identity"
	"github.com/postalsys/duovoice/internal/logging"
	"github.com/postalsys/duovoice/internal/metrics"
	"github.com/postalsys/duovoice/internal/protocol"
	"github.com/postalsys/duovoice/internal/rendezvous"
	"github.com/postalsys/duovoice/internal/session"
	"github.com/postalsys/duovoice/internal/voice"
)

// Sender ids are fixed per role so each receiver can drop its own frames.
const (
	clientSenderID uint32 = 1
	hostSenderID   uint32 = 2
)

// Options configures a call.
type Options struct {
	// SenderName labels outgoing chat messages.
	SenderName string

	Stream session.StreamConfig
	Voice  config.VoiceConfig

	// Capture optionally feeds PCM frames into the voice path; each frame is
	// encoded and sent to the peer. Nil means no capture source.
	Capture <-chan []int16

	// Playback receives in-order decoded frames. When nil a bounded channel
	// is created and drained internally, keeping the voice path exercised in
	// deployments without an audio device.
	Playback chan []int16

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Run drives a call to completion: handshake, voice transport, then the
// input/receive loop until /exit, input EOF, or a failed send. A fatal receive
// error stops only the receiver; the input loop keeps running until one of
// those.
func Run(ctx context.Context, paired *rendezvous.Paired, id *identity.Identity, opts Options, in io.Reader, out io.Writer) error {
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	logger := opts.Logger.With(
		slog.String(logging.KeyComponent, "call"),
		slog.String(logging.KeyRole, paired.Role.String()))

	stream, err := runHandshake(paired, id, opts)
	if err != nil {
		paired.Conn.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	defer stream.Close()

	logger.Info("handshake complete")
	fmt.Fprintln(out, "Secure channel established. Type /msg <text> to chat, /exit to leave.")

	if opts.Voice.Enabled {
		transport, err := startVoice(paired.Role, opts)
		if err != nil {
			// A busy voice port should not kill the chat session.
			logger.Warn("voice transport unavailable", slog.String(logging.KeyError, err.Error()))
			fmt.Fprintln(out, "Voice is unavailable; continuing chat-only.")
		} else {
			defer transport.Close()
			if opts.Capture != nil {
				go pumpCapture(ctx, opts.Capture, transport)
			}
		}
	}

	shutdown := make(chan struct{})
	recvDone := make(chan error, 1)
	go receiveLoop(stream, opts.Metrics, logger, out, shutdown, recvDone)

	inputErr := inputLoop(stream, opts, in, out)

	close(shutdown)
	wait := opts.Stream.ReadTimeout
	if wait <= 0 {
		wait = time.Second
	}
	select {
	case err := <-recvDone:
		if err != nil && !session.IsFatal(err) {
			logger.Warn("receiver stopped", slog.String(logging.KeyError, err.Error()))
		}
	case <-time.After(2 * wait):
		// Receiver exits at its next read timeout; don't wait forever.
	}

	return inputErr
}

func runHandshake(paired *rendezvous.Paired, id *identity.Identity, opts Options) (*session.SecureStream, error) {
	start := time.Now()

	var stream *session.SecureStream
	var err error
	switch paired.Role {
	case session.RoleHost:
		stream, err = handshake.RunAsHost(paired.Conn, id, paired.PeerPub, opts.Stream)
	default:
		stream, err = handshake.Run(paired.Conn, id, paired.PeerPub, opts.Stream)
	}

	if err != nil {
		reason := "io"
		switch {
		case errors.Is(err, handshake.ErrIdentityMismatch):
			reason = "identity_mismatch"
		case errors.Is(err, handshake.ErrBadSignature):
			reason = "bad_signature"
		}
		opts.Metrics.HandshakeErrors.WithLabelValues(reason).Inc()
		return nil, err
	}

	opts.Metrics.HandshakeLatency.Observe(time.Since(start).Seconds())
	return stream, nil
}

func startVoice(role session.Role, opts Options) (*voice.Transport, error) {
	localPort, peerPort := opts.Voice.ClientLocalPort, opts.Voice.HostLocalPort
	senderID := clientSenderID
	if role == session.RoleHost {
		localPort, peerPort = opts.Voice.HostLocalPort, opts.Voice.ClientLocalPort
		senderID = hostSenderID
	}

	playback := opts.Playback
	if playback == nil {
		playback = make(chan []int16, opts.Voice.PlaybackBuffer)
		go func() {
			for range playback {
			}
		}()
	}

	return voice.Start(voice.TransportConfig{
		SenderID:       senderID,
		PeerAddr:       fmt.Sprintf("%s:%d", opts.Voice.PeerHost, peerPort),
		LocalBind:      fmt.Sprintf(":%d", localPort),
		Codec:          voice.NewPCMCodec(opts.Voice.FrameSamples),
		Playback:       playback,
		JitterCapacity: opts.Voice.JitterCapacity,
		Logger:         opts.Logger,
		Metrics:        opts.Metrics,
	})
}

func pumpCapture(ctx context.Context, capture <-chan []int16, transport *voice.Transport) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-capture:
			if !ok {
				return
			}
			transport.SendFrame(frame)
		}
	}
}

// receiveLoop reads chat frames until shutdown or a fatal error. Per-frame
// failures (replay, decryption, malformed payload) are logged and skipped.
func receiveLoop(stream *session.SecureStream, m *metrics.Metrics, logger *slog.Logger, out io.Writer, shutdown <-chan struct{}, done chan<- error) {
	for {
		select {
		case <-shutdown:
			done <- nil
			return
		default:
		}

		data, err := stream.Recv()
		if err != nil {
			switch {
			case session.IsTimeout(err):
				continue
			case errors.Is(err, session.ErrReplayDetected):
				m.StreamErrors.WithLabelValues("replay").Inc()
				logger.Warn("replayed frame dropped")
				continue
			case errors.Is(err, session.ErrDecryptionFailed):
				m.StreamErrors.WithLabelValues("decrypt").Inc()
				logger.Warn("undecryptable frame dropped")
				continue
			case errors.Is(err, session.ErrMalformedPacket), errors.Is(err, session.ErrUnexpectedEof):
				m.StreamErrors.WithLabelValues("frame").Inc()
				logger.Warn("malformed frame dropped")
				continue
			default:
				done <- err
				return
			}
		}

		m.ChatFramesReceived.Inc()
		m.ChatBytesReceived.Add(float64(len(data)))

		msg, err := protocol.DecodeChatMessage(data)
		if err != nil {
			logger.Warn("undecodable chat message", slog.String(logging.KeyError, err.Error()))
			continue
		}

		switch {
		case msg.Text != nil:
			fmt.Fprintf(out, "\n[%s]: %s\n> ", msg.Text.SenderID, msg.Text.Body)
		case msg.System != nil:
			fmt.Fprintf(out, "\n[SYSTEM]: %s\n> ", msg.System.Body)
		}
	}
}

// inputLoop reads user lines and sends chat messages until /exit or EOF.
func inputLoop(stream *session.SecureStream, opts Options, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "/exit":
			// Best effort: tell the peer we are leaving.
			if msg, err := protocol.EncodeChatMessage(&protocol.ChatMessage{
				System: &protocol.SystemMessage{Body: opts.SenderName + " left the call"},
			}); err == nil {
				stream.Send(msg)
			}
			return nil

		case strings.HasPrefix(line, "/msg "):
			body := strings.TrimPrefix(line, "/msg ")
			data, err := protocol.EncodeChatMessage(&protocol.ChatMessage{
				Text: &protocol.ChatText{SenderID: opts.SenderName, Body: body},
			})
			if err != nil {
				fmt.Fprintf(out, "cannot encode message: %v\n> ", err)
				continue
			}
			if err := stream.Send(data); err != nil {
				if errors.Is(err, session.ErrFrameTooLarge) {
					fmt.Fprint(out, "message too long\n> ")
					continue
				}
				return fmt.Errorf("send message: %w", err)
			}
			opts.Metrics.ChatFramesSent.Inc()
			opts.Metrics.ChatBytesSent.Add(float64(len(data)))
			fmt.Fprint(out, "> ")

		case line == "":
			fmt.Fprint(out, "> ")

		default:
			fmt.Fprint(out, "Usage: /msg <text> or /exit\n> ")
		}
	}

	return scanner.Err()
}
