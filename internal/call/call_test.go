package call

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/duovoice/internal/config"
	"github.com/postalsys/duovoice/internal/crypto"
	"github.com/postalsys/duovoice/internal/identity"
	"github.com/postalsys/duovoice/internal/logging"
	"github.com/postalsys/duovoice/internal/metrics"
	"github.com/postalsys/duovoice/internal/protocol"
	"github.com/postalsys/duovoice/internal/rendezvous"
	"github.com/postalsys/duovoice/internal/session"
)

// syncBuffer is a goroutine-safe output sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitForOutput(t *testing.T, buf *syncBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(buf.String(), want) {
		if time.Now().After(deadline) {
			t.Fatalf("output never contained %q; got %q", want, buf.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testMetrics() *metrics.Metrics {
	return metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
}

func testOptions(name string) Options {
	return Options{
		SenderName: name,
		Stream:     session.StreamConfig{ReadTimeout: 50 * time.Millisecond},
		Voice:      config.VoiceConfig{Enabled: false},
		Logger:     logging.NopLogger(),
		Metrics:    testMetrics(),
	}
}

func TestCallChatExchange(t *testing.T) {
	srv := rendezvous.NewServer(rendezvous.ServerConfig{Listen: "127.0.0.1:0"}, logging.NopLogger(), testMetrics())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ListenAndServe(ctx)
	for srv.Addr() == nil {
		time.Sleep(time.Millisecond)
	}
	addr := srv.Addr().String()

	idA, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	idB, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}

	var outA, outB syncBuffer
	inAr, inAw := io.Pipe()
	inBr, inBw := io.Pipe()

	errA := make(chan error, 1)
	go func() {
		paired, err := rendezvous.Create(ctx, addr, "CALL-TEST", idA)
		if err != nil {
			errA <- err
			return
		}
		errA <- Run(ctx, paired, idA, testOptions("alice"), inAr, &outA)
	}()

	time.Sleep(100 * time.Millisecond)

	errB := make(chan error, 1)
	go func() {
		paired, err := rendezvous.Join(ctx, addr, "CALL-TEST", idB)
		if err != nil {
			errB <- err
			return
		}
		errB <- Run(ctx, paired, idB, testOptions("bob"), inBr, &outB)
	}()

	// Both sides complete the handshake.
	waitForOutput(t, &outA, "Secure channel established")
	waitForOutput(t, &outB, "Secure channel established")

	// Alice talks; Bob sees it.
	io.WriteString(inAw, "/msg hello bob\n")
	waitForOutput(t, &outB, "[alice]: hello bob")

	// Bob replies; Alice sees it.
	io.WriteString(inBw, "/msg hi alice\n")
	waitForOutput(t, &outA, "[bob]: hi alice")

	// Alice leaves; Bob gets the system notice, then leaves too.
	io.WriteString(inAw, "/exit\n")
	if err := <-errA; err != nil {
		t.Errorf("alice Run() error = %v", err)
	}
	waitForOutput(t, &outB, "[SYSTEM]: alice left the call")

	io.WriteString(inBw, "/exit\n")
	if err := <-errB; err != nil {
		t.Errorf("bob Run() error = %v", err)
	}
}

func streamPair(t *testing.T) (*session.SecureStream, *session.SecureStream) {
	t.Helper()
	var key [crypto.KeySize]byte
	for i := range key {
		key[i] = 0x24
	}
	var peer [crypto.Ed25519PublicKeySize]byte

	sa, err := session.NewSecureSession(session.RoleClient, key, peer)
	if err != nil {
		t.Fatal(err)
	}
	sb, err := session.NewSecureSession(session.RoleHost, key, peer)
	if err != nil {
		t.Fatal(err)
	}

	ca, cb := net.Pipe()
	streamA := session.NewSecureStream(ca, sa, session.StreamConfig{ReadTimeout: 50 * time.Millisecond, WriteTimeout: time.Second})
	streamB := session.NewSecureStream(cb, sb, session.StreamConfig{ReadTimeout: 50 * time.Millisecond, WriteTimeout: time.Second})
	t.Cleanup(func() {
		streamA.Close()
		streamB.Close()
	})
	return streamA, streamB
}

func TestInputLoopCommands(t *testing.T) {
	streamA, streamB := streamPair(t)

	received := make(chan *protocol.ChatMessage, 4)
	go func() {
		for {
			data, err := streamB.Recv()
			if err != nil {
				if session.IsTimeout(err) {
					continue
				}
				close(received)
				return
			}
			msg, err := protocol.DecodeChatMessage(data)
			if err == nil {
				received <- msg
			}
		}
	}()

	var out syncBuffer
	input := strings.NewReader("bogus\n/msg one\n\n/msg two\n/exit\n")

	opts := testOptions("alice")
	if err := inputLoop(streamA, opts, input, &out); err != nil {
		t.Fatalf("inputLoop() error = %v", err)
	}

	want := []string{"one", "two"}
	for _, body := range want {
		select {
		case msg := <-received:
			if msg.Text == nil || msg.Text.Body != body || msg.Text.SenderID != "alice" {
				t.Errorf("received %+v, want text %q", msg, body)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("never received %q", body)
		}
	}

	// /exit sends the departure notice.
	select {
	case msg := <-received:
		if msg.System == nil || !strings.Contains(msg.System.Body, "left the call") {
			t.Errorf("final message = %+v, want system departure", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never received departure notice")
	}

	if !strings.Contains(out.String(), "Usage:") {
		t.Error("unknown command did not print usage")
	}
}

func TestReceiveLoopPrintsAndStops(t *testing.T) {
	streamA, streamB := streamPair(t)

	var out syncBuffer
	shutdown := make(chan struct{})
	done := make(chan error, 1)
	m := testMetrics()
	go receiveLoop(streamB, m, logging.NopLogger(), &out, shutdown, done)

	good, err := protocol.EncodeChatMessage(&protocol.ChatMessage{Text: &protocol.ChatText{SenderID: "x", Body: "first"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := streamA.Send(good); err != nil {
		t.Fatal(err)
	}
	waitForOutput(t, &out, "[x]: first")

	// The receiver must survive per-frame errors and keep printing.
	if err := streamA.Send([]byte{9, 0, 0, 0}); err != nil { // unknown chat tag
		t.Fatal(err)
	}
	good2, _ := protocol.EncodeChatMessage(&protocol.ChatMessage{Text: &protocol.ChatText{SenderID: "x", Body: "second"}})
	if err := streamA.Send(good2); err != nil {
		t.Fatal(err)
	}
	waitForOutput(t, &out, "[x]: second")

	close(shutdown)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("receiver did not stop")
	}
}
