package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/peerwave/peerwave-node/pkg/protocol"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// muxPair wires two MuxConns over an in-memory pipe, one per side
func muxPair(t *testing.T, mtu int) (*MuxConn, *MuxConn) {
	t.Helper()

	linkA, linkB := net.Pipe()

	a := NewMuxConn(NewPeerID("eth", "0xb"), BLEAddr("dev-b"), MuxConfig{MTU: mtu, Initiator: true}, quietLogger())
	b := NewMuxConn(NewPeerID("eth", "0xa"), BLEAddr("dev-a"), MuxConfig{MTU: mtu}, quietLogger())

	a.Start(linkA)
	b.Start(linkB)

	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	return a, b
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestMuxConnOpenStreamAndSend(t *testing.T) {
	a, b := muxPair(t, 64)

	incoming := make(chan Stream, 1)
	b.OnStream(func(s Stream) { incoming <- s })

	sa, err := a.OpenStream(context.Background(), protocol.ProtocolChat)
	if err != nil {
		t.Fatalf("open stream failed: %v", err)
	}

	var sb Stream
	select {
	case sb = <-incoming:
	case <-time.After(2 * time.Second):
		t.Fatal("remote never saw the stream open")
	}

	if sb.Protocol() != protocol.ProtocolChat {
		t.Errorf("expected protocol %s, got %s", protocol.ProtocolChat, sb.Protocol())
	}

	received := make(chan []byte, 1)
	sb.OnData(func(data []byte) { received <- data })

	if err := sa.Send(context.Background(), []byte("hello")); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case data := <-received:
		if string(data) != "hello" {
			t.Errorf("expected hello, got %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never arrived")
	}
}

func TestMuxConnChunkedReassembly(t *testing.T) {
	// MTU 24 leaves 16 payload bytes per frame, so this message needs
	// several frames
	a, b := muxPair(t, 24)

	incoming := make(chan Stream, 1)
	b.OnStream(func(s Stream) { incoming <- s })

	sa, err := a.OpenStream(context.Background(), protocol.ProtocolChat)
	if err != nil {
		t.Fatalf("open stream failed: %v", err)
	}
	sb := <-incoming

	received := make(chan []byte, 1)
	sb.OnData(func(data []byte) { received <- data })

	msg := []byte(strings.Repeat("abcdefgh", 13)) // 104 bytes
	if err := sa.Send(context.Background(), msg); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case data := <-received:
		if string(data) != string(msg) {
			t.Errorf("reassembled message differs: %d vs %d bytes", len(data), len(msg))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never arrived")
	}

	if stats := a.Stats(); stats.MessagesSent != 1 || stats.BytesSent != uint64(len(msg)) {
		t.Errorf("sender counters wrong: %+v", stats)
	}
	waitFor(t, func() bool {
		stats := b.Stats()
		return stats.MessagesReceived == 1 && stats.BytesReceived == uint64(len(msg))
	}, "receiver counters never converged")
}

func TestMuxConnFIFOOrder(t *testing.T) {
	a, b := muxPair(t, 32)

	incoming := make(chan Stream, 1)
	b.OnStream(func(s Stream) { incoming <- s })

	sa, err := a.OpenStream(context.Background(), protocol.ProtocolChat)
	if err != nil {
		t.Fatalf("open stream failed: %v", err)
	}
	sb := <-incoming

	received := make(chan []byte, 16)
	sb.OnData(func(data []byte) { received <- data })

	want := []string{"first", "second message padded out", "third", "fourth-much-longer-payload-for-chunking", "fifth"}
	for _, msg := range want {
		if err := sa.Send(context.Background(), []byte(msg)); err != nil {
			t.Fatalf("send %q failed: %v", msg, err)
		}
	}

	for i, wantMsg := range want {
		select {
		case data := <-received:
			if string(data) != wantMsg {
				t.Fatalf("message %d out of order: expected %q, got %q", i, wantMsg, data)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d never arrived", i)
		}
	}
}

func TestMuxConnConcurrentStreams(t *testing.T) {
	a, b := muxPair(t, 32)

	type tagged struct {
		protocol string
		data     []byte
	}
	received := make(chan tagged, 4)
	b.OnStream(func(s Stream) {
		s.OnData(func(data []byte) {
			received <- tagged{protocol: s.Protocol(), data: data}
		})
	})

	s1, err := a.OpenStream(context.Background(), protocol.ProtocolChat)
	if err != nil {
		t.Fatalf("open chat stream failed: %v", err)
	}
	s2, err := a.OpenStream(context.Background(), protocol.ProtocolSignal)
	if err != nil {
		t.Fatalf("open signal stream failed: %v", err)
	}

	chatMsg := strings.Repeat("c", 200)
	signalMsg := strings.Repeat("s", 200)

	errs := make(chan error, 2)
	go func() { errs <- s1.Send(context.Background(), []byte(chatMsg)) }()
	go func() { errs <- s2.Send(context.Background(), []byte(signalMsg)) }()

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent send failed: %v", err)
		}
	}

	// Both messages must arrive intact; frames of the two messages never
	// interleave because one queue item is written out whole
	for i := 0; i < 2; i++ {
		select {
		case got := <-received:
			switch got.protocol {
			case protocol.ProtocolChat:
				if string(got.data) != chatMsg {
					t.Error("chat message corrupted")
				}
			case protocol.ProtocolSignal:
				if string(got.data) != signalMsg {
					t.Error("signal message corrupted")
				}
			default:
				t.Errorf("unexpected protocol %s", got.protocol)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("messages never arrived")
		}
	}
}

func TestMuxConnStreamIDParity(t *testing.T) {
	a, b := muxPair(t, 64)

	s1, _ := a.OpenStream(context.Background(), "/p/1")
	s2, _ := a.OpenStream(context.Background(), "/p/2")
	s3, _ := b.OpenStream(context.Background(), "/p/3")
	s4, _ := b.OpenStream(context.Background(), "/p/4")

	if s1.ID() != "1" || s2.ID() != "3" {
		t.Errorf("initiator ids should be odd: got %s, %s", s1.ID(), s2.ID())
	}
	if s3.ID() != "2" || s4.ID() != "4" {
		t.Errorf("responder ids should be even: got %s, %s", s3.ID(), s4.ID())
	}
}

func TestMuxConnUnknownStreamDropped(t *testing.T) {
	linkA, linkB := net.Pipe()

	b := NewMuxConn(NewPeerID("eth", "0xa"), BLEAddr("dev-a"), MuxConfig{MTU: 64}, quietLogger())
	b.Start(linkB)
	t.Cleanup(func() {
		b.Close()
		linkA.Close()
	})

	streams := make(chan Stream, 1)
	b.OnStream(func(s Stream) { streams <- s })

	// A data frame for a stream that was never opened
	header := &protocol.FrameHeader{
		Type:     protocol.FrameData,
		StreamID: 9,
		Flags:    protocol.FrameFlagEnd,
	}
	if err := protocol.WriteFrame(linkA, header, []byte("orphan")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// Counters still move even though the frame was dropped
	waitFor(t, func() bool {
		stats := b.Stats()
		return stats.BytesReceived == 6 && stats.MessagesReceived == 1
	}, "receive counters never counted the dropped frame")

	select {
	case <-streams:
		t.Fatal("no stream should exist for a dropped frame")
	default:
	}
	if len(b.Streams()) != 0 {
		t.Errorf("expected no streams, got %d", len(b.Streams()))
	}
}

func TestMuxConnStreamClose(t *testing.T) {
	a, b := muxPair(t, 64)

	incoming := make(chan Stream, 1)
	b.OnStream(func(s Stream) { incoming <- s })

	sa, err := a.OpenStream(context.Background(), protocol.ProtocolChat)
	if err != nil {
		t.Fatalf("open stream failed: %v", err)
	}
	sb := <-incoming

	closed := make(chan struct{}, 1)
	sb.OnClose(func() { closed <- struct{}{} })

	if err := sa.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("remote never saw the close")
	}

	if err := sa.Send(context.Background(), []byte("late")); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("expected ErrStreamClosed, got %v", err)
	}
	if len(a.Streams()) != 0 {
		t.Error("closed stream should be forgotten")
	}
}

func TestMuxConnStreamAbort(t *testing.T) {
	a, b := muxPair(t, 64)

	incoming := make(chan Stream, 1)
	b.OnStream(func(s Stream) { incoming <- s })

	sa, err := a.OpenStream(context.Background(), protocol.ProtocolChat)
	if err != nil {
		t.Fatalf("open stream failed: %v", err)
	}
	sb := <-incoming

	aborted := make(chan error, 1)
	sb.OnError(func(err error) { aborted <- err })

	sa.Abort(errors.New("decrypt failure"))

	select {
	case err := <-aborted:
		if !strings.Contains(err.Error(), "decrypt failure") {
			t.Errorf("abort reason lost: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("remote never saw the abort")
	}

	if sa.State() != StreamError {
		t.Errorf("expected error state, got %s", sa.State())
	}
}

func TestMuxConnClose(t *testing.T) {
	a, b := muxPair(t, 64)

	sa, err := a.OpenStream(context.Background(), protocol.ProtocolChat)
	if err != nil {
		t.Fatalf("open stream failed: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if a.State() != StateClosed {
		t.Errorf("expected closed, got %s", a.State())
	}
	if sa.State().Terminal() == false {
		t.Error("streams must not outlive their connection")
	}

	// The peer sees the pipe drop as an orderly close
	waitFor(t, func() bool { return b.State() == StateClosed }, "peer never reached closed")

	if _, err := a.OpenStream(context.Background(), protocol.ProtocolChat); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := sa.Send(context.Background(), []byte("late")); err == nil {
		t.Error("send after close must fail")
	}
}

func TestMuxConnOpenStreamBeforeStart(t *testing.T) {
	c := NewMuxConn(NewPeerID("eth", "0xa"), BLEAddr("dev-a"), MuxConfig{}, quietLogger())

	if _, err := c.OpenStream(context.Background(), protocol.ProtocolChat); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}
