package mux

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"adbcore/internal/codec"
	"adbcore/internal/transport"
)

// harness wires a Multiplexer under test to a hand-driven fake peer over
// an in-memory net.Pipe, so the peer side can be scripted frame-by-frame
// without a real adbd.
type harness struct {
	t      *testing.T
	mux    *Multiplexer
	peer   net.Conn
	active uint32
}

func newHarness(t *testing.T, maxData uint32) *harness {
	t.Helper()
	hostConn, peerConn := net.Pipe()
	tr := transport.NewTCPTransport(hostConn)
	m := New(tr, Options{ActiveVersion: codec.VersionMin, ActiveMaxData: maxData})
	m.Start()
	h := &harness{t: t, mux: m, peer: peerConn, active: codec.VersionMin}
	t.Cleanup(func() { _ = peerConn.Close() })
	return h
}

func (h *harness) sendFrame(cmd codec.Command, arg0, arg1 uint32, payload []byte) {
	h.t.Helper()
	wire := codec.Encode(h.active, cmd, arg0, arg1, payload)
	if _, err := h.peer.Write(wire); err != nil {
		h.t.Fatalf("peer write: %v", err)
	}
}

func (h *harness) recvFrame() *codec.Frame {
	h.t.Helper()
	frame, err := codec.Decode(h.peer, h.active, codec.MaxData28)
	if err != nil {
		h.t.Fatalf("peer decode: %v", err)
	}
	return frame
}

func withDeadline(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestOpenWriteReadClose covers scenario 5 from spec.md §8: a full
// open/write/read/close round trip, and P4 (OKAY conservation) along the
// way via the automatic OKAY the mux sends for each inbound WRTE.
func TestOpenWriteReadClose(t *testing.T) {
	h := newHarness(t, codec.MaxData24)
	ctx := withDeadline(t)

	type openResult struct {
		s   *Stream
		err error
	}
	resultCh := make(chan openResult, 1)
	go func() {
		s, err := h.mux.Open(ctx, "shell:echo hi")
		resultCh <- openResult{s, err}
	}()

	open := h.recvFrame()
	if open.Command != codec.CmdOPEN {
		t.Fatalf("expected OPEN, got %v", open.Command)
	}
	if open.Arg0 != 1 || open.Arg1 != 0 {
		t.Fatalf("unexpected OPEN addressing: arg0=%d arg1=%d", open.Arg0, open.Arg1)
	}
	if !bytes.Equal(open.Payload, []byte("shell:echo hi\x00")) {
		t.Fatalf("unexpected OPEN payload: %q", open.Payload)
	}

	// Daemon grants the stream remote id 7.
	h.sendFrame(codec.CmdOKAY, 7, 1, nil)

	res := <-resultCh
	if res.err != nil {
		t.Fatalf("open: %v", res.err)
	}
	stream := res.s
	if stream.LocalID() != 1 {
		t.Fatalf("expected local id 1, got %d", stream.LocalID())
	}

	// Daemon writes data; the mux must answer with OKAY automatically.
	h.sendFrame(codec.CmdWRTE, 7, 1, []byte("hi\n"))
	okay := h.recvFrame()
	if okay.Command != codec.CmdOKAY || okay.Arg0 != 1 || okay.Arg1 != 7 {
		t.Fatalf("expected OKAY(1,7) ack for WRTE, got %+v", okay)
	}

	buf := make([]byte, 64)
	n, err := stream.Read(ctx, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "hi\n" {
		t.Fatalf("unexpected read payload: %q", buf[:n])
	}

	// Daemon closes; stream drains to EOF.
	h.sendFrame(codec.CmdCLSE, 7, 1, nil)
	time.Sleep(20 * time.Millisecond)
	if _, err := stream.Read(ctx, buf); err != io.EOF {
		t.Fatalf("expected io.EOF after remote close, got %v", err)
	}

	if err := stream.Close(); err != nil {
		t.Fatalf("close after remote-initiated teardown should be a no-op: %v", err)
	}
}

// TestOpenRefused covers scenario 6 from spec.md §8: the daemon answers
// OPEN with CLSE instead of OKAY.
func TestOpenRefused(t *testing.T) {
	h := newHarness(t, codec.MaxData24)
	ctx := withDeadline(t)

	type openResult struct {
		s   *Stream
		err error
	}
	resultCh := make(chan openResult, 1)
	go func() {
		s, err := h.mux.Open(ctx, "shell:nope")
		resultCh <- openResult{s, err}
	}()

	open := h.recvFrame()
	h.sendFrame(codec.CmdCLSE, 0, open.Arg0, nil)

	res := <-resultCh
	if res.s != nil {
		t.Fatalf("expected nil stream on refusal")
	}
	if res.err == nil {
		t.Fatalf("expected an error on refusal")
	}
}

// TestWriteBackpressure covers P4: a second WRTE is not sent until the
// first is acknowledged with OKAY.
func TestWriteBackpressure(t *testing.T) {
	h := newHarness(t, codec.MaxData24)
	ctx := withDeadline(t)

	resultCh := make(chan *Stream, 1)
	go func() {
		s, err := h.mux.Open(ctx, "shell:")
		if err != nil {
			t.Errorf("open: %v", err)
		}
		resultCh <- s
	}()
	h.recvFrame()
	h.sendFrame(codec.CmdOKAY, 7, 1, nil)
	stream := <-resultCh

	writeErrCh := make(chan error, 2)
	go func() {
		_, err := stream.Write(ctx, []byte("first"))
		writeErrCh <- err
		_, err = stream.Write(ctx, []byte("second"))
		writeErrCh <- err
	}()

	first := h.recvFrame()
	if first.Command != codec.CmdWRTE || !bytes.Equal(first.Payload, []byte("first")) {
		t.Fatalf("unexpected first frame: %+v", first)
	}

	select {
	case <-time.After(50 * time.Millisecond):
	case err := <-writeErrCh:
		t.Fatalf("write returned before its WRTE was acknowledged (err=%v)", err)
	}

	h.sendFrame(codec.CmdOKAY, 7, 1, nil)
	second := h.recvFrame()
	if second.Command != codec.CmdWRTE || !bytes.Equal(second.Payload, []byte("second")) {
		t.Fatalf("unexpected second frame: %+v", second)
	}
	h.sendFrame(codec.CmdOKAY, 7, 1, nil)
	if err := <-writeErrCh; err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := <-writeErrCh; err != nil {
		t.Fatalf("second write: %v", err)
	}
}

// TestNoLocalIDReuse covers P5: local ids are assigned sequentially and
// never reused within one connection, even after a stream closes.
func TestNoLocalIDReuse(t *testing.T) {
	h := newHarness(t, codec.MaxData24)
	ctx := withDeadline(t)

	openAndAck := func() *Stream {
		resultCh := make(chan *Stream, 1)
		go func() {
			s, err := h.mux.Open(ctx, "shell:")
			if err != nil {
				t.Errorf("open: %v", err)
			}
			resultCh <- s
		}()
		open := h.recvFrame()
		h.sendFrame(codec.CmdOKAY, open.Arg0+100, open.Arg0, nil)
		return <-resultCh
	}

	s1 := openAndAck()
	if s1.LocalID() != 1 {
		t.Fatalf("expected first local id 1, got %d", s1.LocalID())
	}
	// net.Pipe is unbuffered, so Close's CLSE write only completes once
	// the peer side reads it.
	closeErrCh := make(chan error, 1)
	go func() { closeErrCh <- s1.Close() }()
	h.recvFrame() // drain the CLSE s1.Close() sends
	if err := <-closeErrCh; err != nil {
		t.Fatalf("close: %v", err)
	}

	s2 := openAndAck()
	if s2.LocalID() != 2 {
		t.Fatalf("expected second local id 2 (no reuse), got %d", s2.LocalID())
	}
}

// TestStreamsClosedTotalLabelsCauseCorrectly ensures a peer-initiated
// CLSE is counted under the "remote" cause label, not "local" (a local
// Close call is covered by the other label in the same metric).
func TestStreamsClosedTotalLabelsCauseCorrectly(t *testing.T) {
	h := newHarness(t, codec.MaxData24)
	ctx := withDeadline(t)

	before := testutil.ToFloat64(streamsClosedTotal.WithLabelValues("remote"))

	resultCh := make(chan *Stream, 1)
	go func() {
		s, err := h.mux.Open(ctx, "shell:")
		if err != nil {
			t.Errorf("open: %v", err)
		}
		resultCh <- s
	}()
	h.recvFrame()
	h.sendFrame(codec.CmdOKAY, 7, 1, nil)
	stream := <-resultCh

	h.sendFrame(codec.CmdCLSE, 7, 1, nil)
	time.Sleep(20 * time.Millisecond)

	after := testutil.ToFloat64(streamsClosedTotal.WithLabelValues("remote"))
	if after != before+1 {
		t.Fatalf("streamsClosedTotal{cause=remote} = %v, want %v", after, before+1)
	}

	buf := make([]byte, 64)
	if _, err := stream.Read(ctx, buf); err != io.EOF {
		t.Fatalf("expected io.EOF after remote close, got %v", err)
	}
}

// TestLimiterBoundsConcurrentStreams ensures the configured limiter
// rejects an Open beyond MaxConcurrentStreams.
func TestLimiterBoundsConcurrentStreams(t *testing.T) {
	hostConn, peerConn := net.Pipe()
	defer peerConn.Close()
	tr := transport.NewTCPTransport(hostConn)
	m := New(tr, Options{ActiveVersion: codec.VersionMin, ActiveMaxData: codec.MaxData24, MaxConcurrentStreams: 1})
	m.Start()
	ctx := withDeadline(t)

	go func() { _, _ = m.Open(ctx, "shell:") }()
	// Drain the OPEN frame but never ack it, holding the first slot.
	_, _ = codec.Decode(peerConn, codec.VersionMin, codec.MaxData28)

	time.Sleep(20 * time.Millisecond)
	if _, err := m.Open(ctx, "shell:"); err == nil {
		t.Fatalf("expected TooManyStreams error, got nil")
	}
}
