// Package mux implements the ADB stream multiplexer: one Multiplexer
// owns a connected Transport and fans OPEN/OKAY/WRTE/CLSE frames out to
// and in from per-destination Streams, per spec.md §4.6-4.7. Grounded on
// other_examples/binzume-adbproto__adb.go's Conn/Stream pair, generalised
// with unbounded per-stream read queues, explicit write-permit gating and
// a pluggable concurrent-stream Limiter (internal/mux/limit.go, ported
// from the teacher's smux-session limiter).
package mux

import (
	"context"
	"sync"
	"time"

	"adbcore/internal/adberrors"
	"adbcore/internal/codec"
	"adbcore/internal/transport"
)

const closeSendTimeout = 5 * time.Second

// Multiplexer owns the receive half of a Connected transport and the
// table of live Streams for one ADB connection.
type Multiplexer struct {
	t             transport.Transport
	activeVersion uint32
	activeMaxData uint32
	limiter       *Limiter

	writeMu sync.Mutex

	mu       sync.Mutex
	streams  map[uint32]*Stream
	nextID   uint32
	closed   bool
	closeErr error
	doneCh   chan struct{}
}

// Options configures a Multiplexer. MaxConcurrentStreams <= 0 disables
// the limiter.
type Options struct {
	ActiveVersion        uint32
	ActiveMaxData        uint32
	MaxConcurrentStreams int
}

// New builds a Multiplexer over an already-Connected transport. It does
// not start receiving until Start is called.
func New(t transport.Transport, opts Options) *Multiplexer {
	maxData := opts.ActiveMaxData
	if maxData == 0 {
		maxData = codec.MaxDataLegacy
	}
	return &Multiplexer{
		t:             t,
		activeVersion: opts.ActiveVersion,
		activeMaxData: maxData,
		limiter:       NewLimiter(opts.MaxConcurrentStreams),
		streams:       make(map[uint32]*Stream),
		nextID:        1,
		doneCh:        make(chan struct{}),
	}
}

// Start spawns the reader loop that owns the transport's receive half for
// the remainder of the connection's life, per spec.md's single-reader-task
// model (the handshake itself reads synchronously before this point).
func (m *Multiplexer) Start() {
	go m.recvLoop()
}

// Done is closed once the reader loop exits, at which point every stream
// has been torn down. Err() reports why.
func (m *Multiplexer) Done() <-chan struct{} { return m.doneCh }

// Err returns the reason the multiplexer shut down, valid after Done is
// closed.
func (m *Multiplexer) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeErr
}

func (m *Multiplexer) sendFrame(ctx context.Context, cmd codec.Command, local, remote uint32, payload []byte) error {
	wire := codec.Encode(m.activeVersion, cmd, local, remote, payload)
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := m.t.SendAll(ctx, wire); err != nil {
		return adberrors.Wrap(adberrors.KindTransportClosed, "send_frame", err)
	}
	return nil
}

// Open starts a new stream to destination (e.g. "shell:", "sync:"), per
// spec.md §4.6: allocate the next local id (ids are never reused), send
// OPEN, and block until the peer answers OKAY or CLSE.
func (m *Multiplexer) Open(ctx context.Context, destination string) (*Stream, error) {
	if !m.limiter.TryAcquire() {
		return nil, adberrors.New(adberrors.KindTooManyStreams, "open")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.limiter.Release()
		if m.closeErr != nil {
			return nil, m.closeErr
		}
		return nil, adberrors.New(adberrors.KindTransportClosed, "open")
	}
	local := m.nextID
	m.nextID++
	s := newStream(m, local)
	m.streams[local] = s
	m.mu.Unlock()

	payload := append([]byte(destination), 0)
	if err := m.sendFrame(ctx, codec.CmdOPEN, local, 0, payload); err != nil {
		m.removeStream(local, "local")
		return nil, err
	}

	select {
	case err := <-s.openWait:
		if err != nil {
			m.removeStream(local, "remote")
			return nil, err
		}
		streamsOpenedTotal.Inc()
		streamsActive.Inc()
		return s, nil
	case <-ctx.Done():
		m.removeStream(local, "local")
		return nil, adberrors.Wrap(adberrors.KindCancelled, "open", ctx.Err())
	case <-m.doneCh:
		m.removeStream(local, "local")
		if err := m.Err(); err != nil {
			return nil, err
		}
		return nil, adberrors.New(adberrors.KindTransportClosed, "open")
	}
}

// removeStream drops local from the stream table, releasing its limiter
// slot and, if it had ever reached stateOpen, the streamsActive gauge.
// cause labels streamsClosedTotal ("local" for a caller-initiated close
// or a locally-detected failure, "remote" for a peer-sent CLSE or open
// refusal). Safe to call more than once for the same id.
func (m *Multiplexer) removeStream(local uint32, cause string) {
	m.mu.Lock()
	s, existed := m.streams[local]
	delete(m.streams, local)
	m.mu.Unlock()
	if !existed {
		return
	}
	m.limiter.Release()
	streamsClosedTotal.WithLabelValues(cause).Inc()
	if s.uncount() {
		streamsActive.Dec()
	}
}

func (m *Multiplexer) getStream(local uint32) *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[local]
}

// recvLoop is the single reader task for the life of the connection
// (post-handshake). It decodes one frame at a time and dispatches to the
// addressed stream, per spec.md §4.6.
func (m *Multiplexer) recvLoop() {
	reader := transport.NewFrameReader(context.Background(), m.t)
	var shutdownCause error

	for {
		frame, err := codec.Decode(reader, m.activeVersion, m.activeMaxData)
		if err != nil {
			shutdownCause = err
			break
		}

		switch frame.Command {
		case codec.CmdOKAY:
			s := m.getStream(frame.Arg1)
			if s == nil {
				continue
			}
			s.mu.Lock()
			opening := s.state == stateOpening
			s.mu.Unlock()
			if opening {
				s.onOpened(frame.Arg0)
			} else {
				s.onOkay()
			}

		case codec.CmdWRTE:
			s := m.getStream(frame.Arg1)
			if s == nil {
				// No stream to deliver to; still must answer CLSE so the
				// peer does not wait forever for an OKAY that will never
				// come.
				_ = m.sendFrame(context.Background(), codec.CmdCLSE, frame.Arg1, frame.Arg0, nil)
				continue
			}
			s.onData(frame.Payload)
			bytesTransferredTotal.WithLabelValues("in").Add(float64(len(frame.Payload)))
			_ = m.sendFrame(context.Background(), codec.CmdOKAY, frame.Arg1, frame.Arg0, nil)

		case codec.CmdCLSE:
			s := m.getStream(frame.Arg1)
			if s == nil {
				continue
			}
			s.onRemoteClose()
			m.removeStream(frame.Arg1, "remote")

		case codec.CmdCNXN, codec.CmdAUTH, codec.CmdSTLS:
			shutdownCause = adberrors.New(adberrors.KindProtocolError, "unexpected_command_after_connect")

		default:
			shutdownCause = adberrors.New(adberrors.KindProtocolError, "unexpected_command_after_connect")
		}

		if shutdownCause != nil {
			break
		}
	}

	m.shutdown(shutdownCause)
}

// shutdown tears down every live stream and marks the multiplexer dead.
// Safe to call more than once; only the first call has effect.
func (m *Multiplexer) shutdown(cause error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.closeErr = cause
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.streams = make(map[uint32]*Stream)
	m.mu.Unlock()

	for _, s := range streams {
		s.destroy(cause)
		if s.uncount() {
			streamsActive.Dec()
		}
	}
	_ = m.t.Close()
	close(m.doneCh)
}

// Shutdown closes the transport and tears down every open stream, for a
// caller-initiated disconnect rather than one discovered by the reader
// loop.
func (m *Multiplexer) Shutdown() {
	m.shutdown(adberrors.New(adberrors.KindTransportClosed, "shutdown"))
}
