package mux

import (
	"context"
	"io"
	"sync"

	"adbcore/internal/adberrors"
	"adbcore/internal/codec"
)

type streamState int

const (
	stateOpening streamState = iota
	stateOpen
	stateClosed
)

// Stream is one ADB multiplexed channel: a single logical pipe identified
// by a locally-assigned id, gated by OKAY/WRTE backpressure per spec.md
// §4.6-4.7. Reads are single-consumer; concurrent Read calls on the same
// Stream are not supported, matching every reference client in the
// corpus (see other_examples/binzume-adbproto__adb.go's Stream.Ch). A
// CLSE from either side tears the stream down fully and immediately;
// ADB has no TCP-style half-close.
type Stream struct {
	mux   *Multiplexer
	local uint32

	mu              sync.Mutex
	remote          uint32
	state           streamState
	queue           [][]byte
	localClose      bool
	remoteInitiated bool
	closeCause      error
	counted         bool // true once the stream has been counted in streamsActive

	dataReady chan struct{} // edge-triggered wakeup, capacity 1
	openWait  chan error    // signalled once, on Opening -> Open/refused
	permit    chan struct{} // capacity 1; holds a token while writes are allowed
}

func newStream(m *Multiplexer, local uint32) *Stream {
	return &Stream{
		mux:       m,
		local:     local,
		state:     stateOpening,
		dataReady: make(chan struct{}, 1),
		openWait:  make(chan error, 1),
		permit:    make(chan struct{}, 1),
	}
}

func (s *Stream) wake() {
	select {
	case s.dataReady <- struct{}{}:
	default:
	}
}

// onOpened is called by the reader loop on the first OKAY for an Opening
// stream, recording the peer's id and granting the first write permit.
func (s *Stream) onOpened(remoteID uint32) {
	s.mu.Lock()
	s.remote = remoteID
	s.state = stateOpen
	s.counted = true
	s.mu.Unlock()
	select {
	case s.permit <- struct{}{}:
	default:
	}
	select {
	case s.openWait <- nil:
	default:
	}
}

// uncount returns true the first time it is called on a stream that
// reached stateOpen, false on every other call (including for streams
// that never got past Opening). Used to keep the streamsActive gauge
// balanced against exactly the streams that were ever counted as open.
func (s *Stream) uncount() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.counted {
		return false
	}
	s.counted = false
	return true
}

// onOkay replenishes the write permit for an already-open stream.
func (s *Stream) onOkay() {
	select {
	case s.permit <- struct{}{}:
	default:
	}
}

// onData appends inbound WRTE payload to the unbounded read queue. The
// caller (the mux reader loop) has already sent the OKAY acknowledging
// this WRTE before or immediately after this call; queueing never blocks
// so the reader loop can never be stalled by a slow consumer.
func (s *Stream) onData(payload []byte) {
	if len(payload) == 0 {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, payload)
	s.mu.Unlock()
	s.wake()
}

// onRemoteClose tears the stream down fully: the peer sent CLSE, either
// refusing an in-flight OPEN or ending an established stream. Any data
// already queued remains readable until drained.
func (s *Stream) onRemoteClose() {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	wasOpening := s.state == stateOpening
	s.state = stateClosed
	s.remoteInitiated = true
	if wasOpening {
		s.closeCause = adberrors.New(adberrors.KindConnectionRefused, "open")
	}
	s.mu.Unlock()
	select {
	case s.openWait <- s.closeCause:
	default:
	}
	s.wake()
}

// destroy forcibly closes the stream, used on connection-wide teardown.
func (s *Stream) destroy(cause error) {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosed
	if s.closeCause == nil {
		s.closeCause = cause
	}
	s.mu.Unlock()
	select {
	case s.openWait <- s.closeCause:
	default:
	}
	s.wake()
}

// Read returns the next chunk of data. Per spec.md §4.7 it returns
// (0, io.EOF) once the peer has closed and the queue is drained, a
// StreamClosed error if the stream was closed locally, or, if the
// connection was torn down, the error that ended it.
func (s *Stream) Read(ctx context.Context, buf []byte) (int, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			data := s.queue[0]
			n := copy(buf, data)
			if n < len(data) {
				s.queue[0] = data[n:]
			} else {
				s.queue = s.queue[1:]
			}
			s.mu.Unlock()
			return n, nil
		}
		state := s.state
		localClose := s.localClose
		remoteInitiated := s.remoteInitiated
		cause := s.closeCause
		s.mu.Unlock()

		switch {
		case state != stateClosed:
			// fall through to wait below
		case localClose:
			return 0, adberrors.New(adberrors.KindStreamClosed, "read")
		case remoteInitiated:
			return 0, io.EOF
		case cause != nil:
			return 0, cause
		default:
			return 0, adberrors.New(adberrors.KindStreamClosed, "read")
		}

		select {
		case <-s.dataReady:
		case <-ctx.Done():
			return 0, adberrors.Wrap(adberrors.KindCancelled, "read", ctx.Err())
		}
	}
}

// Write sends p, chunked to the connection's negotiated max_data, gated
// by the OKAY-conservation protocol: at most one WRTE may be unacked at
// a time (spec.md §4.6 P4). Each chunk waits for the peer's OKAY before
// the next is sent, so Write returns only once every chunk is acked.
func (s *Stream) Write(ctx context.Context, p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		max := int(s.mux.activeMaxData)
		n := len(p)
		if max > 0 && n > max {
			n = max
		}
		chunk := p[:n]

		if err := s.acquirePermit(ctx); err != nil {
			return total, err
		}

		s.mu.Lock()
		remote := s.remote
		s.mu.Unlock()

		if err := s.mux.sendFrame(ctx, codec.CmdWRTE, s.local, remote, chunk); err != nil {
			return total, err
		}
		bytesTransferredTotal.WithLabelValues("out").Add(float64(n))
		total += n
		p = p[n:]

		// Wait for the OKAY that hands the permit back, then return it so
		// the next WRTE (this call's or a later one's) can take it.
		if err := s.acquirePermit(ctx); err != nil {
			return total, err
		}
		s.onOkay()
	}
	return total, nil
}

func (s *Stream) acquirePermit(ctx context.Context) error {
	for {
		s.mu.Lock()
		state := s.state
		localClose := s.localClose
		cause := s.closeCause
		s.mu.Unlock()
		if localClose {
			return adberrors.New(adberrors.KindStreamClosed, "write")
		}
		if state == stateClosed {
			if cause != nil {
				return cause
			}
			return adberrors.New(adberrors.KindStreamClosed, "write")
		}
		select {
		case <-s.permit:
			return nil
		case <-ctx.Done():
			return adberrors.Wrap(adberrors.KindCancelled, "write", ctx.Err())
		}
	}
}

// Close sends CLSE, unless the peer already tore the stream down, and
// removes it from the multiplexer's table. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.localClose {
		s.mu.Unlock()
		return nil
	}
	s.localClose = true
	alreadyTornDown := s.state == stateClosed
	remote := s.remote
	s.state = stateClosed
	s.mu.Unlock()

	s.wake()
	s.mux.removeStream(s.local, "local")

	if alreadyTornDown {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeSendTimeout)
	defer cancel()
	return s.mux.sendFrame(ctx, codec.CmdCLSE, s.local, remote, nil)
}

// LocalID returns the locally-assigned stream id, chiefly useful in logs.
func (s *Stream) LocalID() uint32 { return s.local }
