package transport

import "context"

// FrameReader adapts a Transport's RecvExact into an io.Reader bound to a
// single context, so codec.Decode can read frames directly off the wire
// without knowing about Transport or contexts.
type FrameReader struct {
	ctx context.Context
	t   Transport
}

// NewFrameReader binds t to ctx for the lifetime of the reader. A fresh
// FrameReader is cheap to construct; callers needing a new deadline per
// frame (the mux reader loop does not: it reads for the life of the
// connection) construct a new one.
func NewFrameReader(ctx context.Context, t Transport) *FrameReader {
	return &FrameReader{ctx: ctx, t: t}
}

// Read implements io.Reader by always filling p completely via RecvExact,
// since Transport has no notion of a short, non-error read.
func (r *FrameReader) Read(p []byte) (int, error) {
	b, err := r.t.RecvExact(r.ctx, len(p))
	if err != nil {
		return 0, err
	}
	copy(p, b)
	return len(b), nil
}
