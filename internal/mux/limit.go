package mux

// Limiter bounds the total number of concurrently open ADB streams on
// one connection. If max is <= 0, it is a no-op. Ported from the
// teacher's smux-session-wrapping limiter (internal/mux/limit.go),
// generalised from wrapping net.Conn substreams to gating Multiplexer.Open
// calls directly, since the Multiplexer — not a borrowed session type —
// owns stream lifecycle here.
type Limiter struct {
	sem chan struct{}
}

func NewLimiter(max int) *Limiter {
	if max <= 0 {
		return nil
	}
	return &Limiter{sem: make(chan struct{}, max)}
}

// Acquire reserves one slot. No-op when limiter is nil.
func (l *Limiter) Acquire() {
	if l == nil {
		return
	}
	l.sem <- struct{}{}
}

// TryAcquire attempts to reserve a slot without blocking. Returns false
// if the limit has been reached.
func (l *Limiter) TryAcquire() bool {
	if l == nil {
		return true
	}
	select {
	case l.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a slot. Safe to call multiple times.
func (l *Limiter) Release() {
	if l == nil {
		return
	}
	select {
	case <-l.sem:
	default:
	}
}
