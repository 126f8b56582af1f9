// Package transport abstracts the bidirectional byte stream adbcore
// speaks ADB frames over: plain TCP, upgraded in-place to TLS after an
// STLS handshake. See spec.md §4.3.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"adbcore/internal/adberrors"
	"adbcore/internal/tlsutil"
)

// Transport is the narrow interface the Handshake and Multiplexer need
// from the underlying connection. Implementations do not buffer
// outgoing bytes beyond one frame in flight; backpressure is inherited
// from the underlying socket.
type Transport interface {
	// SendAll writes the full buffer or returns an error; partial
	// writes never reach the caller.
	SendAll(ctx context.Context, b []byte) error
	// RecvExact reads exactly n bytes or returns an error.
	RecvExact(ctx context.Context, n int) ([]byte, error)
	// Close tears down the underlying connection.
	Close() error
	// UpgradeToTLS replaces the transport's underlying connection with
	// a TLS client connection over the same socket. Only valid to call
	// once, and only after the application-level STLS frame exchange
	// (spec.md §4.4) has already completed.
	UpgradeToTLS(ctx context.Context, cfg *tls.Config) error
}

// TCPTransport implements Transport over a net.Conn, upgradeable in
// place to crypto/tls (optionally uTLS-fingerprinted; see tls.go).
type TCPTransport struct {
	conn net.Conn
}

// NewTCPTransport wraps an already-established connection.
func NewTCPTransport(conn net.Conn) *TCPTransport {
	return &TCPTransport{conn: conn}
}

// DialTCP opens a connection to addr, honouring ctx cancellation and
// deadlines. If ctx carries a tlsutil.BaseDialFunc (tlsutil.WithBaseDialFunc),
// that function dials instead of a bare net.Dialer, so a caller can route
// the connection through an alternate underlay (a SOCKS jump host, say,
// for reaching a daemon behind a bastion) without adbcore knowing about it.
func DialTCP(ctx context.Context, addr string) (*TCPTransport, error) {
	var (
		conn net.Conn
		err  error
	)
	if fn, ok := tlsutil.BaseDialFuncFromContext(ctx); ok {
		conn, err = fn(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, adberrors.Wrap(adberrors.KindTransportClosed, "dial", err)
	}
	return NewTCPTransport(conn), nil
}

var noDeadline time.Time

func (t *TCPTransport) SendAll(ctx context.Context, b []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
		defer t.conn.SetWriteDeadline(noDeadline)
	}
	n := 0
	for n < len(b) {
		wrote, err := t.conn.Write(b[n:])
		if err != nil {
			return adberrors.Wrap(adberrors.KindTransportClosed, "send", err)
		}
		n += wrote
	}
	return nil
}

func (t *TCPTransport) RecvExact(ctx context.Context, n int) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(dl)
		defer t.conn.SetReadDeadline(noDeadline)
	}
	buf := make([]byte, n)
	read := 0
	for read < n {
		m, err := t.conn.Read(buf[read:])
		if err != nil {
			return nil, adberrors.Wrap(adberrors.KindTransportClosed, "recv", err)
		}
		read += m
	}
	return buf, nil
}

func (t *TCPTransport) Close() error {
	return t.conn.Close()
}

// UpgradeToTLS is implemented in tls.go, which also carries the
// optional uTLS fingerprinting path.
