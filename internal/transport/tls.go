package transport

import (
	"context"
	"crypto/tls"

	"adbcore/internal/adberrors"
	"adbcore/internal/tlsutil"
)

// UpgradeToTLS performs the TLS 1.3 client handshake over the existing
// socket, replacing t's connection in place. Only called after the
// application layer has exchanged STLS frames (spec.md §4.4). When ctx
// carries a fingerprint name (tlsutil.WithFingerprint, threaded through
// by handshake.Options.Fingerprint), the handshake is shaped with uTLS
// instead of crypto/tls so the upgraded ClientHello resembles a real
// browser's rather than Go's default.
func (t *TCPTransport) UpgradeToTLS(ctx context.Context, cfg *tls.Config) error {
	if cfg == nil {
		cfg = &tls.Config{}
	}

	fingerprint := tlsutil.FingerprintFromContext(ctx)
	if fingerprint != "" {
		upgraded, err := tlsutil.WrapUTLS(ctx, t.conn, cfg, fingerprint)
		if err != nil {
			return adberrors.Wrap(adberrors.KindTransportClosed, "tls_upgrade", err)
		}
		t.conn = upgraded
		return nil
	}

	tlsConn := tls.Client(t.conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return adberrors.Wrap(adberrors.KindTransportClosed, "tls_upgrade", err)
	}
	t.conn = tlsConn
	return nil
}
