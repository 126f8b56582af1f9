// Package tlsutil helps adbcore's transport upgrade a plaintext
// connection to TLS after the STLS frame exchange (spec.md §4.4),
// optionally shaping the ClientHello with uTLS so an STLS upgrade looks
// like a real browser's handshake rather than Go's default crypto/tls
// fingerprint. The pairing package does not use it.
package tlsutil

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	utls "github.com/refraction-networking/utls"
)

type fingerprintContextKey struct{}

// WithFingerprint stores the named browser fingerprint (see helloID) in
// ctx, for transport.TCPTransport.UpgradeToTLS to pick up.
func WithFingerprint(ctx context.Context, fingerprint string) context.Context {
	if fingerprint == "" {
		return ctx
	}
	return context.WithValue(ctx, fingerprintContextKey{}, fingerprint)
}

// FingerprintFromContext returns the fingerprint name stored by
// WithFingerprint, or "" if none was set.
func FingerprintFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(fingerprintContextKey{}).(string)
	return v
}

// DialUTLS dials addr and performs a uTLS handshake, honouring a
// BaseDialFunc stashed in ctx (see base_dialer.go) so callers can route
// the TCP dial through an alternate underlay dialer.
func DialUTLS(ctx context.Context, network, addr string, cfg *tls.Config, fingerprint string) (net.Conn, error) {
	var (
		conn net.Conn
		err  error
	)
	if fn, ok := BaseDialFuncFromContext(ctx); ok {
		conn, err = fn(ctx, network, addr)
	} else {
		d := &net.Dialer{}
		conn, err = d.DialContext(ctx, network, addr)
	}
	if err != nil {
		return nil, err
	}
	return WrapUTLS(ctx, conn, cfg, fingerprint)
}

// WrapUTLS performs a uTLS client handshake over an already-open
// connection, used by transport.TCPTransport.UpgradeToTLS for the
// in-place STLS upgrade.
func WrapUTLS(ctx context.Context, conn net.Conn, cfg *tls.Config, fingerprint string) (net.Conn, error) {
	uCfg := &utls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		RootCAs:            cfg.RootCAs,
		NextProtos:         cfg.NextProtos,
		MinVersion:         cfg.MinVersion,
		MaxVersion:         cfg.MaxVersion,
	}

	uconn := utls.UClient(conn, uCfg, helloID(fingerprint))
	if err := uconn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return uconn, nil
}

// helloID maps a short fingerprint name to a uTLS ClientHelloID. Unknown
// names fall back to a recent stable Chrome fingerprint, since an
// unrecognised name is far more likely to be a typo than an intentional
// "send Go's own fingerprint" request.
func helloID(name string) utls.ClientHelloID {
	switch name {
	case "chrome", "chrome_auto", "":
		return utls.HelloChrome_Auto
	case "firefox", "ff", "firefox_auto":
		return utls.HelloFirefox_Auto
	case "safari", "safari_auto":
		return utls.HelloSafari_Auto
	case "ios", "ios_auto":
		return utls.HelloIOS_Auto
	case "edge", "edge_auto":
		return utls.HelloEdge_Auto
	case "golang":
		return utls.HelloGolang
	default:
		return utls.HelloChrome_Auto
	}
}

// EnsureServerName fills cfg.ServerName from addr's host portion when
// unset, returning a clone rather than mutating the caller's config.
func EnsureServerName(cfg *tls.Config, addr string) (*tls.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("tls config required")
	}
	if cfg.ServerName != "" {
		return cfg, nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "" {
		return cfg, nil
	}
	clone := cfg.Clone()
	clone.ServerName = host
	return clone, nil
}
