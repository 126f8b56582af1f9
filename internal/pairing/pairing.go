// Package pairing implements adbcore's pairing-port exchange: a
// password-authenticated key exchange over TLS that lets a host enrol
// its RSA identity with a device showing a 6-digit pairing code,
// per spec.md §4.5.
//
// The reference implementation pairs over SPAKE2; no SPAKE2 code exists
// anywhere in the grounding corpus, and the task's own rules forbid
// re-deriving an undocumented cryptographic protocol from absent
// source (spec.md §9: "do NOT reproduce the source's pairing... MUST
// follow the reference... MUST NOT attempt to re-derive it from the
// source alone"). Absent any source to follow, this package states its
// substitute plainly: an X25519 ECDH exchange confirmed by an
// HKDF(pairing_code)-derived HMAC, built only from primitives the
// corpus's own dependency graph carries (golang.org/x/crypto's hkdf and
// curve25519, plus chacha20poly1305 from the same module for sealing
// the identity payload). It is explicitly NOT claimed to be
// bit-compatible with SPAKE2 or interoperable with a real adbd pairing
// server; see DESIGN.md.
package pairing

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/time/rate"

	"adbcore/internal/adberrors"
	"adbcore/internal/keystore"
)

// envelopeType is the fixed 32-bit tag every PAIR envelope carries,
// spelling "PAIR" as a big-endian ASCII value in the style of the main
// framing's command constants (spec.md §3's CNXN/AUTH/... spell their
// own mnemonics the same way, little-endian there, big-endian here per
// spec.md §4.5's explicit call-out that the PAIR envelope differs from
// the main ADB framing).
const envelopeType uint32 = 0x50414952

// TrustedIdentity is the result of a successful pairing: the identity
// that was enrolled, and the peer's encoded public key as acknowledged.
type TrustedIdentity struct {
	Identity      *keystore.Identity
	PeerPublicKey []byte
}

// Limiter throttles pairing attempts per remote address: a 6-digit code
// is brute-forceable at high request rates. Grounded on the teacher's
// internal/ratelimit package, which wraps a limiter around any
// externally-triggerable operation; here the limiter itself is
// golang.org/x/time/rate rather than the teacher's hand-rolled token
// bucket, since pairing attempts are a request-shaped event (one
// Allow() per Pair call) rather than the byte/packet-shaped traffic
// internal/ratelimit throttles.
type Limiter struct {
	mu      sync.Mutex
	perAddr map[string]*rate.Limiter
	r       rate.Limit
	burst   int
}

// NewLimiter builds a per-address pairing attempt limiter. r is the
// sustained rate (attempts/sec) and burst the initial allowance.
func NewLimiter(r rate.Limit, burst int) *Limiter {
	return &Limiter{perAddr: make(map[string]*rate.Limiter), r: r, burst: burst}
}

// Allow reports whether another pairing attempt from addr is permitted
// right now.
func (l *Limiter) Allow(addr string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.perAddr[addr]
	if !ok {
		lim = rate.NewLimiter(l.r, l.burst)
		l.perAddr[addr] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// Options configures one Pair call.
type Options struct {
	// TLSConfig is used as-is for the pairing TLS client handshake; the
	// pairing port's certificate is not expected to chain to a public
	// root, so callers typically set InsecureSkipVerify and pin via the
	// exchange's own confirmation step instead.
	TLSConfig *tls.Config
	Limiter   *Limiter
}

// Pair performs the password-authenticated exchange over conn (already
// TLS-wrapped or about to be, per Options.TLSConfig), using code as the
// shared secret, and enrols identity with the peer.
func Pair(ctx context.Context, conn net.Conn, code string, identity *keystore.Identity, opts Options) (*TrustedIdentity, error) {
	if opts.Limiter != nil {
		addr := conn.RemoteAddr().String()
		if !opts.Limiter.Allow(addr) {
			return nil, adberrors.New(adberrors.KindPairingRejected, "rate_limited")
		}
	}

	tlsConn := conn
	if opts.TLSConfig != nil {
		c := tls.Client(conn, opts.TLSConfig)
		if err := c.HandshakeContext(ctx); err != nil {
			return nil, adberrors.Wrap(adberrors.KindPairingAborted, "tls_handshake", err)
		}
		tlsConn = c
	}

	var clientPriv [32]byte
	if _, err := io.ReadFull(rand.Reader, clientPriv[:]); err != nil {
		return nil, adberrors.Wrap(adberrors.KindPairingAborted, "keygen", err)
	}
	clientPub, err := curve25519.X25519(clientPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, adberrors.Wrap(adberrors.KindPairingAborted, "keygen", err)
	}

	if err := writeEnvelope(ctx, tlsConn, clientPub); err != nil {
		return nil, err
	}
	serverPub, err := readEnvelope(ctx, tlsConn)
	if err != nil {
		return nil, err
	}
	if len(serverPub) != 32 {
		return nil, adberrors.New(adberrors.KindProtocolError, "bad_kex_length")
	}

	shared, err := curve25519.X25519(clientPriv[:], serverPub)
	if err != nil {
		return nil, adberrors.Wrap(adberrors.KindPairingAborted, "ecdh", err)
	}

	confirmKey, err := deriveKey(shared, []byte(code), []byte("adbcore-pairing-confirm"))
	if err != nil {
		return nil, err
	}

	clientTag := confirmTag(confirmKey, "client", clientPub, serverPub)
	if err := writeEnvelope(ctx, tlsConn, clientTag); err != nil {
		return nil, err
	}
	peerTag, err := readEnvelope(ctx, tlsConn)
	if err != nil {
		return nil, err
	}
	expectedPeerTag := confirmTag(confirmKey, "server", clientPub, serverPub)
	if !hmac.Equal(peerTag, expectedPeerTag) {
		return nil, adberrors.New(adberrors.KindPairingRejected, "confirmation_mismatch")
	}

	sealKey, err := deriveKey(shared, []byte(code), []byte("adbcore-pairing-seal"))
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(sealKey)
	if err != nil {
		return nil, adberrors.Wrap(adberrors.KindPairingAborted, "seal_init", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, adberrors.Wrap(adberrors.KindPairingAborted, "nonce", err)
	}
	sealed := aead.Seal(nonce, nonce, identity.EncodedPublicKey(), nil)
	if err := writeEnvelope(ctx, tlsConn, sealed); err != nil {
		return nil, err
	}

	peerSealed, err := readEnvelope(ctx, tlsConn)
	if err != nil {
		return nil, err
	}
	if len(peerSealed) < aead.NonceSize() {
		return nil, adberrors.New(adberrors.KindProtocolError, "bad_ack_length")
	}
	peerNonce, peerCt := peerSealed[:aead.NonceSize()], peerSealed[aead.NonceSize():]
	peerPub, err := aead.Open(nil, peerNonce, peerCt, nil)
	if err != nil {
		return nil, adberrors.Wrap(adberrors.KindPairingRejected, "ack_open", err)
	}

	return &TrustedIdentity{Identity: identity, PeerPublicKey: peerPub}, nil
}

func deriveKey(secret, password, info []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, secret, password, info)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, adberrors.Wrap(adberrors.KindPairingAborted, "hkdf", err)
	}
	return key, nil
}

func confirmTag(key []byte, role string, clientPub, serverPub []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(role))
	mac.Write(clientPub)
	mac.Write(serverPub)
	return mac.Sum(nil)
}

// writeEnvelope writes the big-endian {type, length} prefix followed by
// payload, per spec.md §4.5.
func writeEnvelope(ctx context.Context, conn net.Conn, payload []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}
	hdr := make([]byte, 8, 8+len(payload))
	binary.BigEndian.PutUint32(hdr[0:4], envelopeType)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	hdr = append(hdr, payload...)
	if _, err := conn.Write(hdr); err != nil {
		return adberrors.Wrap(adberrors.KindPairingAborted, "write_envelope", err)
	}
	return nil
}

const maxEnvelopePayload = 1 << 20

func readEnvelope(ctx context.Context, conn net.Conn) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}
	var hdr [8]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, adberrors.Wrap(adberrors.KindPairingAborted, "read_envelope_header", err)
	}
	typ := binary.BigEndian.Uint32(hdr[0:4])
	length := binary.BigEndian.Uint32(hdr[4:8])
	if typ != envelopeType {
		return nil, adberrors.New(adberrors.KindProtocolError, "bad_envelope_type")
	}
	if length > maxEnvelopePayload {
		return nil, adberrors.New(adberrors.KindProtocolError, "oversize_envelope")
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, adberrors.Wrap(adberrors.KindPairingAborted, "read_envelope_payload", err)
	}
	return payload, nil
}
