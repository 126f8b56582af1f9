// Package handshake drives the ADB connection state machine: CNXN,
// the AUTH token/signature/RSA-pubkey loop, and the optional STLS
// upgrade, per spec.md §4.4. Grounded on
// other_examples/binzume-adbproto__adb.go's Connect() function, which
// performs the same sequence of synchronous frame exchanges; this
// package generalises it into an explicit state machine with
// caller-supplied identities, a deadline, and an observer channel for
// connection-state events (ConnectionState, mirroring the teacher's
// lifecycle-event style in cmd/agent/main.go).
package handshake

import (
	"context"
	"crypto/tls"
	"time"

	"adbcore/internal/adberrors"
	"adbcore/internal/codec"
	"adbcore/internal/keystore"
	"adbcore/internal/tlsutil"
	"adbcore/internal/transport"
)

// TLSPolicy controls whether an offered STLS upgrade is taken.
type TLSPolicy int

const (
	// TLSPreferIfOffered upgrades whenever the daemon sends STLS.
	TLSPreferIfOffered TLSPolicy = iota
	// TLSForbid rejects the connection if the daemon requires TLS.
	TLSForbid
)

// ConnectionState is published on Options.Events as the handshake
// progresses, mirroring the wire states of spec.md §4.4.
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateAuthenticating
	StatePairingRequired
	StateConnected
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StatePairingRequired:
		return "pairing_required"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures one handshake attempt.
type Options struct {
	LocalVersion  uint32
	LocalMaxData  uint32
	SystemBanner  string // defaults to "host::\x00" if empty
	Identities    []*keystore.Identity
	TLS           TLSPolicy
	TLSConfig     *tls.Config
	Fingerprint   string // uTLS browser profile name for the STLS upgrade; "" uses crypto/tls's own ClientHello
	Deadline      time.Duration // 0 disables the deadline
	PairingHint   bool          // caller believes the device requires pairing
	Events        chan<- ConnectionState
}

// Result reports the negotiated session parameters once Connected.
type Result struct {
	ActiveVersion uint32
	ActiveMaxData uint32
	RemoteBanner  []byte
}

func (o *Options) banner() string {
	if o.SystemBanner != "" {
		return o.SystemBanner
	}
	return "host::\x00"
}

func (o *Options) publish(s ConnectionState) {
	if o.Events == nil {
		return
	}
	select {
	case o.Events <- s:
	default:
	}
}

// Run drives the handshake to completion over t, returning the
// negotiated parameters once Connected, or a tagged error per spec.md
// §7. It reads and writes synchronously: this is the "single reader
// task" spec.md describes, before ownership passes to the Multiplexer.
func Run(ctx context.Context, t transport.Transport, opts Options) (*Result, error) {
	opts.publish(StateConnecting)

	if opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}

	payload := []byte(opts.banner())
	wire := codec.Encode(opts.LocalVersion, codec.CmdCNXN, opts.LocalVersion, opts.LocalMaxData, payload)
	if err := t.SendAll(ctx, wire); err != nil {
		return nil, adberrors.Wrap(adberrors.KindTransportClosed, "send_cnxn", err)
	}

	activeVersion := opts.LocalVersion
	identityIdx := 0
	sentPubKey := false

	for {
		frame, err := recvFrame(ctx, t, activeVersion, codec.MaxData28)
		if err != nil {
			opts.publish(StateClosed)
			return nil, err
		}

		switch frame.Command {
		case codec.CmdCNXN:
			if peerVersion := frame.Arg0; peerVersion < activeVersion {
				activeVersion = peerVersion
			}
			maxData := frame.Arg1
			if maxData == 0 || maxData > opts.LocalMaxData {
				maxData = opts.LocalMaxData
			}
			opts.publish(StateConnected)
			return &Result{ActiveVersion: activeVersion, ActiveMaxData: maxData, RemoteBanner: frame.Payload}, nil

		case codec.CmdAUTH:
			if frame.Arg0 != codec.AuthToken {
				opts.publish(StateClosed)
				return nil, adberrors.New(adberrors.KindProtocolError, "unexpected_auth_subtype")
			}
			opts.publish(StateAuthenticating)

			if sentPubKey {
				// The daemon re-issued AUTH(TOKEN) after we already sent
				// our public key: it did not persist it.
				if opts.PairingHint {
					opts.publish(StatePairingRequired)
					opts.publish(StateClosed)
					return nil, adberrors.New(adberrors.KindPairingRequired, "rsa_pubkey_not_persisted")
				}
				opts.publish(StateClosed)
				return nil, adberrors.New(adberrors.KindAuthenticationFailed, "rsa_pubkey_not_persisted")
			}

			if identityIdx < len(opts.Identities) {
				id := opts.Identities[identityIdx]
				identityIdx++
				sig, err := keystore.Sign(id, frame.Payload)
				if err != nil {
					return nil, adberrors.Wrap(adberrors.KindProtocolError, "sign_token", err)
				}
				sigWire := codec.Encode(activeVersion, codec.CmdAUTH, codec.AuthSignature, 0, sig)
				if err := t.SendAll(ctx, sigWire); err != nil {
					return nil, adberrors.Wrap(adberrors.KindTransportClosed, "send_signature", err)
				}
				continue
			}

			// No identities left to try: offer our public key for enrolment.
			if len(opts.Identities) == 0 {
				opts.publish(StateClosed)
				return nil, adberrors.New(adberrors.KindAuthenticationFailed, "no_identities")
			}
			primary := opts.Identities[0]
			pubWire := codec.Encode(activeVersion, codec.CmdAUTH, codec.AuthRSAPublicKey, 0, primary.EncodedPublicKey())
			if err := t.SendAll(ctx, pubWire); err != nil {
				return nil, adberrors.Wrap(adberrors.KindTransportClosed, "send_pubkey", err)
			}
			sentPubKey = true

		case codec.CmdSTLS:
			if opts.TLS == TLSForbid {
				opts.publish(StateClosed)
				return nil, adberrors.New(adberrors.KindProtocolError, "tls_required_but_forbidden")
			}
			stlsWire := codec.Encode(activeVersion, codec.CmdSTLS, codec.STLSVersion, 0, nil)
			if err := t.SendAll(ctx, stlsWire); err != nil {
				return nil, adberrors.Wrap(adberrors.KindTransportClosed, "send_stls", err)
			}
			cfg := opts.TLSConfig
			if cfg == nil {
				cfg = &tls.Config{}
			}
			upgradeCtx := tlsutil.WithFingerprint(ctx, opts.Fingerprint)
			if err := t.UpgradeToTLS(upgradeCtx, cfg); err != nil {
				opts.publish(StateClosed)
				return nil, err
			}

		default:
			opts.publish(StateClosed)
			return nil, adberrors.New(adberrors.KindProtocolError, "unexpected_command_in_handshake")
		}
	}
}

// recvFrame reads one frame bound to ctx, so a daemon that goes silent
// mid-handshake (most notably during WaitUserAccept, when the user has
// not yet tapped "allow" on the device) is bounded by Options.Deadline:
// Transport.RecvExact applies ctx's deadline to the underlying socket on
// every call, so the whole multi-round-trip handshake shares one expiry.
func recvFrame(ctx context.Context, t transport.Transport, activeVersion, maxData uint32) (*codec.Frame, error) {
	reader := transport.NewFrameReader(ctx, t)
	frame, err := codec.Decode(reader, activeVersion, maxData)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, adberrors.Wrap(adberrors.KindTimeout, "handshake_deadline", ctx.Err())
		}
		return nil, err
	}
	return frame, nil
}
