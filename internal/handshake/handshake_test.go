package handshake

import (
	"context"
	"net"
	"testing"
	"time"

	"adbcore/internal/adberrors"
	"adbcore/internal/codec"
	"adbcore/internal/keystore"
	"adbcore/internal/transport"
)

type peer struct {
	t    *testing.T
	conn net.Conn
}

func (p *peer) send(cmd codec.Command, arg0, arg1 uint32, payload []byte) {
	p.t.Helper()
	wire := codec.Encode(codec.VersionMin, cmd, arg0, arg1, payload)
	if _, err := p.conn.Write(wire); err != nil {
		p.t.Fatalf("peer write: %v", err)
	}
}

func (p *peer) recv() *codec.Frame {
	p.t.Helper()
	frame, err := codec.Decode(p.conn, codec.VersionMin, codec.MaxData28)
	if err != nil {
		p.t.Fatalf("peer decode: %v", err)
	}
	return frame
}

func newPair(t *testing.T) (transport.Transport, *peer) {
	t.Helper()
	hostConn, peerConn := net.Pipe()
	t.Cleanup(func() { _ = peerConn.Close() })
	return transport.NewTCPTransport(hostConn), &peer{t: t, conn: peerConn}
}

func testDeadline(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestPlainConnect covers scenario 1: the daemon accepts immediately.
func TestPlainConnect(t *testing.T) {
	tr, p := newPair(t)
	ctx := testDeadline(t)

	resultCh := make(chan *Result, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := Run(ctx, tr, Options{LocalVersion: codec.VersionMin, LocalMaxData: 0x40000})
		resultCh <- res
		errCh <- err
	}()

	cnxn := p.recv()
	if cnxn.Command != codec.CmdCNXN || cnxn.Arg0 != codec.VersionMin || cnxn.Arg1 != 0x40000 {
		t.Fatalf("unexpected CNXN: %+v", cnxn)
	}
	p.send(codec.CmdCNXN, codec.VersionMin, 0x40000, []byte("device::ro.product.name=pixel;\x00"))

	res, err := <-resultCh, <-errCh
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if res.ActiveMaxData != 0x40000 {
		t.Fatalf("expected active_max_data 0x40000, got %#x", res.ActiveMaxData)
	}
}

// TestTokenSignatureAccept covers scenario 2.
func TestTokenSignatureAccept(t *testing.T) {
	tr, p := newPair(t)
	ctx := testDeadline(t)

	id, err := keystore.GenerateIdentity("test@adbcore")
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}

	resultCh := make(chan *Result, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := Run(ctx, tr, Options{
			LocalVersion: codec.VersionMin,
			LocalMaxData: codec.MaxData24,
			Identities:   []*keystore.Identity{id},
		})
		resultCh <- res
		errCh <- err
	}()

	p.recv() // CNXN
	token := make([]byte, 20)
	p.send(codec.CmdAUTH, codec.AuthToken, 0, token)

	sig := p.recv()
	if sig.Command != codec.CmdAUTH || sig.Arg0 != codec.AuthSignature || len(sig.Payload) != 256 {
		t.Fatalf("unexpected signature frame: %+v", sig)
	}

	p.send(codec.CmdCNXN, codec.VersionMin, codec.MaxData24, []byte("device::\x00"))

	if err := <-errCh; err != nil {
		t.Fatalf("handshake: %v", err)
	}
	<-resultCh
}

// TestKeyEnrolment covers scenario 3: no identities survive, so the
// host offers its public key and the daemon eventually accepts.
func TestKeyEnrolment(t *testing.T) {
	tr, p := newPair(t)
	ctx := testDeadline(t)

	id, err := keystore.GenerateIdentity("test@adbcore")
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}

	resultCh := make(chan *Result, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := Run(ctx, tr, Options{
			LocalVersion: codec.VersionMin,
			LocalMaxData: codec.MaxData24,
			Identities:   []*keystore.Identity{id},
		})
		resultCh <- res
		errCh <- err
	}()

	p.recv() // CNXN
	p.send(codec.CmdAUTH, codec.AuthToken, 0, make([]byte, 20))
	p.recv() // AUTH(SIGNATURE)

	p.send(codec.CmdAUTH, codec.AuthToken, 0, make([]byte, 20)) // no more identities

	pub := p.recv()
	if pub.Command != codec.CmdAUTH || pub.Arg0 != codec.AuthRSAPublicKey {
		t.Fatalf("expected AUTH(RSAPUBLICKEY), got %+v", pub)
	}

	p.send(codec.CmdCNXN, codec.VersionMin, codec.MaxData24, []byte("device::\x00"))

	if err := <-errCh; err != nil {
		t.Fatalf("handshake: %v", err)
	}
	<-resultCh
}

// TestAuthenticationFailed covers scenario 4: the daemon re-issues
// AUTH(TOKEN) after the public key was sent.
func TestAuthenticationFailed(t *testing.T) {
	tr, p := newPair(t)
	ctx := testDeadline(t)

	id, err := keystore.GenerateIdentity("test@adbcore")
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := Run(ctx, tr, Options{
			LocalVersion: codec.VersionMin,
			LocalMaxData: codec.MaxData24,
			Identities:   []*keystore.Identity{id},
		})
		errCh <- err
	}()

	p.recv()
	p.send(codec.CmdAUTH, codec.AuthToken, 0, make([]byte, 20))
	p.recv()
	p.send(codec.CmdAUTH, codec.AuthToken, 0, make([]byte, 20))
	p.recv()
	p.send(codec.CmdAUTH, codec.AuthToken, 0, make([]byte, 20))

	err = <-errCh
	if adberrors.KindOf(err) != adberrors.KindAuthenticationFailed {
		t.Fatalf("expected AuthenticationFailed, got %v", err)
	}
}

// TestAuthenticationFailedReportsAsPairingRequired covers §9's policy
// hook: the same wire signal, interpreted as PairingRequired when the
// caller knows the device needs pairing.
func TestAuthenticationFailedReportsAsPairingRequired(t *testing.T) {
	tr, p := newPair(t)
	ctx := testDeadline(t)

	id, err := keystore.GenerateIdentity("test@adbcore")
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := Run(ctx, tr, Options{
			LocalVersion: codec.VersionMin,
			LocalMaxData: codec.MaxData24,
			Identities:   []*keystore.Identity{id},
			PairingHint:  true,
		})
		errCh <- err
	}()

	p.recv()
	p.send(codec.CmdAUTH, codec.AuthToken, 0, make([]byte, 20))
	p.recv()
	p.send(codec.CmdAUTH, codec.AuthToken, 0, make([]byte, 20))
	p.recv()
	p.send(codec.CmdAUTH, codec.AuthToken, 0, make([]byte, 20))

	err = <-errCh
	if adberrors.KindOf(err) != adberrors.KindPairingRequired {
		t.Fatalf("expected PairingRequired, got %v", err)
	}
}
