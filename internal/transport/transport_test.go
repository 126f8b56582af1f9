package transport

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"adbcore/internal/tlsutil"
)

func TestDialTCPUsesBaseDialFuncFromContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c, err := ln.Accept()
		if err != nil {
			return
		}
		_ = c.Close()
	}()

	var calls atomic.Int32
	ctx := tlsutil.WithBaseDialFunc(context.Background(), func(ctx context.Context, network, addr string) (net.Conn, error) {
		calls.Add(1)
		return (&net.Dialer{}).DialContext(ctx, network, addr)
	})

	tr, err := DialTCP(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	defer tr.Close()

	if got := calls.Load(); got != 1 {
		t.Fatalf("base dial func calls = %d, want 1", got)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("server accept goroutine did not finish")
	}
}

func TestDialTCPDefaultsToNetDialer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			_ = c.Close()
		}
	}()

	tr, err := DialTCP(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	_ = tr.Close()
}
