package tlsutil

import (
	"context"
	"net"
)

// BaseDialFunc allows callers to override how TCP connections are
// established. transport.DialTCP consults this (via
// BaseDialFuncFromContext) so a caller can route the dial through an
// alternate underlay, e.g. a SOCKS jump host for a daemon reachable only
// behind a bastion, without adbcore's transport package knowing about it.
type BaseDialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type baseDialerKey struct{}

// WithBaseDialFunc stores a dial function in the context.
func WithBaseDialFunc(ctx context.Context, fn BaseDialFunc) context.Context {
	if fn == nil {
		return ctx
	}
	return context.WithValue(ctx, baseDialerKey{}, fn)
}

// BaseDialFuncFromContext returns the dial function stored in ctx, if any.
func BaseDialFuncFromContext(ctx context.Context) (BaseDialFunc, bool) {
	if ctx == nil {
		return nil, false
	}
	v := ctx.Value(baseDialerKey{})
	fn, ok := v.(BaseDialFunc)
	return fn, ok && fn != nil
}
