// Package adberrors defines the tagged error taxonomy shared by every
// adbcore subsystem. Callers switch on Kind, never on error strings.
package adberrors

import "fmt"

// Kind identifies the category of failure. See spec §7.
type Kind int

const (
	// KindUnknown is the zero value and should never be returned by adbcore.
	KindUnknown Kind = iota
	// KindTransportClosed means the underlying byte stream is gone. Fatal.
	KindTransportClosed
	// KindProtocolError covers BadMagic, UnknownCommand, OversizePayload,
	// ChecksumMismatch and UnexpectedCommandInState. Fatal.
	KindProtocolError
	// KindAuthenticationFailed means adbd re-issued AUTH(TOKEN) after we
	// sent our RSAPUBLICKEY frame: the user declined, or pairing was required.
	KindAuthenticationFailed
	// KindPairingRequired is the application-level disambiguation of the
	// above when the caller knows the device needs pairing first.
	KindPairingRequired
	// KindPairingRejected means the peer rejected our pairing code.
	KindPairingRejected
	// KindPairingAborted means the pairing transport closed mid-exchange.
	KindPairingAborted
	// KindConnectionRefused means the peer answered our OPEN with CLSE.
	KindConnectionRefused
	// KindStreamClosed means an operation was attempted on a closed stream.
	KindStreamClosed
	// KindTimeout means a caller-supplied deadline elapsed.
	KindTimeout
	// KindCancelled means a caller-supplied context was cancelled.
	KindCancelled
	// KindTooManyStreams means the configured stream limiter is exhausted.
	KindTooManyStreams
)

func (k Kind) String() string {
	switch k {
	case KindTransportClosed:
		return "transport_closed"
	case KindProtocolError:
		return "protocol_error"
	case KindAuthenticationFailed:
		return "authentication_failed"
	case KindPairingRequired:
		return "pairing_required"
	case KindPairingRejected:
		return "pairing_rejected"
	case KindPairingAborted:
		return "pairing_aborted"
	case KindConnectionRefused:
		return "connection_refused"
	case KindStreamClosed:
		return "stream_closed"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindTooManyStreams:
		return "too_many_streams"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned across adbcore package
// boundaries. Reason is a short machine-oriented tag (e.g. "bad_magic"),
// distinct from Kind, for the ProtocolError subcases spec.md enumerates.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Reason != "" {
			return fmt.Sprintf("adbcore: %s (%s): %v", e.Kind, e.Reason, e.Err)
		}
		return fmt.Sprintf("adbcore: %s: %v", e.Kind, e.Err)
	}
	if e.Reason != "" {
		return fmt.Sprintf("adbcore: %s (%s)", e.Kind, e.Reason)
	}
	return fmt.Sprintf("adbcore: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, adberrors.New(KindX, "")) match on Kind alone,
// ignoring Reason and Err, when the target was built with a bare Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Reason != "" && t.Reason != e.Reason {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the Kind from err, walking the Unwrap chain. Returns
// KindUnknown if neither err nor anything in its chain is an *Error.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return KindUnknown
}
