package flash

import (
	"errors"
	"fmt"
)

// Kind classifies a flashing failure.
type Kind int

const (
	// KindInvalidInput covers bad firmware paths, missing or mismatched
	// UUIDs, and unbindable interfaces.
	KindInvalidInput Kind = iota
	// KindTransportIO covers socket or serial failures.
	KindTransportIO
	// KindProtocol covers CRC/trailer mismatches, NACKs, wrong echoed
	// commands, block-address mismatches, and invalid block sizes.
	KindProtocol
	// KindTimeout means a command exhausted its retries without any reply.
	KindTimeout
	// KindDeviceBusy means the device kept signalling BUSY until retries
	// were exhausted.
	KindDeviceBusy
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid input"
	case KindTransportIO:
		return "transport i/o"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindDeviceBusy:
		return "device busy"
	default:
		return "unknown"
	}
}

// Error is a classified flashing failure.
type Error struct {
	Kind Kind
	err  error
}

func (e *Error) Error() string { return e.err.Error() }
func (e *Error) Unwrap() error { return errors.Unwrap(e.err) }

// Errorf builds a classified error; a %w verb wraps a cause as usual.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, or KindTransportIO for unclassified
// errors bubbling up from a transport.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransportIO
}
