package remote

import (
	"errors"
	"fmt"

	"mini-rmi/message"
)

// ErrConfig is the sentinel wrapped by all configuration errors: misuse of
// the transport at construction or stub-creation time (non-remote interface,
// nil arguments, skeleton without a usable address). Configuration errors
// are fatal at the call site that triggered them and never cross the wire.
var ErrConfig = errors.New("rmi: configuration error")

// Configf builds a configuration error wrapping ErrConfig.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool {
	return errors.Is(err, ErrConfig)
}

// TransportError is the distinguished failure kind every remote method must
// be able to surface: a connection- or protocol-level fault, as opposed to an
// application error raised by the target method. It is raised to the caller
// on the client side and routed through the ListenError/ServiceError hooks on
// the server side.
type TransportError struct {
	Op  string // Failing operation: "bind", "dial", "decode", ...
	Msg string
	Err error // Underlying cause, may be nil
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("rmi: %s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("rmi: %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("rmi: %s: %s", e.Op, e.Msg)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrorKind marks the transport error with the reserved wire kind, so a
// skeleton-side transport failure reported in a response body is rebuilt as
// a transport error by the stub.
func (e *TransportError) ErrorKind() string { return message.KindTransport }

// NewTransportError wraps an underlying fault in a TransportError.
func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// Transportf builds a TransportError from a formatted message.
func Transportf(op, format string, args ...any) *TransportError {
	return &TransportError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// IsTransport reports whether err is (or wraps) the distinguished transport
// failure kind.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
