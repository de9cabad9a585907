// Package message defines the call envelopes exchanged between a stub and a
// skeleton, and the error-kind registry that lets application errors cross
// the wire without losing their identity.
//
// One connection carries exactly one CallRequest followed by exactly one
// CallResponse. Envelopes are serialized by the codec layer and wrapped in a
// protocol frame for transmission over TCP.
package message

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// KindTransport is the reserved error kind for transport-level failures the
// skeleton reports in the response body (unknown method, signature mismatch,
// undecodable argument, missing target). The stub surfaces these as the
// distinguished transport error, never as an application error.
const KindTransport = "rmi.transport"

// KindGeneric is the fallback kind for application errors that carry no
// registered kind of their own.
const KindGeneric = "error"

// CallRequest is the envelope for a single remote method invocation.
//
// ParamTypes holds the ordered type descriptors of the method's parameters
// (reflect.Type.String() form). The skeleton uses them to verify the caller
// and callee agree on the method signature before dispatching.
// Args holds the argument values, each serialized with the same codec as the
// envelope, in parameter order.
type CallRequest struct {
	Method     string
	ParamTypes []string
	Args       [][]byte
}

// CallResponse is the envelope for the result of a single invocation.
//
//   - On success: Success is true and Payload holds the serialized return
//     value (empty when the method returns only an error).
//   - On failure: Success is false, ErrKind names the error kind and Err
//     carries its message. ErrKind == KindTransport marks a transport-level
//     failure rather than a propagated application error.
type CallResponse struct {
	Success bool
	Payload []byte
	ErrKind string
	Err     string
}

// NewSuccessResponse builds a response carrying a serialized return value.
func NewSuccessResponse(payload []byte) *CallResponse {
	return &CallResponse{Success: true, Payload: payload}
}

// NewErrorResponse builds a response propagating an application error.
// The error's kind is preserved so the stub can rebuild an equivalent error.
func NewErrorResponse(err error) *CallResponse {
	return &CallResponse{ErrKind: KindOf(err), Err: err.Error()}
}

// NewTransportResponse builds a response reporting a transport-level failure
// that occurred inside the skeleton's service unit.
func NewTransportResponse(msg string) *CallResponse {
	return &CallResponse{ErrKind: KindTransport, Err: msg}
}

// RemoteError is the error type the stub returns for application errors whose
// kind has no registered rebuild function. It preserves the kind and message
// reported by the remote side.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// ErrorKind returns the error's kind, so a RemoteError survives a second trip
// over the wire unchanged.
func (e *RemoteError) ErrorKind() string { return e.Kind }

// Kinder is implemented by application errors that declare their own kind.
// Errors without it travel under KindGeneric.
type Kinder interface {
	ErrorKind() string
}

// KindOf reports the wire kind of an application error.
func KindOf(err error) string {
	if k, ok := err.(Kinder); ok {
		return k.ErrorKind()
	}
	return KindGeneric
}

// rebuilders maps a kind to a function reconstructing the original error type
// from its message on the client side. Safe for concurrent use: stubs rebuild
// errors from arbitrarily many goroutines while applications register kinds.
var rebuilders = xsync.NewMapOf[string, func(msg string) error]()

// RegisterKind registers a rebuild function for an error kind. Application
// code typically does this in an init function compiled into both processes,
// so that errors of that kind are indistinguishable from locally produced
// ones after a round trip.
func RegisterKind(kind string, rebuild func(msg string) error) {
	rebuilders.Store(kind, rebuild)
}

// Rebuild reconstructs an application error from its wire form. Kinds without
// a registered rebuild function come back as *RemoteError.
func Rebuild(kind, msg string) error {
	if fn, ok := rebuilders.Load(kind); ok {
		return fn(msg)
	}
	return &RemoteError{Kind: kind, Message: msg}
}
