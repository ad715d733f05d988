package bridge

import (
	"errors"
	"fmt"
)

// Kind classifies a bridge failure. Each kind maps to one HTTP status.
type Kind int

const (
	// KindInternal is an unexpected failure not attributable to the request
	// or the broker.
	KindInternal Kind = iota

	// KindInvalidRequest is a malformed or incomplete request.
	KindInvalidRequest

	// KindInvalidPayload is a payload the codec could not decode.
	KindInvalidPayload

	// KindBrokerUnreachable is a network-level connect failure or timeout.
	KindBrokerUnreachable

	// KindBrokerRejected is a handshake-level refusal (bad credentials,
	// refused subscription).
	KindBrokerRejected

	// KindPublishFailed is a publish that was not acknowledged.
	KindPublishFailed

	// KindSubscribeTimeout is a subscribe wait that ended with no delivery.
	KindSubscribeTimeout

	// KindCancelled means the HTTP client went away.
	KindCancelled
)

// String returns the snake_case code used in error responses.
func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindInvalidPayload:
		return "invalid_payload"
	case KindBrokerUnreachable:
		return "broker_unreachable"
	case KindBrokerRejected:
		return "broker_rejected"
	case KindPublishFailed:
		return "publish_failed"
	case KindSubscribeTimeout:
		return "subscribe_timeout"
	case KindCancelled:
		return "cancelled"
	default:
		return "internal_error"
	}
}

// NoIndex marks an error not tied to a specific action.
const NoIndex = -1

// Sentinel errors wrapped by *Error.
var (
	// ErrBodyTooLarge is returned when the request body exceeds the cap.
	ErrBodyTooLarge = errors.New("bridge: request body too large")

	// ErrPoolClosed is returned by Acquire after the pool was closed.
	ErrPoolClosed = errors.New("bridge: connection pool closed")

	// ErrNoMessage is returned when a subscribe wait ends without delivery.
	ErrNoMessage = errors.New("bridge: no message received before timeout")
)

// Error is the error type returned by every bridge operation.
//
// Index is the 0-based position of the failing action across the whole
// request, or NoIndex.
type Error struct {
	Kind  Kind
	Index int
	Err   error
}

func (e *Error) Error() string {
	if e.Index != NoIndex {
		return fmt.Sprintf("%s at action %d: %v", e.Kind, e.Index, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newError wraps err with kind.
func newError(kind Kind, index int, err error) *Error {
	return &Error{Kind: kind, Index: index, Err: err}
}

func invalidRequest(msg string) *Error {
	return newError(KindInvalidRequest, NoIndex, errors.New(msg))
}

func invalidRequestf(format string, args ...any) *Error {
	return newError(KindInvalidRequest, NoIndex, fmt.Errorf(format, args...))
}

// KindOf extracts the Kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

// IndexOf extracts the action index from err, or NoIndex.
func IndexOf(err error) int {
	var be *Error
	if errors.As(err, &be) {
		return be.Index
	}
	return NoIndex
}

// withIndex returns err re-tagged with the global action index.
func withIndex(err error, index int) error {
	var be *Error
	if errors.As(err, &be) {
		return newError(be.Kind, index, be.Err)
	}
	return newError(KindInternal, index, err)
}
