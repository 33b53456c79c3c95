// Package client implements the Client Dispatcher: the central state
// machine that submits one filesystem operation, picks TCP or HTTP, and
// handles retry, fall-back, cancellation, and correlation.
package client

import "fmt"

// ErrorKind classifies a dispatch failure by cause rather than by Go type,
// matching the wire-level error taxonomy: kinds, not type names, since the
// wire form that crosses the HTTP/TCP boundary is always a plain string.
type ErrorKind int

const (
	// KindTransientNetwork covers a retryable TCP timeout or HTTP socket
	// error. Handled locally by the dispatcher's backoff schedule.
	KindTransientNetwork ErrorKind = iota
	// KindChannelClosed means the TCP peer dropped mid-request. Handled
	// locally: fall back to HTTP with forceRedo set.
	KindChannelClosed
	// KindDuplicateRequest means the server had already seen this request
	// ID. A duplicate reply on the TCP channel is retransmitted with
	// forceRedo; on HTTP it is surfaced to the caller as a normal,
	// non-exceptional result.
	KindDuplicateRequest
	// KindOperationTimedOut means the worker exceeded its budget. Still
	// carries a full result envelope.
	KindOperationTimedOut
	// KindNotAuthorizedHere means a write operation reached a deployment
	// that does not own the target inode.
	KindNotAuthorizedHere
	// KindOperationFailed means the operation handler raised; the
	// exception string is captured alongside.
	KindOperationFailed
	// KindFatal means cold-start initialization failed; the instance that
	// reported it has already terminated.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransientNetwork:
		return "TransientNetwork"
	case KindChannelClosed:
		return "ChannelClosed"
	case KindDuplicateRequest:
		return "DuplicateRequest"
	case KindOperationTimedOut:
		return "OperationTimedOut"
	case KindNotAuthorizedHere:
		return "NotAuthorizedHere"
	case KindOperationFailed:
		return "OperationFailed"
	case KindFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// DispatchError wraps a classified failure. Its Error() string is the wire
// form; Kind is for local control flow (e.g. deciding whether to retry).
type DispatchError struct {
	Kind    ErrorKind
	Message string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newDispatchError(kind ErrorKind, format string, args ...interface{}) *DispatchError {
	return &DispatchError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
