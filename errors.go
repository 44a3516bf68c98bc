package pubsub

import (
	"errors"
	"fmt"
)

// ErrKind classifies adapter and pipeline failures.
type ErrKind int

const (
	KindUnknown ErrKind = iota
	// KindNotStarted: Flush or Ack on an adapter that is not started.
	KindNotStarted
	// KindUnknownSubscription: Unsubscribe for a listener with no subscription.
	KindUnknownSubscription
	// KindMessageTypeMismatch: Ack with a message produced by another transport.
	KindMessageTypeMismatch
	// KindTransportFailure: the underlying broker or store failed.
	KindTransportFailure
	// KindUnsupported: the operation is not available on this transport.
	KindUnsupported
	// KindDuplicateSubscription: a listener subscribed twice to the same binding.
	KindDuplicateSubscription
	// KindInvalidState: a lifecycle transition that is not allowed.
	KindInvalidState
	// KindValidation: malformed event or payload. Never retried.
	KindValidation
	// KindConfiguration: invalid settings or unknown provider.
	KindConfiguration
)

func (k ErrKind) String() string {
	switch k {
	case KindNotStarted:
		return "adapter is not started"
	case KindUnknownSubscription:
		return "unknown subscription"
	case KindMessageTypeMismatch:
		return "message type mismatch"
	case KindTransportFailure:
		return "transport failure"
	case KindUnsupported:
		return "unsupported operation"
	case KindDuplicateSubscription:
		return "duplicate subscription"
	case KindInvalidState:
		return "invalid state"
	case KindValidation:
		return "validation failed"
	case KindConfiguration:
		return "invalid configuration"
	default:
		return "unknown error"
	}
}

// Error is the error type returned by adapters and the delivery pipeline.
// Use errors.Is with the Err* sentinels to test the kind.
type Error struct {
	Kind    ErrKind
	Adapter string // adapter name, may be empty
	Op      string // operation, may be empty
	Err     error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Adapter != "" {
		msg = e.Adapter + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is regardless of adapter and operation.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotStarted            = &Error{Kind: KindNotStarted}
	ErrUnknownSubscription   = &Error{Kind: KindUnknownSubscription}
	ErrMessageTypeMismatch   = &Error{Kind: KindMessageTypeMismatch}
	ErrTransportFailure      = &Error{Kind: KindTransportFailure}
	ErrUnsupported           = &Error{Kind: KindUnsupported}
	ErrDuplicateSubscription = &Error{Kind: KindDuplicateSubscription}
	ErrInvalidState          = &Error{Kind: KindInvalidState}
	ErrValidation            = &Error{Kind: KindValidation}
	ErrConfiguration         = &Error{Kind: KindConfiguration}
)

// NewError builds an *Error.
func NewError(kind ErrKind, adapter, op string, err error) *Error {
	return &Error{Kind: kind, Adapter: adapter, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Reject marks err as a permanent failure. A listener returns Reject(err)
// when retrying cannot help, e.g. the payload fails validation. The
// publisher moves rejected events to the dead letter queue without
// spending retries, and broker ingress terminates the delivery.
func Reject(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindValidation, Err: err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrValidation)
}

// ConfigError reports an invalid setting by name.
func ConfigError(setting string, err error) error {
	return &Error{Kind: KindConfiguration, Err: fmt.Errorf("%s: %w", setting, err)}
}

func validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Err: fmt.Errorf(format, args...)}
}
