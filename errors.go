package xqueue

import (
	"errors"
	"fmt"
)

// Error kinds. Every error produced by xqueue or its adapters matches exactly one of
// these via errors.Is.
var (
	// ErrConnection reports a transport/auth failure talking to a broker.
	ErrConnection = errors.New("xqueue: connection error")
	// ErrConsume reports a broker that accepted a consume/ack/nack call but could not honor it.
	ErrConsume = errors.New("xqueue: consume error")
	// ErrPublish reports a failed publish.
	ErrPublish = errors.New("xqueue: publish error")
	// ErrRouting reports a broken route table, middleware registration or deadletter setup.
	ErrRouting = errors.New("xqueue: routing error")
	// ErrValidation reports a payload that failed a structural contract.
	ErrValidation = errors.New("xqueue: validation error")
)

var (
	ErrInvalidTopic       = fmt.Errorf("%w: topic must not be empty", ErrRouting)
	ErrNoRoute            = fmt.Errorf("%w: no route matched and no default handler", ErrRouting)
	ErrNoDeadletter       = fmt.Errorf("%w: deadletter requested but no deadletter publisher configured", ErrRouting)
	ErrNoSource           = errors.New("xqueue: no consumer or subscriber configured")
	ErrAmbiguousSource    = errors.New("xqueue: both consumer and subscriber configured")
	ErrNoHandler          = errors.New("xqueue: no router or handler configured")
	ErrSingleTopic        = fmt.Errorf("%w: pull mode listens on exactly one topic", ErrRouting)
	ErrAlreadyListening   = errors.New("xqueue: application is not idle")
	ErrUnknownResponse    = errors.New("xqueue: unknown response")
	ErrHandlerPanic       = errors.New("xqueue: handler panic")
	ErrNotRegistered      = fmt.Errorf("%w: name not registered", ErrRouting)
	ErrInvalidPathPattern = fmt.Errorf("%w: invalid payload path", ErrRouting)
)

// Error wraps an underlying failure with its kind and the operation that produced it.
type Error struct {
	Kind error  // one of ErrConnection, ErrConsume, ErrPublish, ErrRouting, ErrValidation
	Op   string // e.g. "consume", "ack", "xadd"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NewConnectionError tags err as a connection failure for op.
func NewConnectionError(op string, err error) error { return newError(ErrConnection, op, err) }

// NewConsumeError tags err as a consume failure for op.
func NewConsumeError(op string, err error) error { return newError(ErrConsume, op, err) }

// NewPublishError tags err as a publish failure for op.
func NewPublishError(op string, err error) error { return newError(ErrPublish, op, err) }

// NewRoutingError tags err as a routing/configuration failure for op.
func NewRoutingError(op string, err error) error { return newError(ErrRouting, op, err) }

// NewValidationError tags err as a payload validation failure for op.
func NewValidationError(op string, err error) error { return newError(ErrValidation, op, err) }

func routingErrorf(op, format string, args ...any) error {
	return newError(ErrRouting, op, fmt.Errorf(format, args...))
}
