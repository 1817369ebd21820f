package broadcast

import (
	"errors"
	"fmt"
)

var (
	ErrNilAction             = errors.New("broadcast: nil action")
	ErrDuplicateResponder    = errors.New("broadcast: only one responding handler allowed per event")
	ErrNoResponderRegistered = errors.New("broadcast: no responding handler registered")
	ErrResponderMismatch     = errors.New("broadcast: a different responding handler is registered")
	ErrNoListenersRegistered = errors.New("broadcast: no listening handlers registered")
	ErrHandlerNotRegistered  = errors.New("broadcast: listening handler not registered")
)

// ListenerInvocationError reports a listener that failed or panicked during a broadcast.
type ListenerInvocationError struct {
	Event string
	Owner string
	Err   error
}

func (e *ListenerInvocationError) Error() string {
	return fmt.Sprintf("listener for %q (owner %q) failed: %v", e.Event, e.Owner, e.Err)
}

func (e *ListenerInvocationError) Unwrap() error { return e.Err }

// ResponderInvocationError reports a failed or panicking responder.
type ResponderInvocationError struct {
	Event string
	Owner string
	Err   error
}

func (e *ResponderInvocationError) Error() string {
	return fmt.Sprintf("responder for %q (owner %q) failed: %v", e.Event, e.Owner, e.Err)
}

func (e *ResponderInvocationError) Unwrap() error { return e.Err }

// PanicError carries a recovered handler panic.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string { return fmt.Sprintf("handler panicked: %v", e.Value) }

func eventErr(sentinel error, event string) error {
	return fmt.Errorf("%w: %q", sentinel, event)
}
