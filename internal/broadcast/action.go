package broadcast

import (
	"context"
	"sync/atomic"
)

// HandlerFunc handles a broadcast event. Listener results are discarded;
// a responder's result becomes the broadcast result.
type HandlerFunc func(ctx context.Context, event string, data any) (any, error)

// Action is a registered handler reference. Registries compare actions by pointer,
// so keep the *Action around to unregister it later.
type Action struct {
	owner string
	fn    HandlerFunc
}

// NewAction wraps fn in an action without an owning execution context.
func NewAction(fn HandlerFunc) *Action {
	return &Action{fn: fn}
}

// NewOwnedAction wraps fn in an action created by the execution context owner.
func NewOwnedAction(owner string, fn HandlerFunc) *Action {
	return &Action{owner: owner, fn: fn}
}

// Owner returns the id of the execution context that created the action, or "".
func (a *Action) Owner() string { return a.owner }

func (a *Action) invoke(ctx context.Context, event string, data any) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Value: r}
		}
	}()
	if a.fn == nil {
		return nil, nil
	}
	return a.fn(ctx, event, data)
}

// LivenessFunc reports whether an action still belongs to a running execution context.
type LivenessFunc func(a *Action) bool

func alwaysAlive(*Action) bool { return true }

type role int

const (
	roleResponding role = iota
	roleListening
)

// Revocation undoes exactly one registration.
//
// The first Revoke performs the unregistration and returns its error; later calls
// are no-ops. Page unload handlers may race each other, so a repeated revoke is not
// reported.
type Revocation struct {
	b      *Broadcaster
	event  string
	action *Action
	role   role
	done   atomic.Bool
}

// Event is the event name the registration was made for.
func (r *Revocation) Event() string { return r.event }

// Action is the registered action.
func (r *Revocation) Action() *Action { return r.action }

// Revoked reports whether Revoke has been called.
func (r *Revocation) Revoked() bool { return r.done.Load() }

// Revoke unregisters the action. Only the first call can fail.
func (r *Revocation) Revoke() error {
	if r == nil || !r.done.CompareAndSwap(false, true) {
		return nil
	}
	if r.role == roleResponding {
		return r.b.UnregisterRespondingAction(r.event, r.action)
	}
	return r.b.UnregisterListeningAction(r.event, r.action)
}
