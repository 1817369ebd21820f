package broadcast

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	logx "talkie/pkg/logx"
)

// Broadcaster is the event hub shared by every execution context.
//
// Each event name has at most one responding action and any number of listening
// actions. A broadcast runs all listeners concurrently, then the responder, whose
// result is returned to the caller.
type Broadcaster struct {
	mu         sync.RWMutex
	responders map[string]*Action
	listeners  map[string][]*Action

	alive LivenessFunc
	log   logx.Logger
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithLogger sets the diagnostics sink. Broadcasts log at trace level,
// dead listeners at warn level and handler failures at error level.
func WithLogger(log logx.Logger) Option {
	return func(b *Broadcaster) { b.log = log }
}

// WithLiveness installs the predicate used to detect listeners whose execution
// context has been torn down.
func WithLiveness(fn LivenessFunc) Option {
	return func(b *Broadcaster) {
		if fn != nil {
			b.alive = fn
		}
	}
}

// New returns an empty broadcaster. Without WithLiveness every action is alive.
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		responders: map[string]*Action{},
		listeners:  map[string][]*Action{},
		alive:      alwaysAlive,
	}
	for _, o := range opts {
		o(b)
	}
	if b.log.IsZero() {
		b.log = logx.Nop()
	}
	return b
}

// RegisterRespondingAction makes a the responder of event. An event has at most one.
func (b *Broadcaster) RegisterRespondingAction(event string, a *Action) (*Revocation, error) {
	if a == nil {
		return nil, ErrNilAction
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.responders[event] != nil {
		return nil, eventErr(ErrDuplicateResponder, event)
	}
	b.responders[event] = a
	return &Revocation{b: b, event: event, action: a, role: roleResponding}, nil
}

// UnregisterRespondingAction removes the responder for event. The registered
// responder must be a; a stale reference never removes a newer registration.
func (b *Broadcaster) UnregisterRespondingAction(event string, a *Action) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.responders[event]
	if cur == nil {
		return eventErr(ErrNoResponderRegistered, event)
	}
	if cur != a {
		return eventErr(ErrResponderMismatch, event)
	}
	delete(b.responders, event)
	return nil
}

// RegisterListeningAction appends a to the listeners of event. Duplicates are kept.
func (b *Broadcaster) RegisterListeningAction(event string, a *Action) (*Revocation, error) {
	if a == nil {
		return nil, ErrNilAction
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[event] = append(b.listeners[event], a)
	return &Revocation{b: b, event: event, action: a, role: roleListening}, nil
}

// UnregisterListeningAction removes every registration of a for event.
func (b *Broadcaster) UnregisterListeningAction(event string, a *Action) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	list, ok := b.listeners[event]
	if !ok {
		return eventErr(ErrNoListenersRegistered, event)
	}
	kept := make([]*Action, 0, len(list))
	for _, l := range list {
		if l != a {
			kept = append(kept, l)
		}
	}
	if len(kept) == len(list) {
		return eventErr(ErrHandlerNotRegistered, event)
	}
	if len(kept) == 0 {
		delete(b.listeners, event)
	} else {
		b.listeners[event] = kept
	}
	return nil
}

// BroadcastEvent delivers data to every listener of event and then to its responder.
//
// Broadcasting to an event without handlers is not an error; the result is nil.
// Listener failures are combined into the returned error and prevent the responder
// from running, but never stop sibling listeners. The handler set is read once, so
// a concurrent unregistration only affects later broadcasts.
func (b *Broadcaster) BroadcastEvent(ctx context.Context, event string, data any) (any, error) {
	b.mu.RLock()
	responder := b.responders[event]
	listeners := append([]*Action(nil), b.listeners[event]...)
	b.mu.RUnlock()

	if responder == nil && len(listeners) == 0 {
		b.log.Trace("skipping broadcast; no handlers", logx.String("event", event))
		return nil, nil
	}

	b.log.Trace("broadcast start",
		logx.String("event", event),
		logx.Int("listeners", len(listeners)),
		logx.Bool("responder", responder != nil),
	)

	if err := b.notifyListeners(ctx, event, data, listeners); err != nil {
		b.log.Error("broadcast failed", logx.String("event", event), logx.Err(err))
		return nil, err
	}

	var result any
	if responder != nil {
		res, err := responder.invoke(ctx, event, data)
		if err != nil {
			rerr := &ResponderInvocationError{Event: event, Owner: responder.Owner(), Err: err}
			b.log.Error("responder failed", logx.String("event", event), logx.String("owner", responder.Owner()), logx.Err(err))
			return nil, rerr
		}
		result = res
	}

	b.log.Trace("broadcast done", logx.String("event", event))
	return result, nil
}

func (b *Broadcaster) notifyListeners(ctx context.Context, event string, data any, listeners []*Action) error {
	if len(listeners) == 0 {
		return nil
	}
	errs := make([]error, len(listeners))

	// errgroup without a context: one failure must not cancel the others.
	// Goroutines report through errs and return nil, since Wait keeps only the
	// first error and every failure must reach the caller.
	var g errgroup.Group
	for i, a := range listeners {
		i, a := i, a
		g.Go(func() error {
			if !b.alive(a) {
				b.log.Warn("dead listener; unregistering",
					logx.String("event", event),
					logx.String("owner", a.Owner()),
				)
				if err := b.UnregisterListeningAction(event, a); err != nil {
					// A duplicate registration of the same action was pruned first.
					b.log.Debug("dead listener already gone", logx.String("event", event), logx.Err(err))
				}
				return nil
			}
			if _, err := a.invoke(ctx, event, data); err != nil {
				lerr := &ListenerInvocationError{Event: event, Owner: a.Owner(), Err: err}
				b.log.Error("listener failed", logx.String("event", event), logx.String("owner", a.Owner()), logx.Err(err))
				errs[i] = lerr
			}
			return nil
		})
	}
	_ = g.Wait()
	return multierr.Combine(errs...)
}

// Prune removes every listener whose execution context is gone and returns how
// many registrations were dropped.
func (b *Broadcaster) Prune() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for event, list := range b.listeners {
		kept := make([]*Action, 0, len(list))
		for _, a := range list {
			if b.alive(a) {
				kept = append(kept, a)
				continue
			}
			n++
		}
		if len(kept) == len(list) {
			continue
		}
		b.log.Warn("pruned dead listeners",
			logx.String("event", event),
			logx.Int("removed", len(list)-len(kept)),
		)
		if len(kept) == 0 {
			delete(b.listeners, event)
		} else {
			b.listeners[event] = kept
		}
	}
	return n
}

// Stats is a point-in-time view of the registries.
type Stats struct {
	Listeners  map[string]int
	Responders []string
}

// Stats counts registrations per event.
func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := Stats{
		Listeners:  make(map[string]int, len(b.listeners)),
		Responders: make([]string, 0, len(b.responders)),
	}
	for event, list := range b.listeners {
		st.Listeners[event] = len(list)
	}
	for event := range b.responders {
		st.Responders = append(st.Responders, event)
	}
	sort.Strings(st.Responders)
	return st
}
