package host

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"talkie/internal/broadcast"
	logx "talkie/pkg/logx"
)

// Kind names the role of an execution context.
type Kind string

const (
	KindBackground Kind = "background"
	KindPopup      Kind = "popup"
	KindOptions    Kind = "options"
	KindContent    Kind = "content"
)

// Host owns the broadcaster and every execution context that can reach it.
// Pages never look the broadcaster up; they receive it when opened.
type Host struct {
	b   *broadcast.Broadcaster
	log logx.Logger

	mu    sync.RWMutex
	pages map[string]*Page

	background *Page
}

// New creates the host, its broadcaster and the background page.
func New(log logx.Logger) *Host {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Host{log: log, pages: map[string]*Page{}}
	h.b = broadcast.New(
		broadcast.WithLogger(log.With(logx.String("comp", "broadcast"))),
		broadcast.WithLiveness(h.IsAlive),
	)
	h.background = h.Open(KindBackground)
	return h
}

func (h *Host) Broadcaster() *broadcast.Broadcaster { return h.b }

func (h *Host) Background() *Page { return h.background }

// Open starts a new execution context.
func (h *Host) Open(kind Kind) *Page {
	p := &Page{
		id:       uuid.NewString(),
		kind:     kind,
		host:     h,
		openedAt: time.Now(),
	}
	p.alive.Store(true)

	h.mu.Lock()
	h.pages[p.id] = p
	h.mu.Unlock()

	h.log.Debug("page opened", logx.String("page", p.id), logx.String("kind", string(kind)))
	return p
}

// Page returns a page that has not been forgotten yet.
func (h *Host) Page(id string) (*Page, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.pages[id]
	return p, ok
}

// IsAlive is the broadcaster's liveness predicate. Actions without an owner
// belong to the host itself and are always alive.
func (h *Host) IsAlive(a *broadcast.Action) bool {
	owner := a.Owner()
	if owner == "" {
		return true
	}
	h.mu.RLock()
	p, ok := h.pages[owner]
	h.mu.RUnlock()
	return ok && p.Alive()
}

// Sweep drops listeners of torn-down pages, revokes whatever else those pages
// still hold (responders included) and forgets them. It returns the number of
// pruned listeners.
func (h *Host) Sweep() int {
	n := h.b.Prune()

	h.mu.RLock()
	var dead []*Page
	for _, p := range h.pages {
		if !p.Alive() {
			dead = append(dead, p)
		}
	}
	h.mu.RUnlock()

	// Revoke outside h.mu: the broadcaster consults IsAlive while holding its own lock.
	for _, p := range dead {
		if err := p.Unload(); err != nil {
			h.log.Warn("revoking registrations of dead page", logx.String("page", p.id), logx.Err(err))
		}
	}

	h.mu.Lock()
	for _, p := range dead {
		delete(h.pages, p.id)
	}
	h.mu.Unlock()

	if n > 0 || len(dead) > 0 {
		h.log.Info("swept dead pages", logx.Int("listeners", n), logx.Int("pages", len(dead)))
	}
	return n
}

// PageInfo describes an open page.
type PageInfo struct {
	ID       string
	Kind     Kind
	Alive    bool
	OpenedAt time.Time
}

func (h *Host) Pages() []PageInfo {
	h.mu.RLock()
	out := make([]PageInfo, 0, len(h.pages))
	for _, p := range h.pages {
		out = append(out, PageInfo{ID: p.id, Kind: p.kind, Alive: p.Alive(), OpenedAt: p.openedAt})
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Close unloads every page, background last.
func (h *Host) Close() error {
	h.mu.RLock()
	pages := make([]*Page, 0, len(h.pages))
	for _, p := range h.pages {
		if p != h.background {
			pages = append(pages, p)
		}
	}
	h.mu.RUnlock()

	var err error
	for _, p := range pages {
		err = multierr.Append(err, p.Unload())
	}
	return multierr.Append(err, h.background.Unload())
}

// Page is one execution context. Registrations made through it are owned by it
// and revoked on Unload.
type Page struct {
	id       string
	kind     Kind
	host     *Host
	openedAt time.Time
	alive    atomic.Bool

	mu          sync.Mutex
	revocations []*broadcast.Revocation
}

func (p *Page) ID() string  { return p.id }
func (p *Page) Kind() Kind  { return p.kind }
func (p *Page) Alive() bool { return p.alive.Load() }
func (p *Page) Host() *Host { return p.host }

// Listen registers fn as a listener of event on behalf of this page.
func (p *Page) Listen(event string, fn broadcast.HandlerFunc) (*broadcast.Revocation, error) {
	rev, err := p.host.b.RegisterListeningAction(event, broadcast.NewOwnedAction(p.id, fn))
	if err != nil {
		return nil, err
	}
	p.keep(rev)
	return rev, nil
}

// Respond registers fn as the responder of event on behalf of this page.
func (p *Page) Respond(event string, fn broadcast.HandlerFunc) (*broadcast.Revocation, error) {
	rev, err := p.host.b.RegisterRespondingAction(event, broadcast.NewOwnedAction(p.id, fn))
	if err != nil {
		return nil, err
	}
	p.keep(rev)
	return rev, nil
}

func (p *Page) keep(rev *broadcast.Revocation) {
	p.mu.Lock()
	p.revocations = append(p.revocations, rev)
	p.mu.Unlock()
}

// Broadcast publishes event through the shared broadcaster.
func (p *Page) Broadcast(ctx context.Context, event string, data any) (any, error) {
	return p.host.b.BroadcastEvent(ctx, event, data)
}

// Unload revokes every registration made by the page and then marks it dead.
// Unloading a crashed page tolerates listeners that were already pruned.
func (p *Page) Unload() error {
	p.mu.Lock()
	revs := p.revocations
	p.revocations = nil
	p.mu.Unlock()

	crashed := !p.Alive()
	var err error
	for _, rev := range revs {
		rerr := rev.Revoke()
		if crashed && (errors.Is(rerr, broadcast.ErrHandlerNotRegistered) || errors.Is(rerr, broadcast.ErrNoListenersRegistered)) {
			continue
		}
		err = multierr.Append(err, rerr)
	}
	if p.alive.CompareAndSwap(true, false) {
		p.host.log.Debug("page unloaded",
			logx.String("page", p.id),
			logx.String("kind", string(p.kind)),
			logx.Int("revoked", len(revs)),
		)
	}
	return err
}

// Crash tears the page down without running its unload handlers. Its listeners
// stay registered until the broadcaster notices they are dead.
func (p *Page) Crash() {
	if p.alive.CompareAndSwap(true, false) {
		p.host.log.Warn("page torn down without unload", logx.String("page", p.id), logx.String("kind", string(p.kind)))
	}
}
