// Package resource tracks the outstanding network operations of a computer.
//
// Every HTTP request and websocket a computer opens is a [Resource] claimed
// from a [Group]. A group bounds how many resources of one kind may be open
// at once and releases a slot each time one closes. Closing is idempotent:
// only the first close of a resource has any effect, so a late callback from
// a finished request can never deliver a second completion.
package resource

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Resource is a closable operation tracked by a [Group].
// Implementations embed [Base].
type Resource interface {
	// Close closes the resource. It must be safe to call more than once.
	Close() error

	base() *Base
}

// Base is the embeddable state shared by all resources.
// The zero value is an open resource that belongs to no group.
type Base struct {
	closed atomic.Bool

	mu    sync.Mutex
	group *Group
	hooks []func()
}

func (b *Base) base() *Base { return b }

// IsClosed reports whether the resource has been closed.
func (b *Base) IsClosed() bool {
	return b.closed.Load()
}

// TryClose marks the resource closed. It returns true only for the first call;
// that call releases the resource's slot in its group and runs the close hooks.
func (b *Base) TryClose() bool {
	if !b.closed.CompareAndSwap(false, true) {
		return false
	}
	b.mu.Lock()
	g := b.group
	hooks := b.hooks
	b.hooks = nil
	b.mu.Unlock()

	if g != nil {
		g.release(b)
	}
	for _, f := range hooks {
		f()
	}
	return true
}

// OnClose registers f to run when the resource closes.
// If the resource is already closed, f runs immediately.
func (b *Base) OnClose(f func()) {
	b.mu.Lock()
	if !b.closed.Load() {
		b.hooks = append(b.hooks, f)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	f()
}

// LimitError is returned by [Group.Claim] when a resource cannot be admitted.
type LimitError struct {
	Group string
	Limit int
	// Closed is set when the group was shut down rather than full.
	Closed bool
}

func (e *LimitError) Error() string {
	if e.Closed {
		return fmt.Sprintf("cannot open %s: computer is shutting down", e.Group)
	}
	return fmt.Sprintf("too many ongoing %s (at most %d)", e.Group, e.Limit)
}

// ErrAlreadyClosed is returned when claiming a resource that is closed.
var ErrAlreadyClosed = errors.New("resource already closed")

// Group admits resources up to a limit.
type Group struct {
	name  string
	limit int

	mu     sync.Mutex
	active map[*Base]Resource
	closed bool
}

// NewGroup returns a group named after the kind of resource it holds, for
// example "HTTP requests". A limit of zero or less means unlimited.
func NewGroup(name string, limit int) *Group {
	return &Group{
		name:   name,
		limit:  limit,
		active: make(map[*Base]Resource),
	}
}

// Name returns the group's name.
func (g *Group) Name() string { return g.name }

// SetLimit changes the limit for future claims.
// Resources already open are not affected.
func (g *Group) SetLimit(limit int) {
	g.mu.Lock()
	g.limit = limit
	g.mu.Unlock()
}

// Claim admits r into the group. It fails immediately with a *[LimitError]
// when the group is full or has been shut down.
func (g *Group) Claim(r Resource) error {
	b := r.base()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.group != nil {
		panic("resource: claimed twice")
	}
	if b.closed.Load() {
		return ErrAlreadyClosed
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return &LimitError{Group: g.name, Limit: g.limit, Closed: true}
	}
	if g.limit > 0 && len(g.active) >= g.limit {
		return &LimitError{Group: g.name, Limit: g.limit}
	}
	g.active[b] = r
	b.group = g
	return nil
}

func (g *Group) release(b *Base) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.active[b]; !ok {
		panic("resource: released a resource the group does not hold (negative count)")
	}
	delete(g.active, b)
}

// Outstanding returns the number of open resources in the group.
func (g *Group) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// CloseAll shuts the group down and closes every open resource.
// Claims fail until [Group.Reopen] is called.
func (g *Group) CloseAll() error {
	g.mu.Lock()
	g.closed = true
	open := make([]Resource, 0, len(g.active))
	for _, r := range g.active {
		open = append(open, r)
	}
	g.mu.Unlock()

	var errs []error
	for _, r := range open {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reopen lets a group that was shut down admit resources again.
func (g *Group) Reopen() {
	g.mu.Lock()
	g.closed = false
	g.mu.Unlock()
}
