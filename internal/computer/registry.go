package computer

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/dshills/computercore/internal/config"
	"github.com/dshills/computercore/internal/mainthread"
	"github.com/dshills/computercore/internal/store"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"
)

// Registry holds the live computers of a host and drives their ticks.
type Registry struct {
	svc *Services

	mu        sync.RWMutex
	computers map[int]*Computer
}

// NewRegistry returns an empty registry.
func NewRegistry(svc *Services) *Registry {
	return &Registry{svc: svc, computers: make(map[int]*Computer)}
}

// Services returns the services the registry's computers share.
func (r *Registry) Services() *Services { return r.svc }

// Create allocates a new computer ID and registers a computer with it.
func (r *Registry) Create(ctx context.Context, opts Options) (*Computer, error) {
	id, err := r.svc.NextID(ctx, store.KindComputer)
	if err != nil {
		return nil, err
	}
	return r.Open(ctx, id, opts)
}

// Open registers the computer with an existing ID, or returns it if it is
// already registered.
func (r *Registry) Open(ctx context.Context, id int, opts Options) (*Computer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.computers[id]; c != nil {
		return c, nil
	}
	c, err := New(ctx, r.svc, id, opts)
	if err != nil {
		return nil, err
	}
	r.computers[id] = c
	return c, nil
}

// Get returns the computer with id, or nil.
func (r *Registry) Get(id int) *Computer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.computers[id]
}

// Computers returns the registered computers ordered by ID.
func (r *Registry) Computers() []*Computer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := slices.Sorted(maps.Keys(r.computers))
	cs := make([]*Computer, len(ids))
	for i, id := range ids {
		cs[i] = r.computers[id]
	}
	return cs
}

// Remove shuts a computer down and forgets it.
func (r *Registry) Remove(ctx context.Context, id int) error {
	r.mu.Lock()
	c := r.computers[id]
	delete(r.computers, id)
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Shutdown(ctx)
}

// Tick advances the world clock, ticks every computer and then runs
// main-thread work within the scheduler's budgets. It must be called from
// the host's main thread.
func (r *Registry) Tick(ctx context.Context) mainthread.TickStats {
	r.svc.Clock.Advance()
	for _, c := range r.Computers() {
		c.Tick(ctx)
	}
	return r.svc.MainThread.Tick(ctx)
}

// Apply switches the host to new settings and applies the HTTP limits to
// every computer.
func (r *Registry) Apply(ctx context.Context, cfg *config.Config) error {
	if err := r.svc.Apply(cfg); err != nil {
		return err
	}
	for _, c := range r.Computers() {
		c.requests.SetLimit(cfg.HTTP.MaxRequests)
		c.websockets.SetLimit(cfg.HTTP.MaxWebsockets)
		c.bandwidth.SetLimits(cfg.HTTP.DownloadBandwidth, cfg.HTTP.UploadBandwidth)
	}
	log.Infof(ctx, "Applied new settings to %d computers", len(r.Computers()))
	return nil
}

// Close shuts every computer down in parallel.
func (r *Registry) Close(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range r.Computers() {
		g.Go(func() error {
			return c.Shutdown(ctx)
		})
	}
	return g.Wait()
}
