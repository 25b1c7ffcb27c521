package filesystem

import (
	"io/fs"
	"path/filepath"
	"sync"
)

// Provider creates the mounts computers and disks are given.
//
// Writable mounts live in subdirectories of the save directory. Without a
// save directory they are kept in memory for the lifetime of the Provider,
// so re-requesting the same subdirectory returns the same data.
type Provider struct {
	saveDir   string
	resources fs.FS

	mu     sync.Mutex
	memory map[string]*MemoryMount
}

// NewProvider returns a provider storing data under saveDir and serving
// read-only resources from resources. Either may be empty or nil.
func NewProvider(saveDir string, resources fs.FS) *Provider {
	return &Provider{
		saveDir:   saveDir,
		resources: resources,
		memory:    make(map[string]*MemoryMount),
	}
}

// SaveDirMount returns a writable mount for the save subdirectory sub,
// for example "computer/3".
func (p *Provider) SaveDirMount(sub string, capacity int64) (WritableMount, error) {
	sub, err := Sanitize(sub, false)
	if err != nil {
		return nil, err
	}
	if p.saveDir == "" {
		p.mu.Lock()
		defer p.mu.Unlock()
		m := p.memory[sub]
		if m == nil {
			m = NewMemoryMount(capacity)
			p.memory[sub] = m
		}
		return m, nil
	}
	return NewDirMount(filepath.Join(p.saveDir, filepath.FromSlash(sub)), capacity)
}

// ResourceMount returns a read-only mount of the resource directory
// domain/sub, for example "computercraft" and "lua/rom".
func (p *Provider) ResourceMount(domain, sub string) (Mount, error) {
	dir, err := Combine(domain, sub)
	if err != nil {
		return nil, err
	}
	if p.resources == nil {
		return nil, newError("mount", dir, ErrNotFound)
	}
	if dir == "" {
		return NewFSMount(p.resources), nil
	}
	if _, err := fs.Stat(p.resources, dir); err != nil {
		return nil, fromFS("mount", dir, err)
	}
	rooted, err := fs.Sub(p.resources, dir)
	if err != nil {
		return nil, fromFS("mount", dir, err)
	}
	return NewFSMount(rooted), nil
}
