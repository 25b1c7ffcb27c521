package filesystem

import (
	"bytes"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryMount is a WritableMount held entirely in memory.
// It backs temporary computers and floppy disks when no save directory
// is configured.
//
// MemoryMount is safe for concurrent use.
type MemoryMount struct {
	mu    sync.RWMutex
	files map[string]*memFile
	dirs  map[string]time.Time
	space usage
}

type memFile struct {
	content  []byte
	created  time.Time
	modified time.Time
}

// NewMemoryMount creates an empty mount with the given capacity in bytes.
func NewMemoryMount(capacity int64) *MemoryMount {
	return &MemoryMount{
		files: make(map[string]*memFile),
		dirs:  map[string]time.Time{"": time.Now()},
		space: usage{capacity: capacity},
	}
}

var _ WritableMount = (*MemoryMount)(nil)

// Exists reports whether path names a file or directory.
func (m *MemoryMount) Exists(path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, isFile := m.files[path]
	_, isDir := m.dirs[path]
	return isFile || isDir, nil
}

// IsDirectory reports whether path names a directory.
func (m *MemoryMount) IsDirectory(path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.dirs[path]
	return ok, nil
}

// List returns the sorted names of the direct children of a directory.
func (m *MemoryMount) List(path string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.dirs[path]; !ok {
		if _, ok := m.files[path]; ok {
			return nil, newError("list", path, ErrNotDirectory)
		}
		return nil, newError("list", path, ErrNotFound)
	}

	var names []string
	add := func(p string) {
		if p == "" || p == path || !contains(path, p) {
			return
		}
		rest := relative(path, p)
		if strings.Contains(rest, "/") {
			return
		}
		names = append(names, rest)
	}
	for p := range m.files {
		add(p)
	}
	for p := range m.dirs {
		add(p)
	}
	sort.Strings(names)
	return names, nil
}

// Size returns the length of a file. Directories have size 0.
func (m *MemoryMount) Size(path string) (int64, error) {
	a, err := m.Attributes(path)
	if err != nil {
		return 0, err
	}
	return a.Size, nil
}

// Attributes describes a file or directory.
func (m *MemoryMount) Attributes(path string) (Attributes, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if f, ok := m.files[path]; ok {
		return Attributes{
			Size:     int64(len(f.content)),
			Created:  f.created,
			Modified: f.modified,
		}, nil
	}
	if created, ok := m.dirs[path]; ok {
		return Attributes{IsDir: true, Created: created, Modified: created}, nil
	}
	return Attributes{}, newError("attributes", path, ErrNotFound)
}

// OpenForRead returns a handle over a snapshot of the file's content.
func (m *MemoryMount) OpenForRead(path string) (ReadHandle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.files[path]
	if !ok {
		if _, ok := m.dirs[path]; ok {
			return nil, newError("open", path, ErrIsDirectory)
		}
		return nil, newError("open", path, ErrNotFound)
	}
	content := make([]byte, len(f.content))
	copy(content, f.content)
	return memReader{bytes.NewReader(content)}, nil
}

type memReader struct {
	*bytes.Reader
}

func (memReader) Close() error { return nil }

// MakeDirectory creates a directory and any missing parents.
// Each new directory costs MinimumFileSize bytes.
func (m *MemoryMount) MakeDirectory(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.makeDirectory("mkdir", path, 0)
}

// makeDirectory creates path and its missing parents. extra bytes are
// reserved along with the directories, so either both are charged or
// nothing changes.
func (m *MemoryMount) makeDirectory(op, path string, extra int64) error {
	var missing []string
	var parts []string
	if path != "" {
		parts = strings.Split(path, "/")
	}
	for i := range parts {
		dir := strings.Join(parts[:i+1], "/")
		if _, ok := m.files[dir]; ok {
			return newError(op, dir, ErrExists)
		}
		if _, ok := m.dirs[dir]; !ok {
			missing = append(missing, dir)
		}
	}
	if !m.space.reserve(int64(len(missing))*MinimumFileSize + extra) {
		return newError(op, path, ErrOutOfSpace)
	}
	now := time.Now()
	for _, dir := range missing {
		m.dirs[dir] = now
	}
	return nil
}

// Delete removes a file, or a directory and everything below it.
// Deleting a path that does not exist is not an error.
func (m *MemoryMount) Delete(path string) error {
	if path == "" {
		return newError("delete", path, ErrAccessDenied)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.files[path]; ok {
		delete(m.files, path)
		m.space.release(cost(int64(len(f.content))))
		return nil
	}
	if _, ok := m.dirs[path]; !ok {
		return nil
	}
	for p, f := range m.files {
		if contains(path, p) {
			delete(m.files, p)
			m.space.release(cost(int64(len(f.content))))
		}
	}
	for p := range m.dirs {
		if contains(path, p) {
			delete(m.dirs, p)
			m.space.release(MinimumFileSize)
		}
	}
	return nil
}

// Rename moves a file or directory. The destination's parent must exist
// and the destination itself must not.
func (m *MemoryMount) Rename(from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, isFile := m.files[from]
	_, isDir := m.dirs[from]
	switch {
	case from == "" || to == "":
		return newError("rename", from, ErrAccessDenied)
	case !isFile && !isDir:
		return newError("rename", from, ErrNotFound)
	case m.exists(to):
		return newError("rename", to, ErrExists)
	case isDir && contains(from, to):
		return newError("rename", to, ErrInvalidPath)
	}
	if _, ok := m.dirs[Dir(to)]; !ok {
		return newError("rename", Dir(to), ErrNotFound)
	}

	if isFile {
		delete(m.files, from)
		m.files[to] = f
		return nil
	}
	for p, f := range m.files {
		if contains(from, p) {
			delete(m.files, p)
			m.files[join(to, relative(from, p))] = f
		}
	}
	moved := make(map[string]time.Time)
	for p, created := range m.dirs {
		if contains(from, p) {
			delete(m.dirs, p)
			moved[join(to, relative(from, p))] = created
		}
	}
	for p, created := range moved {
		m.dirs[strings.TrimSuffix(p, "/")] = created
	}
	return nil
}

func (m *MemoryMount) exists(path string) bool {
	_, isFile := m.files[path]
	_, isDir := m.dirs[path]
	return isFile || isDir
}

// OpenForWrite creates or truncates a file, creating missing parents.
func (m *MemoryMount) OpenForWrite(path string) (WriteHandle, error) {
	return m.open("write", path, false)
}

// OpenForAppend opens a file for writing at its end, creating it if needed.
func (m *MemoryMount) OpenForAppend(path string) (WriteHandle, error) {
	return m.open("append", path, true)
}

func (m *MemoryMount) open(op, path string, appending bool) (WriteHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.dirs[path]; ok {
		return nil, newError(op, path, ErrIsDirectory)
	}
	if f, ok := m.files[path]; ok {
		if !appending {
			m.space.release(cost(int64(len(f.content))) - MinimumFileSize)
			f.content = nil
			f.modified = time.Now()
		}
		return &memWriter{m: m, path: path, file: f}, nil
	}

	if err := m.makeDirectory(op, Dir(path), MinimumFileSize); err != nil {
		if errors.Is(err, ErrOutOfSpace) {
			return nil, newError(op, path, ErrOutOfSpace)
		}
		return nil, err
	}
	now := time.Now()
	f := &memFile{created: now, modified: now}
	m.files[path] = f
	return &memWriter{m: m, path: path, file: f}, nil
}

// RemainingSpace returns the number of bytes that may still be written.
func (m *MemoryMount) RemainingSpace() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.space.remaining()
}

// Capacity returns the mount's quota in bytes.
func (m *MemoryMount) Capacity() int64 {
	return m.space.capacity
}

// memWriter appends to a file. Writes after the file has been deleted or
// replaced go to the detached file and are not charged to the mount.
type memWriter struct {
	m      *MemoryMount
	path   string
	file   *memFile
	closed bool
}

func (w *memWriter) Write(p []byte) (int, error) {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()

	if w.closed {
		return 0, newError("write", w.path, ErrClosed)
	}
	if w.m.files[w.path] == w.file {
		old := int64(len(w.file.content))
		if !w.m.space.reserve(cost(old+int64(len(p))) - cost(old)) {
			return 0, newError("write", w.path, ErrOutOfSpace)
		}
	}
	w.file.content = append(w.file.content, p...)
	w.file.modified = time.Now()
	return len(p), nil
}

func (w *memWriter) Close() error {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	w.closed = true
	return nil
}
