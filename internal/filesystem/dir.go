package filesystem

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// DirMount exposes a directory on the host disk.
//
// A writable DirMount charges every file and directory against its capacity.
// Usage is measured once when the mount is created and then maintained as
// the mount is modified. The directory itself is created on first write,
// so computers that never write leave nothing behind.
type DirMount struct {
	root     string
	readOnly bool

	mu    sync.Mutex
	space usage
}

// NewDirMount creates a writable mount rooted at dir.
func NewDirMount(dir string, capacity int64) (*DirMount, error) {
	m := &DirMount{root: filepath.Clean(dir), space: usage{capacity: capacity}}
	used, err := m.measure("")
	if err != nil {
		return nil, err
	}
	m.space.used = used
	return m, nil
}

// NewReadOnlyDirMount creates a read-only mount rooted at dir.
func NewReadOnlyDirMount(dir string) *DirMount {
	return &DirMount{root: filepath.Clean(dir), readOnly: true}
}

var _ WritableMount = (*DirMount)(nil)

func (m *DirMount) hostPath(path string) string {
	return filepath.Join(m.root, filepath.FromSlash(path))
}

// fromOS converts an error from the os package into an *Error.
func fromOS(op, path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return newError(op, path, ErrNotFound)
	case errors.Is(err, fs.ErrExist):
		return newError(op, path, ErrExists)
	case errors.Is(err, fs.ErrPermission):
		return newError(op, path, ErrAccessDenied)
	default:
		return newError(op, path, err)
	}
}

// measure returns the space used by path and everything below it.
func (m *DirMount) measure(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(m.hostPath(path), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if p != m.root {
				total += MinimumFileSize
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += cost(info.Size())
		return nil
	})
	if err != nil {
		return 0, fromOS("measure", path, err)
	}
	return total, nil
}

// Exists reports whether path names a file or directory.
// The root always exists, even before the directory is created.
func (m *DirMount) Exists(path string) (bool, error) {
	if path == "" {
		return true, nil
	}
	_, err := os.Stat(m.hostPath(path))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fromOS("exists", path, err)
	}
	return true, nil
}

// IsDirectory reports whether path names a directory.
func (m *DirMount) IsDirectory(path string) (bool, error) {
	if path == "" {
		return true, nil
	}
	info, err := os.Stat(m.hostPath(path))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fromOS("isDir", path, err)
	}
	return info.IsDir(), nil
}

// List returns the sorted names of the entries in a directory.
func (m *DirMount) List(path string) ([]string, error) {
	info, err := os.Stat(m.hostPath(path))
	switch {
	case path == "" && errors.Is(err, fs.ErrNotExist):
		return []string{}, nil
	case err != nil:
		return nil, fromOS("list", path, err)
	case !info.IsDir():
		return nil, newError("list", path, ErrNotDirectory)
	}
	entries, err := os.ReadDir(m.hostPath(path))
	if err != nil {
		return nil, fromOS("list", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Size returns the length of a file. Directories have size 0.
func (m *DirMount) Size(path string) (int64, error) {
	a, err := m.Attributes(path)
	if err != nil {
		return 0, err
	}
	return a.Size, nil
}

// Attributes describes a file or directory. The host's modification time is
// reported for both the creation and modification times.
func (m *DirMount) Attributes(path string) (Attributes, error) {
	info, err := os.Stat(m.hostPath(path))
	if err != nil {
		if path == "" && errors.Is(err, fs.ErrNotExist) {
			return Attributes{IsDir: true, IsReadOnly: m.readOnly}, nil
		}
		return Attributes{}, fromOS("attributes", path, err)
	}
	a := Attributes{
		IsDir:      info.IsDir(),
		IsReadOnly: m.readOnly,
		Created:    info.ModTime(),
		Modified:   info.ModTime(),
	}
	if !a.IsDir {
		a.Size = info.Size()
	}
	return a, nil
}

// OpenForRead opens a file on disk.
func (m *DirMount) OpenForRead(path string) (ReadHandle, error) {
	info, err := os.Stat(m.hostPath(path))
	if err != nil {
		return nil, fromOS("open", path, err)
	}
	if info.IsDir() {
		return nil, newError("open", path, ErrIsDirectory)
	}
	f, err := os.Open(m.hostPath(path))
	if err != nil {
		return nil, fromOS("open", path, err)
	}
	return f, nil
}

// MakeDirectory creates a directory and any missing parents.
func (m *DirMount) MakeDirectory(path string) error {
	if m.readOnly {
		return newError("mkdir", path, ErrReadOnly)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, _, err := m.makeDirectory("mkdir", path, 0)
	return err
}

// makeDirectory creates path and its missing parents. extra bytes are
// reserved in the same step as the directories. It returns the topmost
// directory it created, if any, and the number of bytes it charged.
func (m *DirMount) makeDirectory(op, path string, extra int64) (string, int64, error) {
	var missing int64
	var top string
	var parts []string
	if path != "" {
		parts = strings.Split(path, "/")
	}
	for i := range parts {
		dir := strings.Join(parts[:i+1], "/")
		info, err := os.Stat(m.hostPath(dir))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if missing == 0 {
				top = dir
			}
			missing++
		case err != nil:
			return "", 0, fromOS(op, dir, err)
		case !info.IsDir():
			return "", 0, newError(op, dir, ErrExists)
		}
	}
	charge := missing*MinimumFileSize + extra
	if !m.space.reserve(charge) {
		return "", 0, newError(op, path, ErrOutOfSpace)
	}
	if missing == 0 {
		return "", charge, nil
	}
	if err := os.MkdirAll(m.hostPath(path), 0o755); err != nil {
		m.space.release(charge)
		return "", 0, fromOS(op, path, err)
	}
	return top, charge, nil
}

// Delete removes a file or a directory tree.
// Deleting a path that does not exist is not an error.
func (m *DirMount) Delete(path string) error {
	switch {
	case m.readOnly:
		return newError("delete", path, ErrReadOnly)
	case path == "":
		return newError("delete", path, ErrAccessDenied)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	freed, err := m.measure(path)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(m.hostPath(path)); err != nil {
		return fromOS("delete", path, err)
	}
	m.space.release(freed)
	return nil
}

// Rename moves a file or directory. The destination's parent must exist and
// the destination itself must not.
func (m *DirMount) Rename(from, to string) error {
	switch {
	case m.readOnly:
		return newError("rename", from, ErrReadOnly)
	case from == "" || to == "":
		return newError("rename", from, ErrAccessDenied)
	case contains(from, to):
		return newError("rename", to, ErrInvalidPath)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.hostPath(from)); err != nil {
		return fromOS("rename", from, err)
	}
	if _, err := os.Stat(m.hostPath(to)); err == nil {
		return newError("rename", to, ErrExists)
	}
	if err := os.Rename(m.hostPath(from), m.hostPath(to)); err != nil {
		return fromOS("rename", to, err)
	}
	return nil
}

// OpenForWrite creates or truncates a file, creating missing parents.
func (m *DirMount) OpenForWrite(path string) (WriteHandle, error) {
	return m.open("write", path, os.O_TRUNC)
}

// OpenForAppend opens a file for writing at its end, creating it if needed.
func (m *DirMount) OpenForAppend(path string) (WriteHandle, error) {
	return m.open("append", path, os.O_APPEND)
}

func (m *DirMount) open(op, path string, mode int) (WriteHandle, error) {
	if m.readOnly {
		return nil, newError(op, path, ErrReadOnly)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Rolled back if the host file cannot be opened.
	var created string
	var charged int64
	info, err := os.Stat(m.hostPath(path))
	switch {
	case err == nil && info.IsDir():
		return nil, newError(op, path, ErrIsDirectory)
	case err == nil:
		if mode == os.O_TRUNC {
			m.space.release(cost(info.Size()) - MinimumFileSize)
		}
	case errors.Is(err, fs.ErrNotExist):
		created, charged, err = m.makeDirectory(op, Dir(path), MinimumFileSize)
		if errors.Is(err, ErrOutOfSpace) {
			return nil, newError(op, path, ErrOutOfSpace)
		}
		if err != nil {
			return nil, err
		}
	default:
		return nil, fromOS(op, path, err)
	}

	f, err := m.openHost(path, mode)
	if err != nil {
		m.space.release(charged)
		if created != "" {
			os.RemoveAll(m.hostPath(created))
		}
		return nil, fromOS(op, path, err)
	}
	return &dirWriter{m: m, path: path, f: f, appending: mode == os.O_APPEND}, nil
}

func (m *DirMount) openHost(path string, mode int) (*os.File, error) {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(m.hostPath(path), os.O_WRONLY|os.O_CREATE|mode, 0o644)
}

// RemainingSpace returns the number of bytes that may still be written.
func (m *DirMount) RemainingSpace() int64 {
	if m.readOnly {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.space.remaining()
}

// Capacity returns the mount's quota in bytes.
func (m *DirMount) Capacity() int64 {
	return m.space.capacity
}

type dirWriter struct {
	m         *DirMount
	path      string
	f         *os.File
	appending bool
}

// size reports the current size of the open file and whether it is still
// the file at w.path. A file that has been deleted or replaced is no longer
// charged to the mount.
func (w *dirWriter) size() (int64, bool, error) {
	fi, err := w.f.Stat()
	if err != nil {
		return 0, false, err
	}
	pi, err := os.Stat(w.m.hostPath(w.path))
	if err != nil {
		return fi.Size(), false, nil
	}
	return fi.Size(), os.SameFile(fi, pi), nil
}

func (w *dirWriter) Write(p []byte) (int, error) {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()

	cur, attached, err := w.size()
	if err != nil {
		return 0, fromOS("write", w.path, err)
	}
	if !attached {
		n, err := w.f.Write(p)
		if err != nil {
			return n, fromOS("write", w.path, err)
		}
		return n, nil
	}

	start := cur
	if !w.appending {
		start, err = w.f.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, fromOS("write", w.path, err)
		}
	}
	end := max(cur, start+int64(len(p)))
	delta := cost(end) - cost(cur)
	if !w.m.space.reserve(delta) {
		return 0, newError("write", w.path, ErrOutOfSpace)
	}
	n, err := w.f.Write(p)
	if n < len(p) {
		w.m.space.release(delta - (cost(max(cur, start+int64(n))) - cost(cur)))
	}
	if err != nil {
		return n, fromOS("write", w.path, err)
	}
	return n, nil
}

func (w *dirWriter) Close() error {
	if err := w.f.Close(); err != nil {
		return fromOS("close", w.path, err)
	}
	return nil
}
