package filesystem

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"io/fs"
	"sort"
)

// FSMount is a read-only mount over an io/fs.FS. It serves the embedded ROM
// and resources packaged in zip archives.
type FSMount struct {
	fsys   fs.FS
	closer io.Closer
}

// NewFSMount creates a read-only mount over fsys.
func NewFSMount(fsys fs.FS) *FSMount {
	return &FSMount{fsys: fsys}
}

// OpenArchive mounts the directory dir inside the zip archive at path.
// An empty dir mounts the whole archive. The caller must Close the mount
// to release the archive.
func OpenArchive(path, dir string) (*FSMount, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	var fsys fs.FS = rc
	if dir != "" {
		fsys, err = fs.Sub(rc, dir)
		if err != nil {
			rc.Close()
			return nil, err
		}
	}
	return &FSMount{fsys: fsys, closer: rc}, nil
}

var _ Mount = (*FSMount)(nil)

// FS returns the file system the mount serves.
func (m *FSMount) FS() fs.FS { return m.fsys }

// Close releases the archive backing the mount, if any.
func (m *FSMount) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer.Close()
}

func fsName(path string) string {
	if path == "" {
		return "."
	}
	return path
}

func fromFS(op, path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrInvalid) {
		return newError(op, path, ErrNotFound)
	}
	return fromOS(op, path, err)
}

// Exists reports whether path names a file or directory.
func (m *FSMount) Exists(path string) (bool, error) {
	_, err := fs.Stat(m.fsys, fsName(path))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fromFS("exists", path, err)
	}
	return true, nil
}

// IsDirectory reports whether path names a directory.
func (m *FSMount) IsDirectory(path string) (bool, error) {
	info, err := fs.Stat(m.fsys, fsName(path))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fromFS("isDir", path, err)
	}
	return info.IsDir(), nil
}

// List returns the sorted names of the entries in a directory.
func (m *FSMount) List(path string) ([]string, error) {
	info, err := fs.Stat(m.fsys, fsName(path))
	if err != nil {
		return nil, fromFS("list", path, err)
	}
	if !info.IsDir() {
		return nil, newError("list", path, ErrNotDirectory)
	}
	entries, err := fs.ReadDir(m.fsys, fsName(path))
	if err != nil {
		return nil, fromFS("list", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Size returns the length of a file. Directories have size 0.
func (m *FSMount) Size(path string) (int64, error) {
	a, err := m.Attributes(path)
	if err != nil {
		return 0, err
	}
	return a.Size, nil
}

// Attributes describes a file or directory.
func (m *FSMount) Attributes(path string) (Attributes, error) {
	info, err := fs.Stat(m.fsys, fsName(path))
	if err != nil {
		return Attributes{}, fromFS("attributes", path, err)
	}
	a := Attributes{
		IsDir:      info.IsDir(),
		IsReadOnly: true,
		Created:    info.ModTime(),
		Modified:   info.ModTime(),
	}
	if !a.IsDir {
		a.Size = info.Size()
	}
	return a, nil
}

// OpenForRead opens a file. Files that cannot seek, such as compressed
// archive entries, are read into memory.
func (m *FSMount) OpenForRead(path string) (ReadHandle, error) {
	f, err := m.fsys.Open(fsName(path))
	if err != nil {
		return nil, fromFS("open", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fromFS("open", path, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, newError("open", path, ErrIsDirectory)
	}
	if h, ok := f.(ReadHandle); ok {
		return h, nil
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fromFS("open", path, err)
	}
	return memReader{bytes.NewReader(data)}, nil
}
