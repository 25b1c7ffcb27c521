package filesystem

import (
	"errors"
	"io"
	pathpkg "path"
	"sort"
	"strings"
	"sync"
)

// maxCopyDepth bounds recursion when copying directory trees.
const maxCopyDepth = 128

// FileSystem is the union of mounts visible to one computer.
//
// Paths passed to FileSystem are computer-visible and are sanitized before
// use. Each path is served by the mount whose location is the longest prefix
// of the path. FileSystem also tracks open handles so they can be limited and
// closed together when the computer shuts down.
//
// FileSystem is safe for concurrent use.
type FileSystem struct {
	mu      sync.Mutex
	mounts  map[string]*mountPoint
	maxOpen int
	handles map[io.Closer]string
}

type mountPoint struct {
	location string
	label    string
	mount    Mount
	writable WritableMount
}

// New creates an empty filesystem that allows at most maxOpenFiles
// simultaneously open handles. A limit of zero or less means no limit.
func New(maxOpenFiles int) *FileSystem {
	return &FileSystem{
		mounts:  make(map[string]*mountPoint),
		maxOpen: maxOpenFiles,
		handles: make(map[io.Closer]string),
	}
}

// Mount attaches a read-only mount at location.
// It fails with ErrExists if location is already in use.
func (f *FileSystem) Mount(location, label string, m Mount) error {
	return f.mount(location, label, m, nil)
}

// MountWritable attaches a writable mount at location.
func (f *FileSystem) MountWritable(location, label string, m WritableMount) error {
	return f.mount(location, label, m, m)
}

func (f *FileSystem) mount(location, label string, m Mount, w WritableMount) error {
	location, err := Sanitize(location, false)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.mounts[location]; ok {
		return newError("mount", location, ErrExists)
	}
	f.mounts[location] = &mountPoint{location: location, label: label, mount: m, writable: w}
	return nil
}

// Unmount detaches the mount at location. Handles already open on the mount
// stay valid until closed.
func (f *FileSystem) Unmount(location string) {
	location, err := Sanitize(location, false)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.mounts, location)
}

// Mounts returns the sorted locations of all mounts.
func (f *FileSystem) Mounts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	locs := make([]string, 0, len(f.mounts))
	for loc := range f.mounts {
		locs = append(locs, loc)
	}
	sort.Strings(locs)
	return locs
}

// resolve sanitizes p and finds the mount serving it.
func (f *FileSystem) resolve(p string) (mp *mountPoint, clean, local string, err error) {
	clean, err = Sanitize(p, false)
	if err != nil {
		return nil, "", "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for loc, m := range f.mounts {
		if !contains(loc, clean) {
			continue
		}
		if mp == nil || len(loc) > len(mp.location) {
			mp = m
		}
	}
	if mp == nil {
		return nil, clean, "", newError("resolve", clean, ErrInvalidPath)
	}
	return mp, clean, relative(mp.location, clean), nil
}

func (f *FileSystem) isMountRoot(clean string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.mounts[clean]
	return ok
}

// Exists reports whether p names a file, directory or mount point.
func (f *FileSystem) Exists(p string) (bool, error) {
	mp, clean, local, err := f.resolve(p)
	if err != nil {
		return false, err
	}
	ok, err := mp.mount.Exists(local)
	return ok, withPath(err, clean)
}

// IsDirectory reports whether p names a directory or mount point.
func (f *FileSystem) IsDirectory(p string) (bool, error) {
	mp, clean, local, err := f.resolve(p)
	if err != nil {
		return false, err
	}
	ok, err := mp.mount.IsDirectory(local)
	return ok, withPath(err, clean)
}

// IsReadOnly reports whether p is served by a read-only mount.
func (f *FileSystem) IsReadOnly(p string) (bool, error) {
	mp, _, _, err := f.resolve(p)
	if err != nil {
		return false, err
	}
	return mp.writable == nil, nil
}

// Drive returns the label of the mount serving p.
func (f *FileSystem) Drive(p string) (string, error) {
	mp, _, _, err := f.resolve(p)
	if err != nil {
		return "", err
	}
	return mp.label, nil
}

// List returns the sorted entries of a directory, including the names of
// mounts attached directly below it.
func (f *FileSystem) List(p string) ([]string, error) {
	mp, clean, local, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	names, err := mp.mount.List(local)
	if err != nil {
		return nil, withPath(err, clean)
	}

	f.mu.Lock()
	for loc := range f.mounts {
		if loc != "" && loc != clean && Dir(loc) == clean {
			names = append(names, Name(loc))
		}
	}
	f.mu.Unlock()

	sort.Strings(names)
	return compactStrings(names), nil
}

func compactStrings(s []string) []string {
	out := s[:0]
	for i, v := range s {
		if i == 0 || v != s[i-1] {
			out = append(out, v)
		}
	}
	return out
}

// Size returns the length of a file.
func (f *FileSystem) Size(p string) (int64, error) {
	mp, clean, local, err := f.resolve(p)
	if err != nil {
		return 0, err
	}
	n, err := mp.mount.Size(local)
	return n, withPath(err, clean)
}

// Attributes describes a file or directory. Entries on read-only mounts are
// reported as read-only.
func (f *FileSystem) Attributes(p string) (Attributes, error) {
	mp, clean, local, err := f.resolve(p)
	if err != nil {
		return Attributes{}, err
	}
	a, err := mp.mount.Attributes(local)
	if err != nil {
		return Attributes{}, withPath(err, clean)
	}
	a.IsReadOnly = a.IsReadOnly || mp.writable == nil
	return a, nil
}

// FreeSpace returns the space remaining on the mount serving p.
// Read-only mounts have no free space.
func (f *FileSystem) FreeSpace(p string) (int64, error) {
	mp, _, _, err := f.resolve(p)
	if err != nil {
		return 0, err
	}
	if mp.writable == nil {
		return 0, nil
	}
	return mp.writable.RemainingSpace(), nil
}

// Capacity returns the capacity of the mount serving p. The second result
// is false for read-only mounts.
func (f *FileSystem) Capacity(p string) (int64, bool, error) {
	mp, _, _, err := f.resolve(p)
	if err != nil {
		return 0, false, err
	}
	if mp.writable == nil {
		return 0, false, nil
	}
	return mp.writable.Capacity(), true, nil
}

func (f *FileSystem) resolveWritable(op, p string) (*mountPoint, string, string, error) {
	mp, clean, local, err := f.resolve(p)
	if err != nil {
		return nil, "", "", err
	}
	if mp.writable == nil {
		return nil, clean, local, newError(op, clean, ErrReadOnly)
	}
	return mp, clean, local, nil
}

// MakeDirectory creates a directory and any missing parents.
func (f *FileSystem) MakeDirectory(p string) error {
	mp, clean, local, err := f.resolveWritable("mkdir", p)
	if err != nil {
		return err
	}
	return withPath(mp.writable.MakeDirectory(local), clean)
}

// Delete removes a file or directory tree. Mount points cannot be deleted.
func (f *FileSystem) Delete(p string) error {
	mp, clean, local, err := f.resolve(p)
	if err != nil {
		return err
	}
	if f.isMountRoot(clean) {
		return newError("delete", clean, ErrAccessDenied)
	}
	if mp.writable == nil {
		return newError("delete", clean, ErrReadOnly)
	}
	return withPath(mp.writable.Delete(local), clean)
}

// Move moves a file or directory, possibly between mounts.
func (f *FileSystem) Move(src, dst string) error {
	srcMP, srcClean, srcLocal, err := f.resolve(src)
	if err != nil {
		return err
	}
	dstMP, dstClean, dstLocal, err := f.resolve(dst)
	if err != nil {
		return err
	}
	if f.isMountRoot(srcClean) {
		return newError("move", srcClean, ErrAccessDenied)
	}
	if srcMP.writable == nil {
		return newError("move", srcClean, ErrReadOnly)
	}
	if err := f.checkTransfer("move", srcMP, srcClean, srcLocal, dstMP, dstClean, dstLocal); err != nil {
		return err
	}

	if srcMP == dstMP {
		if err := srcMP.writable.MakeDirectory(Dir(dstLocal)); err != nil {
			return withPath(err, dstClean)
		}
		return withPath(srcMP.writable.Rename(srcLocal, dstLocal), dstClean)
	}
	if err := f.copyTree(srcMP, srcLocal, dstMP, dstLocal, 0); err != nil {
		return withPath(err, dstClean)
	}
	return withPath(srcMP.writable.Delete(srcLocal), srcClean)
}

// Copy copies a file or directory tree, possibly between mounts.
func (f *FileSystem) Copy(src, dst string) error {
	srcMP, srcClean, srcLocal, err := f.resolve(src)
	if err != nil {
		return err
	}
	dstMP, dstClean, dstLocal, err := f.resolve(dst)
	if err != nil {
		return err
	}
	if err := f.checkTransfer("copy", srcMP, srcClean, srcLocal, dstMP, dstClean, dstLocal); err != nil {
		return err
	}
	return withPath(f.copyTree(srcMP, srcLocal, dstMP, dstLocal, 0), dstClean)
}

func (f *FileSystem) checkTransfer(op string, srcMP *mountPoint, srcClean, srcLocal string, dstMP *mountPoint, dstClean, dstLocal string) error {
	if dstMP.writable == nil {
		return newError(op, dstClean, ErrReadOnly)
	}
	ok, err := srcMP.mount.Exists(srcLocal)
	if err != nil {
		return withPath(err, srcClean)
	}
	if !ok {
		return newError(op, srcClean, ErrNotFound)
	}
	ok, err = dstMP.mount.Exists(dstLocal)
	if err != nil {
		return withPath(err, dstClean)
	}
	if ok || f.isMountRoot(dstClean) {
		return newError(op, dstClean, ErrExists)
	}
	if contains(srcClean, dstClean) {
		return newError(op, dstClean, ErrInvalidPath)
	}
	return nil
}

func (f *FileSystem) copyTree(srcMP *mountPoint, src string, dstMP *mountPoint, dst string, depth int) error {
	if depth > maxCopyDepth {
		return newError("copy", src, ErrInvalidPath)
	}

	isDir, err := srcMP.mount.IsDirectory(src)
	if err != nil {
		return err
	}
	if isDir {
		if err := dstMP.writable.MakeDirectory(dst); err != nil {
			return err
		}
		names, err := srcMP.mount.List(src)
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := f.copyTree(srcMP, join(src, name), dstMP, join(dst, name), depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	r, err := srcMP.mount.OpenForRead(src)
	if err != nil {
		return err
	}
	defer r.Close()
	w, err := dstMP.writable.OpenForWrite(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// OpenForRead opens a file for reading. It fails with ErrTooManyFiles if
// the open handle limit has been reached.
func (f *FileSystem) OpenForRead(p string) (ReadHandle, error) {
	mp, clean, local, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	if err := f.checkOpenLimit(clean); err != nil {
		return nil, err
	}
	h, err := mp.mount.OpenForRead(local)
	if err != nil {
		return nil, withPath(err, clean)
	}
	r := &readHandle{ReadHandle: h, fs: f, path: clean}
	if err := f.track(r, clean); err != nil {
		h.Close()
		return nil, err
	}
	return r, nil
}

// OpenForWrite opens a file for writing, truncating it unless appending.
func (f *FileSystem) OpenForWrite(p string, appending bool) (WriteHandle, error) {
	mp, clean, local, err := f.resolveWritable("open", p)
	if err != nil {
		return nil, err
	}
	if f.isMountRoot(clean) {
		return nil, newError("open", clean, ErrIsDirectory)
	}
	if err := f.checkOpenLimit(clean); err != nil {
		return nil, err
	}
	var h WriteHandle
	if appending {
		h, err = mp.writable.OpenForAppend(local)
	} else {
		h, err = mp.writable.OpenForWrite(local)
	}
	if err != nil {
		return nil, withPath(err, clean)
	}
	w := &writeHandle{WriteHandle: h, fs: f, path: clean}
	if err := f.track(w, clean); err != nil {
		h.Close()
		return nil, err
	}
	return w, nil
}

func (f *FileSystem) checkOpenLimit(clean string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.maxOpen > 0 && len(f.handles) >= f.maxOpen {
		return newError("open", clean, ErrTooManyFiles)
	}
	return nil
}

func (f *FileSystem) track(c io.Closer, clean string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.maxOpen > 0 && len(f.handles) >= f.maxOpen {
		return newError("open", clean, ErrTooManyFiles)
	}
	f.handles[c] = clean
	return nil
}

// untrack reports whether c was open.
func (f *FileSystem) untrack(c io.Closer) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handles[c]; !ok {
		return false
	}
	delete(f.handles, c)
	return true
}

// OpenFiles returns the number of handles currently open.
func (f *FileSystem) OpenFiles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

// Close closes every open handle. The filesystem remains usable.
func (f *FileSystem) Close() error {
	f.mu.Lock()
	handles := f.handles
	f.handles = make(map[io.Closer]string)
	f.mu.Unlock()

	var errs []error
	for c := range handles {
		switch h := c.(type) {
		case *readHandle:
			errs = append(errs, h.ReadHandle.Close())
		case *writeHandle:
			errs = append(errs, h.WriteHandle.Close())
		}
	}
	return errors.Join(errs...)
}

type readHandle struct {
	ReadHandle
	fs   *FileSystem
	path string
}

func (h *readHandle) Close() error {
	if !h.fs.untrack(h) {
		return newError("close", h.path, ErrClosed)
	}
	return h.ReadHandle.Close()
}

type writeHandle struct {
	WriteHandle
	fs   *FileSystem
	path string
}

func (h *writeHandle) Close() error {
	if !h.fs.untrack(h) {
		return newError("close", h.path, ErrClosed)
	}
	return h.WriteHandle.Close()
}

// Find returns the sorted paths matching a pattern. '*' and '?' match within
// a single path element, as in path.Match.
func (f *FileSystem) Find(pattern string) ([]string, error) {
	pattern, err := Sanitize(pattern, true)
	if err != nil {
		return nil, err
	}

	matches := []string{""}
	for _, part := range strings.Split(pattern, "/") {
		if part == "" {
			continue
		}
		var next []string
		for _, dir := range matches {
			if !strings.ContainsAny(part, "*?") {
				p := join(dir, part)
				if ok, _ := f.Exists(p); ok {
					next = append(next, p)
				}
				continue
			}
			if ok, _ := f.IsDirectory(dir); !ok {
				continue
			}
			names, err := f.List(dir)
			if err != nil {
				continue
			}
			for _, name := range names {
				ok, err := pathpkg.Match(part, name)
				if err != nil {
					return nil, newError("find", pattern, ErrInvalidPath)
				}
				if ok {
					next = append(next, join(dir, name))
				}
			}
		}
		matches = next
	}
	if pattern == "" {
		return []string{}, nil
	}
	sort.Strings(matches)
	return matches, nil
}
