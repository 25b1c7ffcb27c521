// Package filesystem provides the virtual filesystem seen by a computer.
//
// A computer's filesystem is a union of mounts. A Mount is a read-only tree
// of files and directories addressed by mount-relative paths, where "" is
// the root of the mount. A WritableMount adds mutation and a capacity quota.
// FileSystem composes mounts at named locations and resolves each path to the
// mount with the longest matching location.
//
// Implementations:
//
//   - MemoryMount: writable, held in memory
//   - DirMount: a directory on the host disk, read-only or writable
//   - FSMount: read-only over any io/fs.FS (embedded files, zip archives)
package filesystem

import (
	"io"
	"time"
)

// MinimumFileSize is the smallest amount of space any file or directory
// occupies in a writable mount.
const MinimumFileSize = 500

// Attributes describes a file or directory.
type Attributes struct {
	Size       int64
	IsDir      bool
	IsReadOnly bool
	Created    time.Time
	Modified   time.Time
}

// ReadHandle is an open file being read.
type ReadHandle interface {
	io.Reader
	io.Seeker
	io.Closer
}

// WriteHandle is an open file being written.
// A Write that would exceed the mount's capacity fails with ErrOutOfSpace
// and commits nothing.
type WriteHandle interface {
	io.Writer
	io.Closer
}

// Mount is a read-only tree of files.
//
// Paths are mount-relative and already sanitized: no leading slash,
// no "." or ".." elements. The empty string is the root.
type Mount interface {
	// Exists reports whether a file or directory exists at path.
	Exists(path string) (bool, error)

	// IsDirectory reports whether path is a directory.
	IsDirectory(path string) (bool, error)

	// List returns the names of the entries in a directory, sorted.
	List(path string) ([]string, error)

	// Size returns the size of a file in bytes. Directories have size 0.
	Size(path string) (int64, error)

	// Attributes returns information about a file or directory.
	Attributes(path string) (Attributes, error)

	// OpenForRead opens a file for reading.
	OpenForRead(path string) (ReadHandle, error)
}

// WritableMount is a Mount that can be modified.
type WritableMount interface {
	Mount

	// MakeDirectory creates a directory and any missing parents.
	MakeDirectory(path string) error

	// Delete removes a file or a directory and everything below it.
	Delete(path string) error

	// Rename moves a file or directory within the mount.
	// The destination must not exist.
	Rename(from, to string) error

	// OpenForWrite creates or truncates a file.
	OpenForWrite(path string) (WriteHandle, error)

	// OpenForAppend opens a file for writing at its end, creating it if needed.
	OpenForAppend(path string) (WriteHandle, error)

	// RemainingSpace returns the number of bytes that may still be written.
	RemainingSpace() int64

	// Capacity returns the mount's quota in bytes.
	Capacity() int64
}

// cost is the space a file of the given size occupies.
func cost(size int64) int64 {
	return max(size, MinimumFileSize)
}

// usage tracks the space used by a writable mount. It is updated
// incrementally as entries change; it is not safe for concurrent use and
// is protected by the owning mount's lock.
type usage struct {
	capacity int64
	used     int64
}

func (u *usage) remaining() int64 {
	return max(u.capacity-u.used, 0)
}

// reserve claims delta bytes, failing if that would exceed the capacity.
// A negative delta always succeeds.
func (u *usage) reserve(delta int64) bool {
	if delta > 0 && u.used+delta > u.capacity {
		return false
	}
	u.used += delta
	return true
}

func (u *usage) release(n int64) {
	u.used = max(u.used-n, 0)
}
