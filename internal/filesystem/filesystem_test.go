package filesystem

import (
	"errors"
	"io"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func newTestFileSystem(t *testing.T) (*FileSystem, *MemoryMount, *MemoryMount) {
	t.Helper()
	fs := New(4)
	root := NewMemoryMount(1_000_000)
	disk := NewMemoryMount(125_000)
	rom := NewFSMount(fstest.MapFS{
		"startup.lua":           {Data: []byte("print('boot')")},
		"programs/hello.lua":    {Data: []byte("print('hello')")},
		"programs/fun/worm.lua": {Data: []byte("-- worm")},
		"programs/fun/adv.lua":  {Data: []byte("-- adventure")},
		"programs/readme.txt":   {Data: []byte("read me")},
	})
	if err := fs.MountWritable("", "hdd", root); err != nil {
		t.Fatal(err)
	}
	if err := fs.Mount("rom", "rom", rom); err != nil {
		t.Fatal(err)
	}
	if err := fs.MountWritable("disk", "left", disk); err != nil {
		t.Fatal(err)
	}
	return fs, root, disk
}

func fsWrite(t *testing.T, fs *FileSystem, path, content string) {
	t.Helper()
	w, err := fs.OpenForWrite(path, false)
	if err != nil {
		t.Fatalf("OpenForWrite(%q) failed: %v", path, err)
	}
	io.WriteString(w, content)
	if err := w.Close(); err != nil {
		t.Fatalf("Close(%q) failed: %v", path, err)
	}
}

func TestFileSystem_LongestPrefix(t *testing.T) {
	fs, root, disk := newTestFileSystem(t)

	fsWrite(t, fs, "/disk/notes.txt", "on disk")
	fsWrite(t, fs, "diskette.txt", "on root")

	if ok, _ := disk.Exists("notes.txt"); !ok {
		t.Error("disk/notes.txt should be stored in the disk mount")
	}
	if ok, _ := root.Exists("diskette.txt"); !ok {
		t.Error("diskette.txt should be stored in the root mount")
	}

	tests := []struct {
		path  string
		drive string
	}{
		{"", "hdd"},
		{"rom/programs/hello.lua", "rom"},
		{"disk", "left"},
		{"disk/notes.txt", "left"},
		{"diskette.txt", "hdd"},
	}
	for _, test := range tests {
		got, err := fs.Drive(test.path)
		if err != nil || got != test.drive {
			t.Errorf("Drive(%q) = %q, %v; want %q", test.path, got, err, test.drive)
		}
	}
}

func TestFileSystem_MountCollision(t *testing.T) {
	fs, _, _ := newTestFileSystem(t)
	err := fs.Mount("/rom/", "other", NewMemoryMount(10))
	if !errors.Is(err, ErrExists) {
		t.Errorf("Mount at used location error = %v, want %v", err, ErrExists)
	}
	if err := fs.Mount("rom/extra", "extra", NewMemoryMount(10)); err != nil {
		t.Errorf("nested mount failed: %v", err)
	}
	if got, _ := fs.Drive("rom/extra/x"); got != "extra" {
		t.Errorf("Drive(rom/extra/x) = %q, want extra", got)
	}

	fs.Unmount("rom/extra")
	if got, _ := fs.Drive("rom/extra/x"); got != "rom" {
		t.Errorf("after Unmount, Drive = %q, want rom", got)
	}
}

func TestFileSystem_ListIncludesMounts(t *testing.T) {
	fs, _, _ := newTestFileSystem(t)
	fsWrite(t, fs, "startup.lua", "")

	got, err := fs.List("/")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"disk", "rom", "startup.lua"}, got); diff != "" {
		t.Errorf("List (-want +got):\n%s", diff)
	}

	for _, p := range []string{"rom", "disk"} {
		if ok, _ := fs.IsDirectory(p); !ok {
			t.Errorf("IsDirectory(%q) = false", p)
		}
	}
}

func TestFileSystem_ReadOnlyAndMountRoots(t *testing.T) {
	fs, _, _ := newTestFileSystem(t)

	if _, err := fs.OpenForWrite("rom/new.lua", false); !errors.Is(err, ErrReadOnly) {
		t.Errorf("write to rom error = %v, want %v", err, ErrReadOnly)
	}
	if err := fs.Delete("rom/startup.lua"); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("delete in rom error = %v, want %v", err, ErrAccessDenied)
	}
	for _, p := range []string{"rom", "disk", "/"} {
		if err := fs.Delete(p); !errors.Is(err, ErrAccessDenied) {
			t.Errorf("Delete(%q) error = %v, want %v", p, err, ErrAccessDenied)
		}
	}
	if err := fs.Move("disk", "elsewhere"); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("moving a mount error = %v, want %v", err, ErrAccessDenied)
	}
	if ro, _ := fs.IsReadOnly("rom/startup.lua"); !ro {
		t.Error("rom should be read-only")
	}
	if n, _ := fs.FreeSpace("rom"); n != 0 {
		t.Errorf("FreeSpace(rom) = %d, want 0", n)
	}
	if c, ok, _ := fs.Capacity("disk"); !ok || c != 125_000 {
		t.Errorf("Capacity(disk) = %d, %t", c, ok)
	}
}

func TestFileSystem_ErrorsCarryPath(t *testing.T) {
	fs, _, _ := newTestFileSystem(t)

	_, err := fs.Size("disk/missing.txt")
	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("Size error = %v, want *Error", err)
	}
	if fe.Path != "disk/missing.txt" {
		t.Errorf("Path = %q, want disk/missing.txt", fe.Path)
	}
	if got, want := err.Error(), "/disk/missing.txt: no such file"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	if _, err := fs.Exists("../../etc/passwd"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("escaping path error = %v, want %v", err, ErrInvalidPath)
	}
}

func TestFileSystem_MoveAcrossMounts(t *testing.T) {
	fs, root, _ := newTestFileSystem(t)
	fsWrite(t, fs, "src/a.txt", "alpha")
	fsWrite(t, fs, "src/sub/b.txt", "beta")

	if err := fs.Move("src", "disk/dst"); err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if ok, _ := root.Exists("src"); ok {
		t.Error("source should be removed after move")
	}
	if got := readFile(t, fs, "disk/dst/sub/b.txt"); got != "beta" {
		t.Errorf("moved content = %q", got)
	}

	if err := fs.Copy("rom/programs", "programs"); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if got := readFile(t, fs, "programs/fun/worm.lua"); got != "-- worm" {
		t.Errorf("copied content = %q", got)
	}
	if ok, _ := fs.Exists("rom/programs/fun/worm.lua"); !ok {
		t.Error("copy removed the source")
	}

	if err := fs.Copy("programs", "programs/inner"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("copy into itself error = %v, want %v", err, ErrInvalidPath)
	}
	if err := fs.Copy("programs", "disk/dst"); !errors.Is(err, ErrExists) {
		t.Errorf("copy onto existing error = %v, want %v", err, ErrExists)
	}
	if err := fs.Move("nothing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("move missing error = %v, want %v", err, ErrNotFound)
	}
}

func TestFileSystem_MoveWithinMount(t *testing.T) {
	fs, _, disk := newTestFileSystem(t)
	fsWrite(t, fs, "disk/a", "x")
	before := disk.RemainingSpace()

	if err := fs.Move("disk/a", "disk/deep/b"); err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if got := readFile(t, fs, "disk/deep/b"); got != "x" {
		t.Errorf("content = %q", got)
	}
	if got := disk.RemainingSpace(); got != before-MinimumFileSize {
		t.Errorf("RemainingSpace = %d, want %d", got, before-MinimumFileSize)
	}
}

func TestFileSystem_OpenFileLimit(t *testing.T) {
	fs, _, _ := newTestFileSystem(t)

	var handles []io.Closer
	for i := 0; i < 4; i++ {
		r, err := fs.OpenForRead("rom/startup.lua")
		if err != nil {
			t.Fatalf("open %d failed: %v", i, err)
		}
		handles = append(handles, r)
	}
	if _, err := fs.OpenForRead("rom/startup.lua"); !errors.Is(err, ErrTooManyFiles) {
		t.Fatalf("fifth open error = %v, want %v", err, ErrTooManyFiles)
	}

	if err := handles[0].Close(); err != nil {
		t.Fatal(err)
	}
	if err := handles[0].Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close error = %v, want %v", err, ErrClosed)
	}
	w, err := fs.OpenForWrite("file", true)
	if err != nil {
		t.Fatalf("open after close failed: %v", err)
	}

	if err := fs.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if n := fs.OpenFiles(); n != 0 {
		t.Errorf("OpenFiles after Close = %d, want 0", n)
	}
	if _, err := w.Write([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("write after Close error = %v, want %v", err, ErrClosed)
	}
}

func TestFileSystem_Find(t *testing.T) {
	fs, _, _ := newTestFileSystem(t)
	fsWrite(t, fs, "disk/a.lua", "")

	tests := []struct {
		pattern string
		want    []string
	}{
		{"rom/programs/*.lua", []string{"rom/programs/hello.lua"}},
		{"rom/*/fun/*", []string{"rom/programs/fun/adv.lua", "rom/programs/fun/worm.lua"}},
		{"*", []string{"disk", "rom"}},
		{"d?sk/*.lua", []string{"disk/a.lua"}},
		{"rom/startup.lua", []string{"rom/startup.lua"}},
		{"missing/*", nil},
	}
	for _, test := range tests {
		got, err := fs.Find(test.pattern)
		if err != nil {
			t.Errorf("Find(%q) failed: %v", test.pattern, err)
			continue
		}
		if diff := cmp.Diff(test.want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("Find(%q) (-want +got):\n%s", test.pattern, diff)
		}
	}
}
