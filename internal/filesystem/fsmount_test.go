package filesystem

import (
	"archive/zip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"
)

func TestFSMount(t *testing.T) {
	m := NewFSMount(fstest.MapFS{
		"rom/startup.lua":        {Data: []byte("shell.run('hello')")},
		"rom/programs/hello.lua": {Data: []byte("print('hello')")},
	})

	names, err := m.List("rom")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if diff := cmp.Diff([]string{"programs", "startup.lua"}, names); diff != "" {
		t.Errorf("List (-want +got):\n%s", diff)
	}
	if got := readFile(t, m, "rom/programs/hello.lua"); got != "print('hello')" {
		t.Errorf("content = %q", got)
	}
	a, err := m.Attributes("rom/startup.lua")
	if err != nil {
		t.Fatal(err)
	}
	if !a.IsReadOnly || a.IsDir || a.Size != 18 {
		t.Errorf("Attributes = %+v", a)
	}
	if ok, _ := m.IsDirectory(""); !ok {
		t.Error("root should be a directory")
	}
	if _, err := m.OpenForRead("rom"); !errors.Is(err, ErrIsDirectory) {
		t.Errorf("OpenForRead(dir) error = %v, want %v", err, ErrIsDirectory)
	}
	if _, err := m.OpenForRead("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("OpenForRead(missing) error = %v, want %v", err, ErrNotFound)
	}
}

func TestOpenArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mod.jar")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for name, content := range map[string]string{
		"data/computercraft/lua/rom/motd.txt":       "Hello",
		"data/computercraft/lua/rom/apis/colors.lua": "-- colours",
		"META-INF/MANIFEST.MF":                       "",
	} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		io.WriteString(w, content)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	m, err := OpenArchive(path, "data/computercraft/lua/rom")
	if err != nil {
		t.Fatalf("OpenArchive failed: %v", err)
	}
	defer m.Close()

	names, err := m.List("")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"apis", "motd.txt"}, names); diff != "" {
		t.Errorf("List (-want +got):\n%s", diff)
	}

	r, err := m.OpenForRead("motd.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if _, err := r.Seek(1, io.SeekStart); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	rest, _ := io.ReadAll(r)
	if string(rest) != "ello" {
		t.Errorf("read after seek = %q, want %q", rest, "ello")
	}
}
