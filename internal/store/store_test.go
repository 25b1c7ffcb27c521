package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"zombiezen.com/go/log/testlog"
)

func TestMain(m *testing.M) {
	testlog.Main(nil)
	os.Exit(m.Run())
}

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Error(err)
		}
	})
	return s
}

func TestNextID(t *testing.T) {
	ctx := testlog.WithTB(context.Background(), t)
	s := openTestStore(t, filepath.Join(t.TempDir(), "state", "computercore.db"))

	var got []int
	for _, kind := range []string{KindComputer, KindComputer, KindDisk, KindComputer, KindDisk} {
		id, err := s.NextID(ctx, kind)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, id)
	}
	if diff := cmp.Diff([]int{0, 1, 0, 2, 1}, got); diff != "" {
		t.Errorf("ids (-want +got):\n%s", diff)
	}
}

func TestNextID_Concurrent(t *testing.T) {
	ctx := testlog.WithTB(context.Background(), t)
	s := openTestStore(t, filepath.Join(t.TempDir(), "computercore.db"))

	const n = 20
	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := s.NextID(ctx, KindComputer)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != n {
		t.Errorf("allocated %d distinct ids, want %d", len(seen), n)
	}
}

func TestLabels(t *testing.T) {
	ctx := testlog.WithTB(context.Background(), t)
	path := filepath.Join(t.TempDir(), "computercore.db")
	s := openTestStore(t, path)

	if got, err := s.Label(ctx, 3); err != nil || got != "" {
		t.Errorf("Label(3) = %q, %v; want empty", got, err)
	}
	if err := s.SetLabel(ctx, 3, "turtle"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetLabel(ctx, 3, "miner"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetLabel(ctx, 4, "gate"); err != nil {
		t.Fatal(err)
	}
	if got, err := s.Label(ctx, 3); err != nil || got != "miner" {
		t.Errorf("Label(3) = %q, %v; want miner", got, err)
	}
	if err := s.SetLabel(ctx, 4, ""); err != nil {
		t.Fatal(err)
	}
	if got, err := s.Label(ctx, 4); err != nil || got != "" {
		t.Errorf("Label(4) after clearing = %q, %v; want empty", got, err)
	}
}

func TestReopen(t *testing.T) {
	ctx := testlog.WithTB(context.Background(), t)
	path := filepath.Join(t.TempDir(), "computercore.db")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.NextID(ctx, KindComputer); err != nil {
		t.Fatal(err)
	}
	if err := s.SetLabel(ctx, 0, "kept"); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s = openTestStore(t, path)
	if id, err := s.NextID(ctx, KindComputer); err != nil || id != 1 {
		t.Errorf("NextID after reopen = %d, %v; want 1", id, err)
	}
	if got, err := s.Label(ctx, 0); err != nil || got != "kept" {
		t.Errorf("Label(0) after reopen = %q, %v; want kept", got, err)
	}
}
