package lua

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	lua "github.com/yuin/gopher-lua"
	"golang.org/x/sync/semaphore"
	"zombiezen.com/go/log/testlog"
)

func TestMain(m *testing.M) {
	testlog.Main(nil)
	os.Exit(m.Run())
}

func TestNewState_Sandbox(t *testing.T) {
	L := NewState()
	defer L.Close()

	for _, name := range []string{"dofile", "loadfile", "io", "os", "debug", "print"} {
		if v := L.GetGlobal(name); v != lua.LNil {
			t.Errorf("global %s = %v, want nil", name, v)
		}
	}
	for _, name := range []string{"string", "table", "math", "coroutine", "loadstring", "setfenv", "pcall"} {
		if v := L.GetGlobal(name); v == lua.LNil {
			t.Errorf("global %s missing", name)
		}
	}

	if err := L.DoString(`assert(require("string") == string)`); err != nil {
		t.Errorf("require of a loaded library failed: %v", err)
	}
	err := L.DoString(`require("io")`)
	if err == nil || !strings.Contains(err.Error(), "module 'io' not found") {
		t.Errorf("require(io) error = %v", err)
	}

	if err := L.DoString(`
		package.preload.greeting = function(name) return { name = name } end
		local a = require("greeting")
		assert(a.name == "greeting")
		assert(require("greeting") == a)
	`); err != nil {
		t.Errorf("preloaded module: %v", err)
	}
}

// newTestMachine returns a machine running src with a record(...) global
// that captures its arguments.
func newTestMachine(t *testing.T, timeout time.Duration, src string) (*Machine, *[]string) {
	t.Helper()
	m := NewMachine(context.Background(), timeout)
	t.Cleanup(m.Close)
	var got []string
	m.L.SetGlobal("record", m.L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, L.GetTop())
		for i := range parts {
			parts[i] = L.Get(i + 1).String()
		}
		got = append(got, strings.Join(parts, " "))
		return 0
	}))
	if err := m.Load("bios.lua", strings.NewReader(src)); err != nil {
		t.Fatal(err)
	}
	return m, &got
}

func TestMachine_EventFilter(t *testing.T) {
	m, got := newTestMachine(t, time.Second, `
		while true do
			local ev, a = coroutine.yield("key")
			record(ev, a)
			if a == "q" then return end
		end
	`)
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if m.Filter() != "key" {
		t.Errorf("Filter() = %q, want key", m.Filter())
	}

	events := []struct {
		name string
		arg  string
	}{
		{"timer", "1"},
		{"key", "a"},
		{"terminate", "x"},
		{"char", "b"},
		{"key", "q"},
	}
	for _, ev := range events {
		if err := m.HandleEvent(ev.name, lua.LString(ev.arg)); err != nil {
			t.Fatalf("HandleEvent(%s) failed: %v", ev.name, err)
		}
	}

	want := []string{"key a", "terminate x", "key q"}
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Errorf("delivered events (-want +got):\n%s", diff)
	}
	if !m.Finished() {
		t.Error("machine not finished after program returned")
	}
	if err := m.HandleEvent("key", lua.LString("z")); !errors.Is(err, ErrFinished) {
		t.Errorf("HandleEvent after finish = %v, want %v", err, ErrFinished)
	}
}

func TestMachine_LuaError(t *testing.T) {
	m, _ := newTestMachine(t, time.Second, `
		coroutine.yield()
		error("disk on fire", 0)
	`)
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	err := m.HandleEvent("go")
	if err == nil {
		t.Fatal("HandleEvent succeeded, want Lua error")
	}
	if got := ErrorMessage(err); got != "disk on fire" {
		t.Errorf("ErrorMessage = %q, want %q", got, "disk on fire")
	}
	if !m.Finished() {
		t.Error("machine not finished after error")
	}
}

func TestMachine_TooLongWithoutYielding(t *testing.T) {
	m, _ := newTestMachine(t, 50*time.Millisecond, `
		coroutine.yield()
		while true do end
	`)
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	err := m.HandleEvent("go")
	if !errors.Is(err, ErrTooLongWithoutYielding) {
		t.Fatalf("HandleEvent = %v, want %v", err, ErrTooLongWithoutYielding)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("abort took %v", elapsed)
	}
	if !m.Finished() {
		t.Error("machine not finished after abort")
	}
}

func TestMachine_CoroutinesSurviveResumes(t *testing.T) {
	// Each resume runs under the abort timer; guest coroutines created in
	// one resume must still work in later ones.
	m, got := newTestMachine(t, time.Second, `
		local co = coroutine.create(function()
			for i = 1, 3 do coroutine.yield(i) end
		end)
		for _ = 1, 3 do
			local _, v = coroutine.resume(co)
			record(v)
			coroutine.yield()
		end
	`)
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		time.Sleep(10 * time.Millisecond)
		if err := m.HandleEvent("tick"); err != nil {
			t.Fatalf("HandleEvent failed: %v", err)
		}
	}
	if diff := cmp.Diff([]string{"1", "2", "3"}, *got); diff != "" {
		t.Errorf("records (-want +got):\n%s", diff)
	}
}

func TestMachine_Abort(t *testing.T) {
	m, _ := newTestMachine(t, 0, `coroutine.yield()`)
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	errShutdown := errors.New("shutting down")
	m.Abort(errShutdown)
	if err := m.HandleEvent("x"); !errors.Is(err, errShutdown) {
		t.Errorf("HandleEvent after Abort = %v, want %v", err, errShutdown)
	}
}

func TestMachine_LoadSyntaxError(t *testing.T) {
	m := NewMachine(context.Background(), time.Second)
	defer m.Close()
	if err := m.Load("bad.lua", strings.NewReader("local = 1")); err == nil {
		t.Error("Load of invalid source succeeded")
	}
	if err := m.Start(); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Start = %v, want %v", err, ErrNotLoaded)
	}
}

func TestExecutor_Order(t *testing.T) {
	ctx, cancel := context.WithCancel(testlog.WithTB(context.Background(), t))
	defer cancel()
	exec := NewExecutor(16, nil)
	go exec.Run(ctx)
	defer exec.Close()

	var mu sync.Mutex
	var order []int
	for i := range 10 {
		if err := exec.ExecuteAsync(func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := exec.Execute(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}

func TestExecutor_QueueFull(t *testing.T) {
	exec := NewExecutor(2, nil)
	defer exec.Close()
	nop := func(context.Context) error { return nil }
	exec.ExecuteAsync(nop)
	exec.ExecuteAsync(nop)
	if err := exec.ExecuteAsync(nop); !errors.Is(err, ErrQueueFull) {
		t.Errorf("ExecuteAsync on full queue = %v, want %v", err, ErrQueueFull)
	}
	if got := exec.Pending(); got != 2 {
		t.Errorf("Pending() = %d, want 2", got)
	}
}

func TestExecutor_CloseFailsQueued(t *testing.T) {
	ctx := testlog.WithTB(context.Background(), t)
	exec := NewExecutor(4, nil)
	exec.Close()
	if err := exec.Execute(ctx, func(context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Execute after Close = %v, want %v", err, ErrClosed)
	}
	if err := exec.ExecuteAsync(func(context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("ExecuteAsync after Close = %v, want %v", err, ErrClosed)
	}
}

func TestExecutor_PanicIsError(t *testing.T) {
	ctx, cancel := context.WithCancel(testlog.WithTB(context.Background(), t))
	defer cancel()
	exec := NewExecutor(4, nil)
	go exec.Run(ctx)
	defer exec.Close()

	err := exec.Execute(ctx, func(context.Context) error { panic("boom") })
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Execute = %v, want panic error", err)
	}
}

func TestExecutor_SharedSlots(t *testing.T) {
	ctx, cancel := context.WithCancel(testlog.WithTB(context.Background(), t))
	defer cancel()
	slots := semaphore.NewWeighted(1)

	var running, peak atomic.Int32
	work := func(context.Context) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return nil
	}

	var wg sync.WaitGroup
	for range 3 {
		exec := NewExecutor(4, slots)
		go exec.Run(ctx)
		defer exec.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 3 {
				if err := exec.Execute(ctx, work); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()
	if got := peak.Load(); got != 1 {
		t.Errorf("peak concurrency = %d, want 1", got)
	}
}

func TestConvert(t *testing.T) {
	L := NewState()
	defer L.Close()

	if err := L.DoString(`
		value = { 1, "two", true, nested = nil }
		record = { name = "disk", size = 1.5, tags = { "a", "b" } }
		loop = {}
		loop.self = loop
	`); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		global string
		want   any
	}{
		{"value", []any{int64(1), "two", true}},
		{"record", map[string]any{"name": "disk", "size": 1.5, "tags": []any{"a", "b"}}},
		{"loop", map[string]any{"self": nil}},
	}
	for _, test := range tests {
		got := FromLua(L.GetGlobal(test.global))
		if diff := cmp.Diff(test.want, got); diff != "" {
			t.Errorf("FromLua(%s) (-want +got):\n%s", test.global, diff)
		}
	}

	back := ToLua(L, map[string]any{"list": []string{"x", "y"}, "n": 3})
	L.SetGlobal("back", back)
	if err := L.DoString(`assert(back.list[2] == "y" and back.n == 3)`); err != nil {
		t.Errorf("ToLua round trip: %v", err)
	}
}
