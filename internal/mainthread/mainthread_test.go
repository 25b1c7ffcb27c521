package mainthread

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dshills/computercore/internal/metrics"
	"github.com/google/go-cmp/cmp"
	"zombiezen.com/go/log/testlog"
)

func TestMain(m *testing.M) {
	testlog.Main(nil)
	os.Exit(m.Run())
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// newTestScheduler returns a scheduler whose clock only moves when a task
// advances it.
func newTestScheduler(global, computer time.Duration) (*Scheduler, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := New(global, computer)
	s.now = clock.Now
	return s, clock
}

// costly returns a task that takes d of main-thread time and records name.
func costly(clock *fakeClock, d time.Duration, log *[]string, name string) func(context.Context) error {
	return func(context.Context) error {
		clock.Advance(d)
		*log = append(*log, name)
		return nil
	}
}

func TestExecutor_RunsInOrder(t *testing.T) {
	ctx := testlog.WithTB(context.Background(), t)
	s, clock := newTestScheduler(50*time.Millisecond, 10*time.Millisecond)
	e := s.NewExecutor(nil)

	var ran []string
	for _, name := range []string{"a", "b", "c", "d"} {
		if err := e.Enqueue(costly(clock, 0, &ran, name)); err != nil {
			t.Fatal(err)
		}
	}
	stats := s.Tick(ctx)
	if diff := cmp.Diff([]string{"a", "b", "c", "d"}, ran); diff != "" {
		t.Errorf("run order (-want +got):\n%s", diff)
	}
	if stats.Ran != 4 || stats.Deferred != 0 {
		t.Errorf("stats = %+v, want 4 ran and none deferred", stats)
	}
}

func TestScheduler_ComputerBudgetDefers(t *testing.T) {
	ctx := testlog.WithTB(context.Background(), t)
	s, clock := newTestScheduler(100*time.Millisecond, 5*time.Millisecond)
	busy := s.NewExecutor(nil)
	quiet := s.NewExecutor(nil)

	var ran []string
	for _, name := range []string{"busy1", "busy2", "busy3"} {
		busy.Enqueue(costly(clock, 3*time.Millisecond, &ran, name))
	}
	quiet.Enqueue(costly(clock, time.Millisecond, &ran, "quiet"))

	stats := s.Tick(ctx)
	// busy spends 6ms of its 5ms and is deferred with 1ms of debt. quiet
	// still gets its turn.
	if stats.Ran != 3 || stats.Deferred != 1 {
		t.Errorf("first tick stats = %+v, want 3 ran and 1 deferred", stats)
	}
	if got := busy.Pending(); got != 1 {
		t.Errorf("busy.Pending() = %d, want 1", got)
	}
	if !contains(ran, "quiet") {
		t.Errorf("quiet executor did not run: %v", ran)
	}

	stats = s.Tick(ctx)
	if stats.Ran != 1 || stats.Deferred != 0 {
		t.Errorf("second tick stats = %+v, want 1 ran", stats)
	}
	if got := ran[len(ran)-1]; got != "busy3" {
		t.Errorf("last task = %q, want busy3", got)
	}
}

func TestScheduler_DebtCarriesOver(t *testing.T) {
	ctx := testlog.WithTB(context.Background(), t)
	s, clock := newTestScheduler(100*time.Millisecond, 5*time.Millisecond)
	e := s.NewExecutor(nil)

	var ran []string
	// 12ms overruns the budget by 7ms: the next tick's refill leaves -2ms,
	// the one after 3ms.
	e.Enqueue(costly(clock, 12*time.Millisecond, &ran, "long"))
	e.Enqueue(costly(clock, 0, &ran, "next"))

	s.Tick(ctx)
	if stats := s.Tick(ctx); stats.Ran != 0 || stats.Deferred != 1 {
		t.Errorf("tick while in debt = %+v, want nothing run", stats)
	}
	if stats := s.Tick(ctx); stats.Ran != 1 {
		t.Errorf("tick after debt repaid = %+v, want 1 ran", stats)
	}
	if diff := cmp.Diff([]string{"long", "next"}, ran); diff != "" {
		t.Errorf("run order (-want +got):\n%s", diff)
	}
}

func TestScheduler_GlobalBudget(t *testing.T) {
	ctx := testlog.WithTB(context.Background(), t)
	s, clock := newTestScheduler(5*time.Millisecond, 100*time.Millisecond)
	a := s.NewExecutor(nil)
	b := s.NewExecutor(nil)

	var ran []string
	a.Enqueue(costly(clock, 3*time.Millisecond, &ran, "a1"))
	a.Enqueue(costly(clock, 3*time.Millisecond, &ran, "a2"))
	b.Enqueue(costly(clock, 3*time.Millisecond, &ran, "b1"))

	stats := s.Tick(ctx)
	if stats.Ran != 2 || stats.Deferred != 1 {
		t.Errorf("stats = %+v, want 2 ran and 1 deferred", stats)
	}
	s.Tick(ctx)
	if len(ran) != 3 {
		t.Errorf("ran %v after two ticks, want all three tasks", ran)
	}
}

func TestScheduler_FairByVirtualTime(t *testing.T) {
	ctx := testlog.WithTB(context.Background(), t)
	s, clock := newTestScheduler(100*time.Millisecond, 100*time.Millisecond)
	heavy := s.NewExecutor(nil)
	light := s.NewExecutor(nil)

	var ran []string
	heavy.Enqueue(costly(clock, 10*time.Millisecond, &ran, "heavy"))
	s.Tick(ctx)

	// heavy has accumulated more time, so light goes first.
	heavy.Enqueue(costly(clock, time.Millisecond, &ran, "heavy2"))
	light.Enqueue(costly(clock, time.Millisecond, &ran, "light"))
	s.Tick(ctx)
	if diff := cmp.Diff([]string{"heavy", "light", "heavy2"}, ran); diff != "" {
		t.Errorf("run order (-want +got):\n%s", diff)
	}
}

func TestExecutor_Submit(t *testing.T) {
	ctx := testlog.WithTB(context.Background(), t)
	s := New(50*time.Millisecond, 10*time.Millisecond)
	e := s.NewExecutor(nil)

	errBoom := errors.New("boom")
	result := make(chan error, 1)
	go func() {
		result <- e.Submit(ctx, func(context.Context) error { return errBoom })
	}()

	deadline := time.Now().Add(5 * time.Second)
	for e.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("task never queued")
		}
		time.Sleep(time.Millisecond)
	}
	s.Tick(ctx)
	if err := <-result; !errors.Is(err, errBoom) {
		t.Errorf("Submit = %v, want %v", err, errBoom)
	}
}

func TestExecutor_SubmitContextDone(t *testing.T) {
	s := New(50*time.Millisecond, 10*time.Millisecond)
	e := s.NewExecutor(nil)

	ctx, cancel := context.WithCancel(testlog.WithTB(context.Background(), t))
	cancel()
	if err := e.Submit(ctx, func(context.Context) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("Submit = %v, want %v", err, context.Canceled)
	}
}

func TestExecutor_PanicIsError(t *testing.T) {
	ctx := testlog.WithTB(context.Background(), t)
	s := New(50*time.Millisecond, 10*time.Millisecond)
	e := s.NewExecutor(nil)

	result := make(chan error, 1)
	go func() {
		result <- e.Submit(ctx, func(context.Context) error { panic("bad peripheral") })
	}()
	for e.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}
	s.Tick(ctx)
	err := <-result
	if err == nil || !strings.Contains(err.Error(), "bad peripheral") {
		t.Errorf("Submit = %v, want the panic value", err)
	}
}

func TestExecutor_Close(t *testing.T) {
	ctx := testlog.WithTB(context.Background(), t)
	s := New(50*time.Millisecond, 10*time.Millisecond)
	e := s.NewExecutor(nil)

	result := make(chan error, 1)
	ran := false
	go func() {
		result <- e.Submit(ctx, func(context.Context) error {
			ran = true
			return nil
		})
	}()
	for e.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}

	e.Close()
	if err := <-result; !errors.Is(err, ErrClosed) {
		t.Errorf("pending Submit = %v, want %v", err, ErrClosed)
	}
	if stats := s.Tick(ctx); stats.Ran != 0 {
		t.Errorf("Tick after Close ran %d tasks", stats.Ran)
	}
	if ran {
		t.Error("task ran after Close")
	}
	if err := e.Enqueue(func(context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after Close = %v, want %v", err, ErrClosed)
	}
}

func TestExecutor_QueueFull(t *testing.T) {
	s := New(50*time.Millisecond, 10*time.Millisecond)
	e := s.NewExecutor(nil)
	nop := func(context.Context) error { return nil }
	for i := 0; i < MaxTasks; i++ {
		if err := e.Enqueue(nop); err != nil {
			t.Fatalf("Enqueue #%d failed: %v", i, err)
		}
	}
	if err := e.Enqueue(nop); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Enqueue over limit = %v, want %v", err, ErrQueueFull)
	}
}

func TestScheduler_ReportsTaskTime(t *testing.T) {
	ctx := testlog.WithTB(context.Background(), t)
	s, clock := newTestScheduler(50*time.Millisecond, 10*time.Millisecond)
	g := metrics.NewGlobal()
	agg := metrics.NewAggregator()
	g.Add(agg)
	e := s.NewExecutor(g.ForComputer(4))

	var ran []string
	e.Enqueue(costly(clock, 2*time.Millisecond, &ran, "x"))
	s.Tick(ctx)

	want := []metrics.Stat{{
		Computer: 4,
		Metric:   metrics.ServerTasks,
		Count:    1,
		Total:    int64(2 * time.Millisecond),
		Max:      int64(2 * time.Millisecond),
	}}
	if diff := cmp.Diff(want, agg.Snapshot().Stats); diff != "" {
		t.Errorf("stats (-want +got):\n%s", diff)
	}
}

func TestScheduler_SetLimits(t *testing.T) {
	s := New(time.Millisecond, time.Millisecond)
	s.SetLimits(10*time.Millisecond, 5*time.Millisecond)
	global, computer := s.Limits()
	if global != 10*time.Millisecond || computer != 5*time.Millisecond {
		t.Errorf("Limits() = %v, %v", global, computer)
	}
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
