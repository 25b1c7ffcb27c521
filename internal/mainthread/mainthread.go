// Package mainthread runs work that must happen on the host's main thread.
//
// Computers cannot touch host state from their own goroutines. They hand a
// task to their [Executor] and wait; the host calls [Scheduler.Tick] once per
// tick, which runs queued tasks within two time budgets. The global budget
// bounds the time spent per tick across all computers. The per-computer
// budget bounds each computer within a tick; time a task overruns it by is
// carried as debt into following ticks. A computer out of budget is deferred
// to a later tick, never aborted.
package mainthread

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/computercore/internal/metrics"
	"zombiezen.com/go/log"
)

// MaxTasks is the number of tasks an executor may have queued.
const MaxTasks = 5000

var (
	// ErrClosed is returned for tasks of an executor that was closed.
	ErrClosed = errors.New("main thread executor closed")
	// ErrQueueFull is returned when an executor already holds MaxTasks tasks.
	ErrQueueFull = errors.New("too many main thread tasks queued")
)

// Scheduler distributes main-thread time between executors.
// Tick must only be called from the main thread; everything else is safe
// for concurrent use.
type Scheduler struct {
	now func() time.Time

	mu             sync.Mutex
	globalBudget   time.Duration
	computerBudget time.Duration
	tick           uint64
	pending        map[*Executor]struct{}
	minVirtual     time.Duration
}

// New returns a scheduler with the given budgets.
func New(maxGlobalTime, maxComputerTime time.Duration) *Scheduler {
	return &Scheduler{
		now:            time.Now,
		globalBudget:   maxGlobalTime,
		computerBudget: maxComputerTime,
		pending:        make(map[*Executor]struct{}),
	}
}

// SetLimits changes the budgets, taking effect from the next tick.
func (s *Scheduler) SetLimits(maxGlobalTime, maxComputerTime time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalBudget = maxGlobalTime
	s.computerBudget = maxComputerTime
}

// Limits returns the current budgets.
func (s *Scheduler) Limits() (maxGlobalTime, maxComputerTime time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalBudget, s.computerBudget
}

// NewExecutor returns an executor for one computer. Task durations are
// reported to obs as [metrics.ServerTasks]; obs may be nil.
func (s *Scheduler) NewExecutor(obs metrics.Observer) *Executor {
	if obs == nil {
		obs = metrics.Discard
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Executor{
		s:        s,
		observer: obs,
		virtual:  s.minVirtual,
		budget:   s.computerBudget,
		lastTick: s.tick,
	}
}

func (s *Scheduler) schedule(e *Executor) {
	s.mu.Lock()
	s.pending[e] = struct{}{}
	s.mu.Unlock()
}

func (s *Scheduler) unschedule(e *Executor) {
	s.mu.Lock()
	delete(s.pending, e)
	s.mu.Unlock()
}

// TickStats describes what one tick did.
type TickStats struct {
	// Ran is the number of tasks run.
	Ran int
	// Deferred is the number of executors left with queued tasks.
	Deferred int
	Elapsed  time.Duration
}

// Tick runs queued tasks until every executor is idle or out of budget, or the
// global budget is spent. Executors that have used the least main-thread time
// go first.
func (s *Scheduler) Tick(ctx context.Context) TickStats {
	s.mu.Lock()
	s.tick++
	tick := s.tick
	global, perComputer := s.globalBudget, s.computerBudget
	queue := make(executorHeap, 0, len(s.pending))
	for e := range s.pending {
		queue = append(queue, e)
	}
	clear(s.pending)
	s.mu.Unlock()

	for _, e := range queue {
		e.refill(tick, perComputer)
	}
	heap.Init(&queue)

	var stats TickStats
	var waiting []*Executor
	start := s.now()
	deadline := start.Add(global)
	for queue.Len() > 0 && s.now().Before(deadline) {
		e := heap.Pop(&queue).(*Executor)
		if e.overBudget() {
			waiting = append(waiting, e)
			continue
		}
		t := e.pop()
		if t == nil {
			continue
		}

		taskStart := s.now()
		t.run(ctx)
		d := s.now().Sub(taskStart)
		stats.Ran++
		e.charge(d)
		e.observer.ObserveEvent(metrics.ServerTasks, d.Nanoseconds())

		if e.hasTasks() {
			heap.Push(&queue, e)
		}
	}
	waiting = append(waiting, queue...)

	minVirtual := time.Duration(-1)
	for _, e := range waiting {
		if !e.hasTasks() {
			continue
		}
		stats.Deferred++
		s.schedule(e)
		if v := e.virtualTime(); minVirtual < 0 || v < minVirtual {
			minVirtual = v
		}
	}
	if minVirtual >= 0 {
		s.mu.Lock()
		s.minVirtual = max(s.minVirtual, minVirtual)
		s.mu.Unlock()
	}

	stats.Elapsed = s.now().Sub(start)
	if stats.Deferred > 0 {
		log.Debugf(ctx, "Main thread tick %d: ran %d tasks in %v, deferred %d computers", tick, stats.Ran, stats.Elapsed, stats.Deferred)
	}
	return stats
}

type task struct {
	fn   func(ctx context.Context) error
	done chan error
}

func (t *task) run(ctx context.Context) {
	err := runTask(ctx, t.fn)
	if t.done != nil {
		t.done <- err
	} else if err != nil {
		log.Warnf(ctx, "Main thread task: %v", err)
	}
}

func runTask(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("main thread task panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// Executor is one computer's queue of main-thread tasks.
// Tasks run in the order they were queued.
type Executor struct {
	s        *Scheduler
	observer metrics.Observer

	mu       sync.Mutex
	tasks    []*task
	closed   bool
	virtual  time.Duration
	budget   time.Duration
	lastTick uint64
}

// Enqueue queues fn without waiting for it to run. Errors returned by fn
// are logged.
func (e *Executor) Enqueue(fn func(ctx context.Context) error) error {
	return e.push(&task{fn: fn})
}

// Submit queues fn and waits until it has run, returning its error.
// If ctx is done first, Submit returns ctx.Err() and fn may still run later.
func (e *Executor) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	t := &task{fn: fn, done: make(chan error, 1)}
	if err := e.push(t); err != nil {
		return err
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) push(t *task) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if len(e.tasks) >= MaxTasks {
		e.mu.Unlock()
		return ErrQueueFull
	}
	e.tasks = append(e.tasks, t)
	first := len(e.tasks) == 1
	e.mu.Unlock()

	if first {
		e.s.schedule(e)
	}
	return nil
}

func (e *Executor) pop() *task {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.tasks) == 0 {
		return nil
	}
	t := e.tasks[0]
	e.tasks[0] = nil
	e.tasks = e.tasks[1:]
	return t
}

func (e *Executor) hasTasks() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks) > 0
}

// Pending returns the number of queued tasks.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// refill adds one computer budget per tick elapsed since the last refill,
// up to a single tick's worth.
func (e *Executor) refill(tick uint64, perComputer time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if elapsed := tick - e.lastTick; elapsed > 0 {
		e.budget = min(e.budget+time.Duration(elapsed)*perComputer, perComputer)
		e.lastTick = tick
	}
}

func (e *Executor) overBudget() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.budget <= 0
}

func (e *Executor) charge(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.budget -= d
	e.virtual += d
}

func (e *Executor) virtualTime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.virtual
}

// Close discards queued tasks. Callers waiting in Submit receive ErrClosed,
// as do later calls to Enqueue and Submit.
func (e *Executor) Close() {
	e.mu.Lock()
	tasks := e.tasks
	e.tasks = nil
	e.closed = true
	e.mu.Unlock()

	e.s.unschedule(e)
	for _, t := range tasks {
		if t.done != nil {
			t.done <- ErrClosed
		}
	}
}

// executorHeap orders executors by accumulated main-thread time.
type executorHeap []*Executor

func (h executorHeap) Len() int           { return len(h) }
func (h executorHeap) Less(i, j int) bool { return h[i].virtualTime() < h[j].virtualTime() }
func (h executorHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *executorHeap) Push(x any)        { *h = append(*h, x.(*Executor)) }
func (h *executorHeap) Pop() any {
	old := *h
	e := old[len(old)-1]
	*h = old[:len(old)-1]
	return e
}
