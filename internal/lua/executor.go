package lua

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"zombiezen.com/go/log"
)

// call is a unit of work queued on an Executor.
type call struct {
	fn func(ctx context.Context) error
	// result receives fn's error; nil for fire-and-forget calls.
	result chan error
}

// Executor serializes a computer's Lua work on one goroutine.
//
// gopher-lua states are not safe for concurrent use, so everything that
// touches a computer's [Machine] is queued here. While a call runs it holds
// a slot of the shared thread pool, which bounds how many computers execute
// Lua at once.
//
//	exec := NewExecutor(256, slots)
//	go exec.Run(ctx)
//	defer exec.Close()
type Executor struct {
	queue  chan *call
	slots  *semaphore.Weighted
	closed atomic.Bool
	done   chan struct{}

	closeOnce sync.Once
}

// NewExecutor returns an executor that buffers up to queueSize calls.
// slots may be nil for an unbounded pool.
func NewExecutor(queueSize int, slots *semaphore.Weighted) *Executor {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Executor{
		queue: make(chan *call, queueSize),
		slots: slots,
		done:  make(chan struct{}),
	}
}

// Run processes queued calls until ctx is done or Close is called.
// Calls still queued then fail.
func (e *Executor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.drainQueue(ctx.Err())
			return
		case <-e.done:
			e.drainQueue(ErrClosed)
			return
		case c := <-e.queue:
			err := e.execute(ctx, c)
			if c.result != nil {
				c.result <- err
			} else if err != nil {
				log.Warnf(ctx, "Lua call: %v", err)
			}
		}
	}
}

func (e *Executor) execute(ctx context.Context, c *call) (err error) {
	if e.slots != nil {
		if err := e.slots.Acquire(ctx, 1); err != nil {
			return err
		}
		defer e.slots.Release(1)
	}
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case error:
				err = v
			default:
				err = fmt.Errorf("lua panic: %v", v)
			}
		}
	}()
	return c.fn(ctx)
}

func (e *Executor) drainQueue(err error) {
	for {
		select {
		case c := <-e.queue:
			if c.result != nil {
				c.result <- err
			}
		default:
			return
		}
	}
}

// Execute runs fn on the executor's goroutine and waits for it.
func (e *Executor) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.closed.Load() {
		return ErrClosed
	}
	c := &call{fn: fn, result: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrClosed
	case e.queue <- c:
	}

	select {
	case <-ctx.Done():
		// fn stays queued and will still run.
		return ctx.Err()
	case err := <-c.result:
		return err
	}
}

// ExecuteAsync queues fn without waiting. It returns ErrQueueFull rather
// than block when the queue has no room.
func (e *Executor) ExecuteAsync(fn func(ctx context.Context) error) error {
	if e.closed.Load() {
		return ErrClosed
	}
	select {
	case <-e.done:
		return ErrClosed
	case e.queue <- &call{fn: fn}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued calls.
func (e *Executor) Pending() int { return len(e.queue) }

// Close stops the executor. Queued calls fail with ErrClosed; a call that
// is running finishes first.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.done)
	})
}

// IsClosed reports whether Close has been called.
func (e *Executor) IsClosed() bool {
	return e.closed.Load()
}
