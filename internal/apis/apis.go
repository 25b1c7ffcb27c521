// Package apis exposes host functionality to guest programs as Lua tables.
//
// Each API is an explicit [Table] of named [Method]s built at startup. A
// method marked main-thread is not run on the computer's goroutine: the call
// is queued on the computer's main-thread executor and the guest waits for
// the result.
package apis

import (
	"context"
	"errors"
	"fmt"
	"time"

	luart "github.com/dshills/computercore/internal/lua"
	"github.com/dshills/computercore/internal/mainthread"
	"github.com/dshills/computercore/internal/metrics"
	lua "github.com/yuin/gopher-lua"
)

// Results are the values a method returns to Lua. They are converted with
// [luart.ToLua].
type Results []any

// Method is the Go implementation of an API function.
// A returned error is raised in the guest as a Lua error.
type Method func(ctx *Context, args Arguments) (Results, error)

// Env is the per-computer state shared by every API call.
type Env struct {
	// MainThread receives the computer's main-thread calls. If nil,
	// main-thread methods run directly.
	MainThread *mainthread.Executor
	// TaskTimeout bounds how long a guest waits for a main-thread call.
	// Zero means no limit beyond the machine's abort.
	TaskTimeout time.Duration
	Observer    metrics.Observer
	// ComputerID identifies the calling computer to peripherals that are
	// attached to several computers at once.
	ComputerID int
}

// Context is passed to every method call.
type Context struct {
	context.Context
	L   *lua.LState
	Env *Env
}

// Observe reports a counter if the environment has an observer.
func (ctx *Context) Observe(m metrics.Metric) {
	if ctx.Env != nil && ctx.Env.Observer != nil {
		ctx.Env.Observer.ObserveCounter(m)
	}
}

// ObserveValue reports an event if the environment has an observer.
func (ctx *Context) ObserveValue(m metrics.Metric, v int64) {
	if ctx.Env != nil && ctx.Env.Observer != nil {
		ctx.Env.Observer.ObserveEvent(m, v)
	}
}

type entry struct {
	name       string
	fn         Method
	mainThread bool
}

// Table is an ordered set of methods.
type Table struct {
	Name    string
	entries []entry
	index   map[string]int
}

// NewTable returns an empty table.
func NewTable(name string) *Table {
	return &Table{Name: name, index: make(map[string]int)}
}

func (t *Table) add(name string, fn Method, mainThread bool) *Table {
	if _, dup := t.index[name]; dup {
		panic(fmt.Sprintf("apis: %s.%s registered twice", t.Name, name))
	}
	t.index[name] = len(t.entries)
	t.entries = append(t.entries, entry{name: name, fn: fn, mainThread: mainThread})
	return t
}

// Add registers a method that runs on the computer's goroutine.
func (t *Table) Add(name string, fn Method) *Table {
	return t.add(name, fn, false)
}

// AddMainThread registers a method that runs on the main thread.
func (t *Table) AddMainThread(name string, fn Method) *Table {
	return t.add(name, fn, true)
}

// Alias registers an existing method under a second name.
func (t *Table) Alias(alias, name string) *Table {
	e := t.entries[t.index[name]]
	return t.add(alias, e.fn, e.mainThread)
}

// Names returns the method names in registration order.
func (t *Table) Names() []string {
	names := make([]string, len(t.entries))
	for i, e := range t.entries {
		names[i] = e.name
	}
	return names
}

// Has reports whether the table has a method called name.
func (t *Table) Has(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Call invokes the named method, dispatching main-thread methods to the
// environment's executor.
func (t *Table) Call(ctx *Context, name string, args Arguments) (Results, error) {
	i, ok := t.index[name]
	if !ok {
		return nil, fmt.Errorf("no such method %s", name)
	}
	return call(ctx, t.entries[i], args)
}

// ErrMainThreadTimeout is returned when a main-thread call does not run in time.
var ErrMainThreadTimeout = errors.New("main thread task timed out")

func call(ctx *Context, e entry, args Arguments) (Results, error) {
	if !e.mainThread || ctx.Env == nil || ctx.Env.MainThread == nil {
		return e.fn(ctx, args)
	}

	waitCtx := ctx.Context
	if ctx.Env.TaskTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(waitCtx, ctx.Env.TaskTimeout)
		defer cancel()
	}
	// A task that outlives the wait still runs; its result is dropped.
	type result struct {
		res Results
		err error
	}
	done := make(chan result, 1)
	serr := ctx.Env.MainThread.Submit(waitCtx, func(taskCtx context.Context) error {
		mctx := &Context{Context: taskCtx, L: ctx.L, Env: ctx.Env}
		r, err := e.fn(mctx, args)
		done <- result{r, err}
		return nil
	})
	if serr != nil {
		if errors.Is(serr, context.DeadlineExceeded) && ctx.Context.Err() == nil {
			return nil, ErrMainThreadTimeout
		}
		return nil, serr
	}
	r := <-done
	return r.res, r.err
}

// Install builds the Lua table for t and sets it as the global t.Name.
func Install(L *lua.LState, t *Table, env *Env) *lua.LTable {
	mod := Build(L, t, env)
	L.SetGlobal(t.Name, mod)
	return mod
}

// Build returns a Lua table of t's methods without installing it.
func Build(L *lua.LState, t *Table, env *Env) *lua.LTable {
	mod := L.CreateTable(0, len(t.entries))
	for _, e := range t.entries {
		mod.RawSetString(e.name, L.NewFunction(wrap(e, env)))
	}
	return mod
}

func wrap(e entry, env *Env) lua.LGFunction {
	return func(L *lua.LState) int {
		ctx := &Context{Context: L.Context(), L: L, Env: env}
		if ctx.Context == nil {
			ctx.Context = context.Background()
		}
		res, err := call(ctx, e, ArgumentsFrom(L, 1))
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		return Push(L, res)
	}
}

// Push pushes results onto the Lua stack and returns how many it pushed.
func Push(L *lua.LState, res Results) int {
	for _, v := range res {
		L.Push(luart.ToLua(L, v))
	}
	return len(res)
}
