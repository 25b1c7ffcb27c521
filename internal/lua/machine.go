package lua

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// TerminateEvent is delivered to a program whatever event it is waiting for.
const TerminateEvent = "terminate"

// Machine runs one program as a coroutine that yields to wait for events.
//
// A yield's first value is an event filter: while it is a string, only
// events of that name (and [TerminateEvent]) resume the program.
//
// Every resume must yield within the abort timeout. If it does not, the
// machine's context is cancelled, which stops the interpreter at its next
// instruction and makes blocking host calls return. The machine is then
// finished and reports [ErrTooLongWithoutYielding].
//
// Apart from [Machine.Abort], a Machine must only be used from one goroutine.
type Machine struct {
	L *lua.LState

	ctx     context.Context
	cancel  context.CancelCauseFunc
	timeout time.Duration

	co       *lua.LState
	program  *lua.LFunction
	filter   string
	started  bool
	finished bool
	closed   bool
}

// NewMachine returns a machine with a fresh sandboxed state.
// Cancelling ctx aborts the machine. An abortTimeout of zero disables
// the yield check.
func NewMachine(ctx context.Context, abortTimeout time.Duration) *Machine {
	ctx, cancel := context.WithCancelCause(ctx)
	L := NewState()
	// Coroutines inherit the state's context, so guest coroutines are
	// aborted along with the main one.
	L.SetContext(ctx)
	return &Machine{
		L:       L,
		ctx:     ctx,
		cancel:  cancel,
		timeout: abortTimeout,
	}
}

// Load compiles the program the machine will run.
func (m *Machine) Load(name string, src io.Reader) error {
	if m.closed {
		return ErrClosed
	}
	if m.started {
		return fmt.Errorf("load %s: machine already started", name)
	}
	fn, err := m.L.Load(src, name)
	if err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}
	m.co, _ = m.L.NewThread()
	m.program = fn
	return nil
}

// Start runs the program until it first yields.
func (m *Machine) Start() error {
	if m.program == nil {
		return ErrNotLoaded
	}
	if m.started {
		return nil
	}
	m.started = true
	return m.resume()
}

// Filter returns the event name the program is waiting for,
// or "" if it accepts any event.
func (m *Machine) Filter() string { return m.filter }

// Finished reports whether the program has returned or failed.
func (m *Machine) Finished() bool { return m.finished }

// HandleEvent resumes the program with an event, unless the program's
// filter excludes it. It returns nil once the program yields again or
// returns; a Lua error ends the program and is returned.
func (m *Machine) HandleEvent(name string, args ...lua.LValue) error {
	if !m.started {
		return ErrNotLoaded
	}
	if m.finished {
		return ErrFinished
	}
	if m.filter != "" && m.filter != name && name != TerminateEvent {
		return nil
	}
	values := make([]lua.LValue, 0, len(args)+1)
	values = append(values, lua.LString(name))
	values = append(values, args...)
	return m.resume(values...)
}

func (m *Machine) resume(args ...lua.LValue) error {
	if m.closed {
		return ErrClosed
	}
	if m.ctx.Err() != nil {
		m.finished = true
		return context.Cause(m.ctx)
	}

	var timer *time.Timer
	if m.timeout > 0 {
		timer = time.AfterFunc(m.timeout, func() { m.cancel(ErrTooLongWithoutYielding) })
	}
	st, values, err := m.protectedResume(args)
	if timer != nil && !timer.Stop() {
		m.finished = true
		return ErrTooLongWithoutYielding
	}

	switch st {
	case lua.ResumeYield:
		m.filter = ""
		if len(values) > 0 {
			if f, ok := values[0].(lua.LString); ok {
				m.filter = string(f)
			}
		}
		return nil
	case lua.ResumeOK:
		m.finished = true
		return nil
	default:
		m.finished = true
		if cause := context.Cause(m.ctx); cause != nil {
			return cause
		}
		return err
	}
}

func (m *Machine) protectedResume(args []lua.LValue) (st lua.ResumeState, values []lua.LValue, err error) {
	defer func() {
		if r := recover(); r != nil {
			st = lua.ResumeError
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	st, err, values = m.L.Resume(m.co, m.program, args...)
	return st, values, err
}

// Abort stops the program with cause. It may be called from any goroutine;
// a running resume stops at its next instruction.
func (m *Machine) Abort(cause error) {
	if cause == nil {
		cause = errors.New("aborted")
	}
	m.cancel(cause)
}

// Close aborts the program and releases the interpreter.
func (m *Machine) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.cancel(ErrClosed)
	m.L.Close()
}
