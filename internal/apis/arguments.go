package apis

import (
	"fmt"
	"math"

	lua "github.com/yuin/gopher-lua"
)

// Arguments are the values a method was called with.
// Indices are zero based; error messages count from one as Lua does.
type Arguments []lua.LValue

// ArgumentsFrom collects the values on L's stack from position start.
func ArgumentsFrom(L *lua.LState, start int) Arguments {
	n := L.GetTop() - start + 1
	if n <= 0 {
		return nil
	}
	args := make(Arguments, n)
	for i := range args {
		args[i] = L.Get(start + i)
	}
	return args
}

// Get returns argument i, or nil if it was not passed.
func (a Arguments) Get(i int) lua.LValue {
	if i < 0 || i >= len(a) {
		return lua.LNil
	}
	return a[i]
}

// ArgError is the error for an argument of the wrong type.
type ArgError struct {
	Index    int
	Expected string
	Got      string
}

func (e *ArgError) Error() string {
	return fmt.Sprintf("bad argument #%d (%s expected, got %s)", e.Index+1, e.Expected, e.Got)
}

func (a Arguments) badType(i int, expected string) error {
	return &ArgError{Index: i, Expected: expected, Got: a.Get(i).Type().String()}
}

// Float returns argument i as a finite number.
func (a Arguments) Float(i int) (float64, error) {
	n, ok := a.Get(i).(lua.LNumber)
	if !ok {
		return 0, a.badType(i, "number")
	}
	f := float64(n)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("bad argument #%d (number expected, got %s)", i+1, n.String())
	}
	return f, nil
}

// Int returns argument i truncated to an integer.
func (a Arguments) Int(i int) (int, error) {
	f, err := a.Float(i)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// String returns argument i. Numbers are converted as Lua would.
func (a Arguments) String(i int) (string, error) {
	switch v := a.Get(i).(type) {
	case lua.LString:
		return string(v), nil
	case lua.LNumber:
		return v.String(), nil
	default:
		return "", a.badType(i, "string")
	}
}

// Bool returns argument i.
func (a Arguments) Bool(i int) (bool, error) {
	v, ok := a.Get(i).(lua.LBool)
	if !ok {
		return false, a.badType(i, "boolean")
	}
	return bool(v), nil
}

// Table returns argument i.
func (a Arguments) Table(i int) (*lua.LTable, error) {
	v, ok := a.Get(i).(*lua.LTable)
	if !ok {
		return nil, a.badType(i, "table")
	}
	return v, nil
}

// OptInt is like Int but returns def when the argument is nil.
func (a Arguments) OptInt(i, def int) (int, error) {
	if a.Get(i) == lua.LNil {
		return def, nil
	}
	return a.Int(i)
}

// OptFloat is like Float but returns def when the argument is nil.
func (a Arguments) OptFloat(i int, def float64) (float64, error) {
	if a.Get(i) == lua.LNil {
		return def, nil
	}
	return a.Float(i)
}

// OptString is like String but returns def when the argument is nil.
func (a Arguments) OptString(i int, def string) (string, error) {
	if a.Get(i) == lua.LNil {
		return def, nil
	}
	return a.String(i)
}

// OptBool is like Bool but returns def when the argument is nil.
func (a Arguments) OptBool(i int, def bool) (bool, error) {
	if a.Get(i) == lua.LNil {
		return def, nil
	}
	return a.Bool(i)
}

// OptTable is like Table but returns nil when the argument is nil.
func (a Arguments) OptTable(i int) (*lua.LTable, error) {
	if a.Get(i) == lua.LNil {
		return nil, nil
	}
	return a.Table(i)
}
