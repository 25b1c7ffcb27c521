package lua

import (
	"fmt"
	"math"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// FromLua converts a Lua value to Go. Whole numbers become int64, other
// numbers float64. Tables with keys 1..n become []any and all other tables
// map[string]any; a table that contains itself is cut off with nil.
// Functions convert to nil.
func FromLua(v lua.LValue) any {
	return fromLua(v, make(map[*lua.LTable]bool))
}

func fromLua(v lua.LValue, visited map[*lua.LTable]bool) any {
	switch v := v.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visited[v] {
			return nil
		}
		visited[v] = true
		defer delete(visited, v)
		return tableFromLua(v, visited)
	case *lua.LUserData:
		return v.Value
	default:
		return nil
	}
}

func tableFromLua(t *lua.LTable, visited map[*lua.LTable]bool) any {
	n := t.Len()
	count := 0
	t.ForEach(func(_, _ lua.LValue) { count++ })
	if n > 0 && n == count {
		arr := make([]any, n)
		for i := 1; i <= n; i++ {
			arr[i-1] = fromLua(t.RawGetInt(i), visited)
		}
		return arr
	}

	m := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		var key string
		switch k := k.(type) {
		case lua.LString:
			key = string(k)
		case lua.LNumber:
			key = k.String()
		default:
			return
		}
		m[key] = fromLua(v, visited)
	})
	return m
}

// Valuer is implemented by Go values that build their own Lua
// representation, such as handles whose methods close over Go state.
type Valuer interface {
	LuaValue(L *lua.LState) lua.LValue
}

// ToLua converts a Go value to Lua. Values of unsupported types become
// userdata.
func ToLua(L *lua.LState, v any) lua.LValue {
	switch v := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return v
	case Valuer:
		return v.LuaValue(L)
	case bool:
		return lua.LBool(v)
	case int:
		return lua.LNumber(v)
	case int32:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case uint8:
		return lua.LNumber(v)
	case uint32:
		return lua.LNumber(v)
	case uint64:
		return lua.LNumber(v)
	case float32:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case []byte:
		return lua.LString(v)
	case []string:
		t := L.CreateTable(len(v), 0)
		for i, s := range v {
			t.RawSetInt(i+1, lua.LString(s))
		}
		return t
	case []any:
		t := L.CreateTable(len(v), 0)
		for i, x := range v {
			t.RawSetInt(i+1, ToLua(L, x))
		}
		return t
	case map[string]string:
		t := L.CreateTable(0, len(v))
		for k, s := range v {
			t.RawSetString(k, lua.LString(s))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(v))
		for k, x := range v {
			t.RawSetString(k, ToLua(L, x))
		}
		return t
	case fmt.Stringer:
		return lua.LString(v.String())
	default:
		ud := L.NewUserData()
		ud.Value = v
		return ud
	}
}

// StringKeys returns the string keys of t in sorted order.
func StringKeys(t *lua.LTable) []string {
	var keys []string
	t.ForEach(func(k, _ lua.LValue) {
		if s, ok := k.(lua.LString); ok {
			keys = append(keys, string(s))
		}
	})
	sort.Strings(keys)
	return keys
}
