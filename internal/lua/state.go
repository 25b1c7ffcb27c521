// Package lua hosts the guest programs of computers on gopher-lua.
//
// A [Machine] owns one sandboxed interpreter and drives its main coroutine:
// every event queued to a computer resumes it once. An [Executor] runs a
// computer's machine work on a single goroutine, drawing from a shared pool
// of computer threads.
package lua

import (
	lua "github.com/yuin/gopher-lua"
)

// removedGlobals are base library functions the sandbox does not expose.
// Guests load code through the virtual filesystem instead of the host's.
var removedGlobals = []string{
	"dofile",
	"loadfile",
	"module",
	"_printregs",
	"print",
}

// NewState returns an interpreter with only the safe standard libraries:
// base, package, table, string, math and coroutine. The io, os and debug
// libraries are not opened, and require can only return modules that are
// already loaded or registered in package.preload.
func NewState() *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		IncludeGoStackTrace: false,
	})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.CoroutineLibName, lua.OpenCoroutine},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	for _, name := range removedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	if pkg, ok := L.GetGlobal("package").(*lua.LTable); ok {
		L.SetField(pkg, "path", lua.LString(""))
		L.SetField(pkg, "cpath", lua.LString(""))
		L.SetField(pkg, "loaders", L.NewTable())
	}
	L.SetGlobal("require", L.NewFunction(sandboxRequire))
	return L
}

// sandboxRequire resolves modules from package.loaded and package.preload
// only.
func sandboxRequire(L *lua.LState) int {
	name := L.CheckString(1)
	pkg, ok := L.GetGlobal("package").(*lua.LTable)
	if !ok {
		L.RaiseError("module '%s' not found", name)
		return 0
	}
	loaded, ok := L.GetField(pkg, "loaded").(*lua.LTable)
	if !ok {
		L.RaiseError("package.loaded is not a table")
		return 0
	}
	if v := loaded.RawGetString(name); v != lua.LNil {
		L.Push(v)
		return 1
	}

	var loader *lua.LFunction
	if preload, ok := L.GetField(pkg, "preload").(*lua.LTable); ok {
		loader, _ = preload.RawGetString(name).(*lua.LFunction)
	}
	if loader == nil {
		L.RaiseError("module '%s' not found", name)
		return 0
	}
	L.Push(loader)
	L.Push(lua.LString(name))
	L.Call(1, 1)
	v := L.Get(-1)
	L.Pop(1)
	if v == lua.LNil {
		v = lua.LTrue
	}
	loaded.RawSetString(name, v)
	L.Push(v)
	return 1
}

// SetFuncs registers funcs as the global table name, replacing any
// existing value.
func SetFuncs(L *lua.LState, name string, funcs map[string]lua.LGFunction) *lua.LTable {
	mod := L.SetFuncs(L.NewTable(), funcs)
	L.SetGlobal(name, mod)
	return mod
}
