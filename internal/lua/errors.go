package lua

import (
	"errors"

	lua "github.com/yuin/gopher-lua"
)

var (
	// ErrTooLongWithoutYielding is returned when a script runs for longer than
	// the abort timeout without yielding.
	ErrTooLongWithoutYielding = errors.New("Too long without yielding")

	// ErrClosed is returned when using a machine or executor after Close.
	ErrClosed = errors.New("lua machine closed")

	// ErrNotLoaded is returned when starting a machine with no program.
	ErrNotLoaded = errors.New("no program loaded")

	// ErrFinished is returned when resuming a program that has ended.
	ErrFinished = errors.New("program has finished")

	// ErrQueueFull is returned by ExecuteAsync when the queue has no room.
	ErrQueueFull = errors.New("lua executor queue full")
)

// ErrorMessage returns the message of a Lua error without any Go context,
// suitable for showing to the guest.
func ErrorMessage(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return apiErr.Object.String()
	}
	return err.Error()
}
