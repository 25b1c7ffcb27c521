package apis

import (
	"errors"
	"time"

	luart "github.com/dshills/computercore/internal/lua"
)

// OSHost is the computer as seen by the os API.
type OSHost interface {
	ID() int
	Label() string
	SetLabel(label string) error
	QueueEvent(name string, args ...any) error
	StartTimer(d time.Duration) int
	CancelTimer(id int)
	SetAlarm(hour float64) int
	CancelAlarm(id int)
	// Clock is the time in seconds since the computer turned on.
	Clock() float64
	// Day and TimeOfDay are the in-world calendar.
	Day() int
	TimeOfDay() float64
	Shutdown()
	Reboot()
}

var errUnsupported = errors.New("unsupported operation")

// Labels longer than this are truncated.
const maxLabelLength = 32

// OSAPI returns the os table for host. now supplies wall-clock time for
// os.epoch and os.date-style queries.
func OSAPI(host OSHost, now func() time.Time) *Table {
	if now == nil {
		now = time.Now
	}
	api := NewTable("os")
	api.Add("getComputerID", func(*Context, Arguments) (Results, error) {
		return Results{host.ID()}, nil
	})
	api.Alias("computerID", "getComputerID")
	api.Add("getComputerLabel", func(*Context, Arguments) (Results, error) {
		if l := host.Label(); l != "" {
			return Results{l}, nil
		}
		return Results{nil}, nil
	})
	api.Alias("computerLabel", "getComputerLabel")
	api.Add("setComputerLabel", func(_ *Context, args Arguments) (Results, error) {
		label, err := args.OptString(0, "")
		if err != nil {
			return nil, err
		}
		label = sanitizeLabel(label)
		return nil, host.SetLabel(label)
	})
	api.Add("queueEvent", func(_ *Context, args Arguments) (Results, error) {
		name, err := args.String(0)
		if err != nil {
			return nil, err
		}
		rest := make([]any, 0, len(args)-1)
		for _, v := range args[1:] {
			rest = append(rest, luart.FromLua(v))
		}
		return nil, host.QueueEvent(name, rest...)
	})
	api.Add("startTimer", func(_ *Context, args Arguments) (Results, error) {
		secs, err := args.Float(0)
		if err != nil {
			return nil, err
		}
		return Results{host.StartTimer(time.Duration(secs * float64(time.Second)))}, nil
	})
	api.Add("cancelTimer", func(_ *Context, args Arguments) (Results, error) {
		id, err := args.Int(0)
		if err != nil {
			return nil, err
		}
		host.CancelTimer(id)
		return nil, nil
	})
	api.Add("setAlarm", func(_ *Context, args Arguments) (Results, error) {
		hour, err := args.Float(0)
		if err != nil {
			return nil, err
		}
		if hour < 0 || hour >= 24 {
			return nil, errors.New("number out of range")
		}
		return Results{host.SetAlarm(hour)}, nil
	})
	api.Add("cancelAlarm", func(_ *Context, args Arguments) (Results, error) {
		id, err := args.Int(0)
		if err != nil {
			return nil, err
		}
		host.CancelAlarm(id)
		return nil, nil
	})
	api.Add("clock", func(*Context, Arguments) (Results, error) {
		return Results{host.Clock()}, nil
	})
	api.Add("time", func(_ *Context, args Arguments) (Results, error) {
		kind, err := args.OptString(0, "ingame")
		if err != nil {
			return nil, err
		}
		switch kind {
		case "ingame":
			return Results{host.TimeOfDay()}, nil
		case "utc":
			return Results{hours(now().UTC())}, nil
		case "local":
			return Results{hours(now().Local())}, nil
		}
		return nil, errUnsupported
	})
	api.Add("day", func(_ *Context, args Arguments) (Results, error) {
		kind, err := args.OptString(0, "ingame")
		if err != nil {
			return nil, err
		}
		switch kind {
		case "ingame":
			return Results{host.Day()}, nil
		case "utc":
			return Results{now().UTC().Unix() / 86400}, nil
		case "local":
			t := now()
			_, off := t.Zone()
			return Results{(t.Unix() + int64(off)) / 86400}, nil
		}
		return nil, errUnsupported
	})
	api.Add("epoch", func(_ *Context, args Arguments) (Results, error) {
		kind, err := args.OptString(0, "ingame")
		if err != nil {
			return nil, err
		}
		switch kind {
		case "ingame":
			// Milliseconds in the in-world calendar: a day is 24 hours.
			ms := (float64(host.Day())*24 + host.TimeOfDay()) * 3600 * 1000
			return Results{int64(ms)}, nil
		case "utc":
			return Results{now().UnixMilli()}, nil
		case "local":
			t := now()
			_, off := t.Zone()
			return Results{t.UnixMilli() + int64(off)*1000}, nil
		}
		return nil, errUnsupported
	})
	api.Add("shutdown", func(*Context, Arguments) (Results, error) {
		host.Shutdown()
		return nil, nil
	})
	api.Add("reboot", func(*Context, Arguments) (Results, error) {
		host.Reboot()
		return nil, nil
	})
	return api
}

func hours(t time.Time) float64 {
	h, m, s := t.Clock()
	return float64(h) + float64(m)/60 + float64(s)/3600
}

// sanitizeLabel drops control characters and truncates to maxLabelLength
// runes.
func sanitizeLabel(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r < 32 || r == 127 {
			continue
		}
		if len(out) == maxLabelLength {
			break
		}
		out = append(out, r)
	}
	return string(out)
}
