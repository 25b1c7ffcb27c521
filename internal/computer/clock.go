package computer

import (
	"math"
	"sync/atomic"
)

// Ticks per second and per in-world day.
const (
	TicksPerSecond = 20
	TicksPerDay    = 24000
)

// The world clock reads 06:00 at tick zero.
const startOffset = 6000

// WorldClock counts host ticks and derives the in-world calendar from them.
// It is safe for concurrent use.
type WorldClock struct {
	ticks atomic.Int64
}

// Advance moves the clock forward one tick and returns the new count.
func (w *WorldClock) Advance() int64 {
	return w.ticks.Add(1)
}

// Ticks returns the number of ticks since the host started.
func (w *WorldClock) Ticks() int64 {
	return w.ticks.Load()
}

// hours returns the in-world hours since the start of day one.
func (w *WorldClock) hours() float64 {
	return float64(w.ticks.Load()+startOffset) / (TicksPerDay / 24)
}

// Day returns the in-world day, starting at 1.
func (w *WorldClock) Day() int {
	return int((w.ticks.Load()+startOffset)/TicksPerDay) + 1
}

// TimeOfDay returns the in-world time in hours, in [0, 24).
func (w *WorldClock) TimeOfDay() float64 {
	return math.Mod(w.hours(), 24)
}
