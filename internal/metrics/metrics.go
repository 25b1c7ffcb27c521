// Package metrics records what computers do, for runtime introspection.
//
// A computer reports through an [Observer] obtained from [Global.ForComputer].
// Reports are dropped with a single atomic load when nothing is subscribed,
// so callers may report on every API call without checking first.
package metrics

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Unit is what an event's value measures.
type Unit int

const (
	Count Unit = iota
	Bytes
	Nanoseconds
)

// Metric identifies one measurement. Counters only record occurrences;
// other metrics record a value per event.
type Metric struct {
	Name    string
	Unit    Unit
	Counter bool
}

func (m Metric) String() string { return m.Name }

// Standard metrics.
var (
	ComputerTasks     = Metric{Name: "computer_tasks", Unit: Nanoseconds}
	ServerTasks       = Metric{Name: "server_tasks", Unit: Nanoseconds}
	TurnOn            = Metric{Name: "turn_on", Counter: true}
	FSOps             = Metric{Name: "fs", Counter: true}
	PeripheralOps     = Metric{Name: "peripheral", Counter: true}
	HTTPRequests      = Metric{Name: "http_requests", Counter: true}
	HTTPUpload        = Metric{Name: "http_upload", Unit: Bytes}
	HTTPDownload      = Metric{Name: "http_download", Unit: Bytes}
	WebsocketIncoming = Metric{Name: "websocket_incoming", Unit: Bytes}
	WebsocketOutgoing = Metric{Name: "websocket_outgoing", Unit: Bytes}
)

// Observer receives the metrics of one computer.
// Implementations must be safe for concurrent use and must not block.
type Observer interface {
	ObserveCounter(m Metric)
	ObserveEvent(m Metric, value int64)
}

// ComputerObserver receives the metrics of every computer.
// Implementations must be safe for concurrent use and must not block.
type ComputerObserver interface {
	ObserveCounter(computer int, m Metric)
	ObserveEvent(computer int, m Metric, value int64)
}

// Discard is an Observer that drops everything.
var Discard Observer = discard{}

type discard struct{}

func (discard) ObserveCounter(Metric)      {}
func (discard) ObserveEvent(Metric, int64) {}

// Global fans metrics out to subscribed observers.
//
// The subscriber list is replaced wholesale on every change, so a report
// in flight always sees a complete list.
type Global struct {
	enabled   atomic.Bool
	observers atomic.Pointer[[]ComputerObserver]

	mu sync.Mutex // serializes writers
}

// NewGlobal returns a dispatcher with no subscribers.
func NewGlobal() *Global {
	return new(Global)
}

// Enabled reports whether any observer is subscribed.
func (g *Global) Enabled() bool {
	return g.enabled.Load()
}

// Add subscribes o to the metrics of all computers.
func (g *Global) Add(o ComputerObserver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var list []ComputerObserver
	if old := g.observers.Load(); old != nil {
		list = slices.Clone(*old)
	}
	list = append(list, o)
	g.observers.Store(&list)
	g.enabled.Store(true)
}

// Remove unsubscribes o. It reports whether o was subscribed.
func (g *Global) Remove(o ComputerObserver) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	old := g.observers.Load()
	if old == nil {
		return false
	}
	i := slices.Index(*old, o)
	if i < 0 {
		return false
	}
	list := slices.Delete(slices.Clone(*old), i, i+1)
	g.observers.Store(&list)
	g.enabled.Store(len(list) > 0)
	return true
}

// ObserveCounter reports a counter for a computer.
func (g *Global) ObserveCounter(computer int, m Metric) {
	if !g.enabled.Load() {
		return
	}
	for _, o := range *g.observers.Load() {
		o.ObserveCounter(computer, m)
	}
}

// ObserveEvent reports an event for a computer.
func (g *Global) ObserveEvent(computer int, m Metric, value int64) {
	if !g.enabled.Load() {
		return
	}
	for _, o := range *g.observers.Load() {
		o.ObserveEvent(computer, m, value)
	}
}

// ForComputer returns an Observer that reports as the given computer.
// A nil Global yields [Discard].
func (g *Global) ForComputer(id int) Observer {
	if g == nil {
		return Discard
	}
	return computerObserver{g: g, id: id}
}

type computerObserver struct {
	g  *Global
	id int
}

func (c computerObserver) ObserveCounter(m Metric) {
	c.g.ObserveCounter(c.id, m)
}

func (c computerObserver) ObserveEvent(m Metric, value int64) {
	c.g.ObserveEvent(c.id, m, value)
}
