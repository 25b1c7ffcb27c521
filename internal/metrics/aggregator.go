package metrics

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Aggregator is a ComputerObserver that keeps running totals per computer
// and metric.
type Aggregator struct {
	mu    sync.RWMutex
	stats map[statKey]*stat

	startTime time.Time
}

type statKey struct {
	computer int
	metric   Metric
}

type stat struct {
	count atomic.Uint64
	total atomic.Int64
	max   atomic.Int64
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		stats:     make(map[statKey]*stat),
		startTime: time.Now(),
	}
}

func (a *Aggregator) get(computer int, m Metric) *stat {
	k := statKey{computer, m}
	a.mu.RLock()
	s := a.stats[k]
	a.mu.RUnlock()
	if s != nil {
		return s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s = a.stats[k]; s == nil {
		s = new(stat)
		a.stats[k] = s
	}
	return s
}

// ObserveCounter implements [ComputerObserver].
func (a *Aggregator) ObserveCounter(computer int, m Metric) {
	a.get(computer, m).count.Add(1)
}

// ObserveEvent implements [ComputerObserver].
func (a *Aggregator) ObserveEvent(computer int, m Metric, value int64) {
	s := a.get(computer, m)
	s.count.Add(1)
	s.total.Add(value)
	for {
		old := s.max.Load()
		if value <= old || s.max.CompareAndSwap(old, value) {
			break
		}
	}
}

// Stat is the aggregate of one metric for one computer.
type Stat struct {
	Computer int
	Metric   Metric
	Count    uint64
	Total    int64
	Max      int64
}

// Avg returns the mean event value.
func (s Stat) Avg() int64 {
	if s.Count == 0 {
		return 0
	}
	return s.Total / int64(s.Count)
}

// Snapshot is a point-in-time view of an Aggregator.
type Snapshot struct {
	Uptime time.Duration
	// Stats is ordered by computer, then metric name.
	Stats []Stat
}

// Snapshot returns the current totals.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	start := a.startTime
	stats := make([]Stat, 0, len(a.stats))
	for k, s := range a.stats {
		stats = append(stats, Stat{
			Computer: k.computer,
			Metric:   k.metric,
			Count:    s.count.Load(),
			Total:    s.total.Load(),
			Max:      s.max.Load(),
		})
	}
	a.mu.RUnlock()

	slices.SortFunc(stats, func(x, y Stat) int {
		return cmp.Or(
			cmp.Compare(x.Computer, y.Computer),
			cmp.Compare(x.Metric.Name, y.Metric.Name),
		)
	})
	return Snapshot{Uptime: time.Since(start), Stats: stats}
}

// Reset clears all totals.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.stats)
	a.startTime = time.Now()
}
