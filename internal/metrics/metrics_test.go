package metrics

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestGlobal_DisabledWithoutObservers(t *testing.T) {
	g := NewGlobal()
	if g.Enabled() {
		t.Error("new Global is enabled")
	}
	// Must not panic with no observer list.
	g.ForComputer(1).ObserveCounter(TurnOn)
	g.ObserveEvent(1, HTTPDownload, 10)

	a := NewAggregator()
	g.Add(a)
	if !g.Enabled() {
		t.Error("Global not enabled after Add")
	}
	if !g.Remove(a) {
		t.Error("Remove(a) = false")
	}
	if g.Remove(a) {
		t.Error("second Remove(a) = true")
	}
	if g.Enabled() {
		t.Error("Global enabled after removing the last observer")
	}
}

func TestGlobal_Dispatch(t *testing.T) {
	g := NewGlobal()
	a := NewAggregator()
	g.Add(a)

	c1 := g.ForComputer(1)
	c1.ObserveCounter(TurnOn)
	c1.ObserveEvent(HTTPDownload, 100)
	c1.ObserveEvent(HTTPDownload, 300)
	g.ForComputer(2).ObserveCounter(FSOps)

	got := a.Snapshot().Stats
	want := []Stat{
		{Computer: 1, Metric: HTTPDownload, Count: 2, Total: 400, Max: 300},
		{Computer: 1, Metric: TurnOn, Count: 1},
		{Computer: 2, Metric: FSOps, Count: 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Snapshot().Stats (-want +got):\n%s", diff)
	}
	if avg := got[0].Avg(); avg != 200 {
		t.Errorf("Avg() = %d, want 200", avg)
	}
}

func TestGlobal_AddRemoveDuringEmission(t *testing.T) {
	g := NewGlobal()
	base := NewAggregator()
	g.Add(base)

	const reports = 1000
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c := g.ForComputer(7)
		for range reports {
			c.ObserveCounter(PeripheralOps)
		}
	}()
	go func() {
		defer wg.Done()
		for range 100 {
			extra := NewAggregator()
			g.Add(extra)
			g.Remove(extra)
		}
	}()
	wg.Wait()

	// The observer that stayed subscribed sees every report.
	got := base.Snapshot().Stats
	want := []Stat{{Computer: 7, Metric: PeripheralOps, Count: reports}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Stats (-want +got):\n%s", diff)
	}
}

func TestForComputer_NilGlobal(t *testing.T) {
	var g *Global
	if o := g.ForComputer(3); o != Discard {
		t.Errorf("nil Global ForComputer = %#v, want Discard", o)
	}
}

func TestAggregator_Reset(t *testing.T) {
	a := NewAggregator()
	a.ObserveEvent(1, ComputerTasks, 5)
	a.Reset()
	if diff := cmp.Diff([]Stat{}, a.Snapshot().Stats, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Stats after Reset (-want +got):\n%s", diff)
	}
}
