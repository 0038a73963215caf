package graph

import (
	"sync"

	"taskweave/internal/core"
)

// Target addresses the thing a reader depends on: either a task's
// output or one specific cell of a task.
type Target struct {
	Task   core.TaskId
	Cell   int // meaningful only when IsCell
	IsCell bool
}

func OutputTarget(task core.TaskId) Target { return Target{Task: task} }
func CellTarget(task core.TaskId, cell int) Target {
	return Target{Task: task, Cell: cell, IsCell: true}
}

// Graph owns the reader -> target edges: a (reader, target) -> edge
// mapping partitioned by target, so invalidation walks
// target -> list-of-readers and reads just append to that list.
//
// It also owns one Event per target, lazily created, so that a reader
// which finds a target not-yet-fresh can obtain a Listener and a
// producer which just wrote that target can wake every such reader.
type Graph struct {
	mu      sync.RWMutex
	readers map[Target]map[core.TaskId]struct{}
	events  map[Target]*Event

	// pending is the set of targets with an update that has not yet
	// been delivered to their readers. An entry is removed only by
	// FlushOne or FlushAll; reads never drain it.
	pending map[Target]struct{}
}

// New returns an empty dependency graph.
func New() *Graph {
	return &Graph{
		readers: make(map[Target]map[core.TaskId]struct{}),
		events:  make(map[Target]*Event),
		pending: make(map[Target]struct{}),
	}
}

// AddEdge registers reader as depending on target. Invariant 3
// requires this to happen before the dependent read
// returns; callers must call AddEdge before handing the read value
// back to the reading task.
func (g *Graph) AddEdge(reader core.TaskId, target Target) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.readers[target]
	if !ok {
		set = make(map[core.TaskId]struct{})
		g.readers[target] = set
	}
	set[reader] = struct{}{}
}

// Readers returns a snapshot of the tasks currently depending on
// target.
func (g *Graph) Readers(target Target) []core.TaskId {
	g.mu.RLock()
	defer g.mu.RUnlock()
	set := g.readers[target]
	out := make([]core.TaskId, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	return out
}

// ClearReaders drops every recorded reader of target. backend.Memory
// does not call it, so edges recorded by earlier executions persist
// across re-executions.
func (g *Graph) ClearReaders(target Target) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.readers, target)
}

// eventFor returns (creating if necessary) the Event for target. It
// takes g.mu itself, so callers must not hold it.
func (g *Graph) eventFor(target Target) *Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.events[target]
	if !ok {
		e = NewEvent()
		g.events[target] = e
	}
	return e
}

// Listen returns a Listener that fires the next time target is
// notified via MarkChanged followed by FlushOne or FlushAll.
func (g *Graph) Listen(target Target) *Listener {
	return g.eventFor(target).Listen()
}

// MarkChanged records that target was just updated to a value unequal
// to its prior snapshot, queuing its readers for notification. It does
// NOT wake anyone itself; readers are notified only when FlushOne or
// FlushAll is called for target. backend.Memory calls FlushOne right
// after each MarkChanged, so a cell write notifies the cell's readers
// inside the write, not at the end of the writer's execution.
func (g *Graph) MarkChanged(target Target) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending[target] = struct{}{}
}

// FlushOne delivers the pending notification for target, if any, and
// returns the readers that were notified. Safe to call even if target
// has no pending notification (returns nil). backend.Memory calls it
// on cell writes and task commits; no read path calls it.
func (g *Graph) FlushOne(target Target) []core.TaskId {
	g.mu.Lock()
	if _, ok := g.pending[target]; !ok {
		g.mu.Unlock()
		return nil
	}
	delete(g.pending, target)
	set := g.readers[target]
	readers := make([]core.TaskId, 0, len(set))
	for r := range set {
		readers = append(readers, r)
	}
	e := g.events[target]
	g.mu.Unlock()

	if e != nil {
		e.Notify()
	}
	return readers
}

// FlushAll delivers every pending notification queued since the last
// flush and returns the set of readers notified, deduplicated.
// backend.Memory does not call it; it flushes target by target.
func (g *Graph) FlushAll() []core.TaskId {
	g.mu.Lock()
	targets := make([]Target, 0, len(g.pending))
	for t := range g.pending {
		targets = append(targets, t)
	}
	g.mu.Unlock()

	seen := make(map[core.TaskId]struct{})
	var out []core.TaskId
	for _, t := range targets {
		for _, r := range g.FlushOne(t) {
			if _, dup := seen[r]; dup {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

// HasPending reports whether target has an update awaiting delivery,
// used by strongly-consistent reads to decide whether they must wait
// before returning.
func (g *Graph) HasPending(target Target) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.pending[target]
	return ok
}

// DropTask removes every edge and event associated with task, both as
// a reader and as a target. Nothing in the module recycles task ids,
// so nothing calls it.
func (g *Graph) DropTask(task core.TaskId) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for target, set := range g.readers {
		delete(set, task)
		if len(set) == 0 {
			delete(g.readers, target)
		}
	}
	for target := range g.events {
		if target.Task == task {
			delete(g.events, target)
		}
	}
	for target := range g.pending {
		if target.Task == task {
			delete(g.pending, target)
		}
	}
}
