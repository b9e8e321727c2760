package consensus

import (
	"sort"

	"github.com/bdeggleston/epaxos/internal/slot"
)

// executor turns the set of Committed-but-not-Executed instances into an
// ordered stream of (slot, command) handed to notifyPending, per §4.6. It
// holds no state of its own between calls to drain: everything it needs is
// already in the Instance Store, so re-running it after every delivered
// message and every tick is cheap and always safe.
type executor struct {
	r *Replica
}

func newExecutor(r *Replica) *executor {
	return &executor{r: r}
}

// drain runs execution passes until one makes no progress. A single pass
// can unblock another (a freshly executed instance can complete another's
// dependency closure), so looping to a fixed point avoids waiting for the
// next Deliver/Tick to pick up the rest.
func (e *executor) drain() {
	for e.runOnce() {
	}
}

func (e *executor) runOnce() bool {
	pending := e.r.instances.IterState(Committed)
	if len(pending) == 0 {
		return false
	}

	ready := e.readySet(pending)
	if len(ready) == 0 {
		return false
	}

	sccs := e.tarjan(ready)
	if len(sccs) == 0 {
		return false
	}
	for _, scc := range sccs {
		e.executeSCC(scc)
	}
	return true
}

// readySet computes the subset of pending whose entire dependency closure
// is, transitively, Committed or Executed. A committed instance with a
// not-yet-committed dependency is excluded this round: it waits, per
// §4.6 step 1, without blocking any independent instance.
func (e *executor) readySet(pending []*Instance) map[slot.Slot]*Instance {
	ready := make(map[slot.Slot]*Instance, len(pending))
	readyMark := make(map[slot.Slot]bool)
	blockedMark := make(map[slot.Slot]bool)
	visiting := make(map[slot.Slot]bool)

	var check func(s slot.Slot) bool
	check = func(s slot.Slot) bool {
		if readyMark[s] {
			return true
		}
		if blockedMark[s] {
			return false
		}
		inst := e.r.instances.Get(s)
		if inst == nil || inst.Status < Committed {
			blockedMark[s] = true
			return false
		}
		if inst.Status == Executed {
			readyMark[s] = true
			return true
		}
		if visiting[s] {
			// already on the current DFS path: part of a cycle whose
			// readiness is decided once the whole cycle unwinds.
			return true
		}
		visiting[s] = true
		ok := true
		for dep := range inst.Deps {
			if !check(dep) {
				ok = false
				break
			}
		}
		delete(visiting, s)
		if ok {
			readyMark[s] = true
		} else {
			blockedMark[s] = true
		}
		return ok
	}

	for _, inst := range pending {
		if check(inst.Slot) {
			ready[inst.Slot] = inst
		}
	}
	return ready
}

// tarjanState is the bookkeeping for one run of Tarjan's algorithm.
type tarjanState struct {
	index   int
	stack   []slot.Slot
	onStack map[slot.Slot]bool
	indices map[slot.Slot]int
	lowlink map[slot.Slot]int
	result  [][]slot.Slot
}

// tarjan computes the strongly connected components of ready, restricted
// to edges whose target is also in ready (an edge to an Executed instance
// is a dead end; it needs no further traversal). Tarjan's algorithm emits
// components only after everything they depend on has already been
// emitted, which is exactly the reverse topological order §4.6 step 3
// asks for.
func (e *executor) tarjan(ready map[slot.Slot]*Instance) [][]slot.Slot {
	roots := make([]slot.Slot, 0, len(ready))
	for s := range ready {
		roots = append(roots, s)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].Less(roots[j]) })

	st := &tarjanState{
		onStack: make(map[slot.Slot]bool),
		indices: make(map[slot.Slot]int),
		lowlink: make(map[slot.Slot]int),
	}
	for _, s := range roots {
		if _, seen := st.indices[s]; !seen {
			e.strongConnect(s, ready, st)
		}
	}
	return st.result
}

func (e *executor) strongConnect(v slot.Slot, ready map[slot.Slot]*Instance, st *tarjanState) {
	st.indices[v] = st.index
	st.lowlink[v] = st.index
	st.index++
	st.stack = append(st.stack, v)
	st.onStack[v] = true

	inst := ready[v]
	deps := make([]slot.Slot, 0, len(inst.Deps))
	for d := range inst.Deps {
		deps = append(deps, d)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Less(deps[j]) })

	for _, w := range deps {
		if _, ok := ready[w]; !ok {
			continue
		}
		if _, seen := st.indices[w]; !seen {
			e.strongConnect(w, ready, st)
			if st.lowlink[w] < st.lowlink[v] {
				st.lowlink[v] = st.lowlink[w]
			}
		} else if st.onStack[w] {
			if st.indices[w] < st.lowlink[v] {
				st.lowlink[v] = st.indices[w]
			}
		}
	}

	if st.lowlink[v] == st.indices[v] {
		var scc []slot.Slot
		for {
			n := len(st.stack) - 1
			w := st.stack[n]
			st.stack = st.stack[:n]
			st.onStack[w] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		st.result = append(st.result, scc)
	}
}

// executeSCC marks every instance in one strongly connected component
// Executed, in the (seq, replica_id, instance_number) order §4.6 step 4
// mandates so every replica agrees on it, then hands each to
// notifyPending. No-ops are marked Executed (to advance executed_cut) but
// carry nothing the application would want, so notifyPending's
// clientReplies lookup simply finds nothing for them.
func (e *executor) executeSCC(scc []slot.Slot) {
	items := make([]*Instance, 0, len(scc))
	for _, s := range scc {
		if inst := e.r.instances.Get(s); inst != nil {
			items = append(items, inst)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		if a.Slot.Replica != b.Slot.Replica {
			return a.Slot.Replica < b.Slot.Replica
		}
		return a.Slot.Instance < b.Slot.Instance
	})

	for _, inst := range items {
		inst.Status = Executed
		inst.executed = true
		e.r.instances.Put(inst)
		if !inst.Command.Noop {
			e.r.statsInc("execute.count", 1)
		}
		e.r.notifyPending(inst)
	}
}
