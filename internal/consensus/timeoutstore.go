package consensus

import (
	"github.com/google/btree"

	"github.com/bdeggleston/epaxos/internal/slot"
)

// timeoutItem orders armed deadlines by tick first, slot second, so the
// store can answer "what's due" and "what's the next deadline" with a
// btree scan instead of a full map walk. The same google/btree dependency
// the Instance Store uses for its per-replica index (bonedaddy/epaxos's
// instance.go) serves here as an ordered priority queue.
type timeoutItem struct {
	tick uint64
	sl   slot.Slot
}

func (t *timeoutItem) Less(than btree.Item) bool {
	o := than.(*timeoutItem)
	if t.tick != o.tick {
		return t.tick < o.tick
	}
	return t.sl.Less(o.sl)
}

// TimeoutStore tracks, per slot, the logical tick at which this replica
// should attempt recovery (SPEC_FULL.md §4.3) if the instance has not
// reached Committed. Ticks, not wall-clock time, are the one timebase
// (§9 open question resolution).
type TimeoutStore struct {
	tree   *btree.BTree
	deadline map[slot.Slot]uint64
}

func NewTimeoutStore() *TimeoutStore {
	return &TimeoutStore{
		tree:     btree.New(32),
		deadline: make(map[slot.Slot]uint64),
	}
}

// Arm schedules (or reschedules) a deadline for slot at now+ticksFromNow,
// overwriting any prior deadline for the same slot.
func (t *TimeoutStore) Arm(sl slot.Slot, now, ticksFromNow uint64) {
	t.Disarm(sl)
	at := now + ticksFromNow
	t.tree.ReplaceOrInsert(&timeoutItem{tick: at, sl: sl})
	t.deadline[sl] = at
}

// Disarm removes any deadline for slot. The replica calls it when an
// instance commits (handleCommitRequest, commitLeaderInstance); an
// abandoned attempt keeps its armed timeout.
func (t *TimeoutStore) Disarm(sl slot.Slot) {
	at, ok := t.deadline[sl]
	if !ok {
		return
	}
	t.tree.Delete(&timeoutItem{tick: at, sl: sl})
	delete(t.deadline, sl)
}

// Expired returns and clears every slot whose deadline is <= now.
func (t *TimeoutStore) Expired(now uint64) []slot.Slot {
	var due []slot.Slot
	var toDelete []btree.Item
	t.tree.Ascend(func(item btree.Item) bool {
		ti := item.(*timeoutItem)
		if ti.tick > now {
			return false
		}
		due = append(due, ti.sl)
		toDelete = append(toDelete, item)
		return true
	})
	for _, item := range toDelete {
		t.tree.Delete(item)
		delete(t.deadline, item.(*timeoutItem).sl)
	}
	return due
}

// MinimumWait returns the remaining delay until the earliest deadline (0
// if it is already due), or ok==false if nothing is armed. Run does not
// call it; Run's loop wakes on every tick instead.
func (t *TimeoutStore) MinimumWait(now uint64) (wait uint64, ok bool) {
	var min *timeoutItem
	t.tree.Ascend(func(item btree.Item) bool {
		min = item.(*timeoutItem)
		return false
	})
	if min == nil {
		return 0, false
	}
	if min.tick <= now {
		return 0, true
	}
	return min.tick - now, true
}
