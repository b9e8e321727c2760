package consensus

import (
	"github.com/google/btree"

	"github.com/bdeggleston/epaxos/internal/slot"
)

// instanceItem indexes an instance by its instance number inside one
// leader replica's btree, grounded on bonedaddy/epaxos's instance.go,
// which indexes instances the same way ("BTree Functions": Less/Identifier
// by InstanceNum) so Executed-cut computation can walk a contiguous
// prefix instead of scanning every instance on every tick.
type instanceItem struct {
	num       slot.InstanceNum
	committed bool
	executed  bool
}

func (i *instanceItem) Less(than btree.Item) bool {
	return i.num < than.(*instanceItem).num
}

// InstanceStore holds every instance a replica knows about (SPEC_FULL.md
// §4.2). All writes go through LoadOrCreate/Put, and the monotonicity
// checks (I1, I2) live in one place, CheckTransition. The store does not
// touch the Dependency Store or Timeout Store; the handlers that call Put
// update those themselves.
type InstanceStore struct {
	instances map[slot.Slot]*Instance
	byReplica map[slot.ReplicaID]*btree.BTree
	cut       map[slot.ReplicaID]int64 // -1 == nothing executed yet
}

func NewInstanceStore() *InstanceStore {
	return &InstanceStore{
		instances: make(map[slot.Slot]*Instance),
		byReplica: make(map[slot.ReplicaID]*btree.BTree),
		cut:       make(map[slot.ReplicaID]int64),
	}
}

func (s *InstanceStore) treeFor(r slot.ReplicaID) *btree.BTree {
	t, ok := s.byReplica[r]
	if !ok {
		t = btree.New(32)
		s.byReplica[r] = t
		s.cut[r] = -1
	}
	return t
}

// Get returns the instance at slot, or nil if this replica has never seen
// it.
func (s *InstanceStore) Get(sl slot.Slot) *Instance {
	return s.instances[sl]
}

// LoadOrCreate returns the instance at slot, creating a Prepared
// placeholder if this is the first time the replica has observed it.
func (s *InstanceStore) LoadOrCreate(sl slot.Slot) (inst *Instance, created bool) {
	if existing, ok := s.instances[sl]; ok {
		return existing, false
	}
	inst = newPlaceholder(sl)
	s.instances[sl] = inst
	s.treeFor(sl.Replica).ReplaceOrInsert(&instanceItem{num: sl.Instance})
	return inst, true
}

// CheckTransition reports whether moving slot's instance to newStatus at
// newBallot is legal: ballots never decrease (I1), and once Committed or
// Executed no transition back to PreAccepted or Accepted is allowed at any
// ballot, so the command/seq/deps stay frozen (I2). Handlers call this
// before mutating and treat a rejection as a Nack, not an error.
func (s *InstanceStore) CheckTransition(inst *Instance, newStatus Status, newBallot slot.Ballot) error {
	if newBallot.Less(inst.Ballot) {
		return StaleBallotError{Slot: inst.Slot, Current: inst.Ballot, Got: newBallot}
	}
	if inst.Status == Committed || inst.Status == Executed {
		if newStatus <= Accepted {
			return InvalidStatusUpdateError{Slot: inst.Slot, Have: inst.Status, Attempted: newStatus}
		}
		if !newBallot.Less(inst.Ballot) && newBallot != inst.Ballot {
			// a higher ballot re-committing the same slot is fine (I2
			// still applies to the *value*, not the ballot field).
		}
	}
	return nil
}

// Put persists inst (already validated by CheckTransition) and keeps the
// per-replica btree / executed-cut bookkeeping current.
func (s *InstanceStore) Put(inst *Instance) {
	s.instances[inst.Slot] = inst
	tree := s.treeFor(inst.Slot.Replica)
	item := &instanceItem{num: inst.Slot.Instance, committed: inst.Status >= Committed, executed: inst.Status == Executed}
	tree.ReplaceOrInsert(item)
	if inst.Status == Executed {
		s.advanceCut(inst.Slot.Replica)
	}
}

// advanceCut extends executed_cut[replica] past every contiguously
// executed instance starting at cut+1.
func (s *InstanceStore) advanceCut(r slot.ReplicaID) {
	tree := s.treeFor(r)
	cut := s.cut[r]
	for {
		next := cut + 1
		item := tree.Get(&instanceItem{num: slot.InstanceNum(next)})
		if item == nil || !item.(*instanceItem).executed {
			break
		}
		cut = next
	}
	s.cut[r] = cut
}

// IterState returns every instance currently in the given status.
func (s *InstanceStore) IterState(status Status) []*Instance {
	out := make([]*Instance, 0)
	for _, inst := range s.instances {
		if inst.Status == status {
			out = append(out, inst)
		}
	}
	return out
}

// ExecutedCut returns, per replica id this store has ever seen an
// instance from, the highest instance number whose entire prefix has been
// executed, or -1 if nothing from that replica has executed yet.
func (s *InstanceStore) ExecutedCut() map[slot.ReplicaID]int64 {
	out := make(map[slot.ReplicaID]int64, len(s.cut))
	for r, c := range s.cut {
		out[r] = c
	}
	return out
}
