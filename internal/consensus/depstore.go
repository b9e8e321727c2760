package consensus

import (
	"github.com/bdeggleston/epaxos/internal/command"
	"github.com/bdeggleston/epaxos/internal/slot"
)

// depEntry is the latest slot this replica has seen writing a given key
// from a given leader replica, together with the sequence number that
// slot carried. Grounded on the teacher's per-key dependency node
// (manager_dependencies_test.go: depsMngr.deps, keyed by command key,
// tracking "writes" per leader) generalized to also carry Seq so query()
// can compute the sequence floor required by I5.
type depEntry struct {
	slot slot.Slot
	seq  uint64
}

// DependencyStore answers "what instances interfere with this command?"
// (SPEC_FULL.md §4.1). It indexes, per key, the most recent instance from
// each leader replica that touched it -- not just a single global latest
// slot -- because two different leaders can concurrently hold the newest
// instance for the same key in their own id space (I4).
type DependencyStore struct {
	byKey map[command.Key]map[slot.ReplicaID]depEntry
	// keyOf lets remove(slot) find which key(s) to clean up without the
	// caller re-supplying the command, satisfying the §4.1 signature
	// `remove(slot)`.
	keyOf map[slot.Slot][]command.Key
}

func NewDependencyStore() *DependencyStore {
	return &DependencyStore{
		byKey: make(map[command.Key]map[slot.ReplicaID]depEntry),
		keyOf: make(map[slot.Slot][]command.Key),
	}
}

// Query returns the sequence floor and dependency set for cmd, as seen so
// far by this replica. No-ops bypass the store entirely and always get an
// empty dependency set and a seq floor of 1 (SPEC_FULL.md §4.1).
func (d *DependencyStore) Query(cmd command.Command) (seqFloor uint64, deps slot.Set) {
	deps = slot.NewSet()
	if cmd.Noop {
		return 1, deps
	}
	var maxSeq uint64
	seen := make(map[slot.Slot]struct{})
	for _, k := range cmd.Keys {
		for _, entry := range d.byKey[k] {
			if _, ok := seen[entry.slot]; !ok {
				seen[entry.slot] = struct{}{}
				deps.Add(entry.slot)
			}
			if entry.seq > maxSeq {
				maxSeq = entry.seq
			}
		}
	}
	return maxSeq + 1, deps
}

// Update records that slot now touches cmd's keys at the given sequence
// number, overwriting the prior entry for (key, leader replica) only if
// slot is a later instance from that same leader, preserving I6. No-ops
// are not indexed.
func (d *DependencyStore) Update(s slot.Slot, cmd command.Command, seq uint64) {
	if cmd.Noop {
		return
	}
	for _, k := range cmd.Keys {
		byReplica, ok := d.byKey[k]
		if !ok {
			byReplica = make(map[slot.ReplicaID]depEntry)
			d.byKey[k] = byReplica
		}
		existing, exists := byReplica[s.Replica]
		if !exists || existing.slot.Instance < s.Instance {
			byReplica[s.Replica] = depEntry{slot: s, seq: seq}
			d.keyOf[s] = append(d.keyOf[s], k)
		}
	}
}

// Remove reverses an Update, used on recovery when an instance's command
// is rewritten to a no-op and must stop shadowing later writers to the
// same key from the same replica.
func (d *DependencyStore) Remove(s slot.Slot) {
	keys, ok := d.keyOf[s]
	if !ok {
		return
	}
	delete(d.keyOf, s)
	for _, k := range keys {
		byReplica, ok := d.byKey[k]
		if !ok {
			continue
		}
		if entry, ok := byReplica[s.Replica]; ok && entry.slot == s {
			delete(byReplica, s.Replica)
		}
	}
}
