package consensus

import (
	"github.com/bdeggleston/epaxos/internal/command"
	"github.com/bdeggleston/epaxos/internal/slot"
)

// Instance is the record for one Slot (SPEC_FULL.md §3). It is mutated
// exclusively by the replica event loop that currently owns it: the
// leader for its own slots, or the highest-ballot recovery leader for a
// foreign slot it has claimed via Prepare. Nothing outside
// internal/consensus ever holds a pointer to one.
type Instance struct {
	Slot    slot.Slot
	Status  Status
	Ballot  slot.Ballot
	Command command.Command
	HasCmd  bool // false only for an unpopulated Prepared placeholder
	Seq     uint64
	Deps    slot.Set

	// executed is set by the executor alongside Status = Executed when it
	// emits this instance. The executor itself decides readiness from
	// Status alone and does not read this field.
	executed bool
}

// newPlaceholder creates an unknown instance observed for the first time
// via an inbound message for its slot or a local proposal or recovery
// attempt (a dependency target the executor has not seen stays absent, not
// created), per the lifecycle
// rule in SPEC_FULL.md §3: "created on first observation ... as Prepared
// placeholder".
func newPlaceholder(s slot.Slot) *Instance {
	return &Instance{Slot: s, Status: Prepared, Deps: slot.NewSet()}
}

// clone returns a value copy safe to hand to the transport for encoding;
// Deps is a reference type and is copied explicitly so the outbound
// message can never alias (and later corrupt) the stored instance. This
// plays the role of the teacher's copyInstanceAtomic, minus the
// serialize/deserialize round trip that method used only to get a deep
// copy for free.
func (inst *Instance) clone() *Instance {
	cp := *inst
	cp.Deps = make(slot.Set, len(inst.Deps))
	for s := range inst.Deps {
		cp.Deps[s] = struct{}{}
	}
	return &cp
}
