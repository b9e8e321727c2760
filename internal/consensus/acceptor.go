package consensus

import (
	"github.com/bdeggleston/epaxos/internal/message"
	"github.com/bdeggleston/epaxos/internal/slot"
)

// toStatus maps the wire-level InstanceState enum onto this package's
// Status, since message cannot import consensus.
func toStatus(s message.InstanceState) Status {
	switch s {
	case message.StatePreAccepted:
		return PreAccepted
	case message.StateAccepted:
		return Accepted
	case message.StateCommitted:
		return Committed
	case message.StateExecuted:
		return Executed
	default:
		return Prepared
	}
}

func fromStatus(s Status) message.InstanceState {
	switch s {
	case PreAccepted:
		return message.StatePreAccepted
	case Accepted:
		return message.StateAccepted
	case Committed:
		return message.StateCommitted
	case Executed:
		return message.StateExecuted
	default:
		return message.StatePrepared
	}
}

// handlePreAcceptRequest is the acceptor side of §4.4's PreAccept rule:
// compute this replica's own view of (seq, deps), union it with the
// leader's proposed values, and persist the union before replying. The
// union (rather than a plain accept-as-is) is what lets the leader detect
// disagreement and fall back to the slow path.
func (r *Replica) handlePreAcceptRequest(from slot.ReplicaID, m *message.PreAcceptRequest) {
	inst, _ := r.instances.LoadOrCreate(m.Slot)
	if err := r.instances.CheckTransition(inst, PreAccepted, m.Ballot); err != nil {
		r.statsInc("preaccept.message.receive.rejected.count", 1)
		r.sendTo(from, &message.PreAcceptNack{Slot: m.Slot, Ballot: inst.Ballot})
		return
	}

	r.deps.Remove(m.Slot)
	seqFloor, localDeps := r.deps.Query(m.Command)

	seq := m.Seq
	if seqFloor > seq {
		seq = seqFloor
	}
	deps := slot.NewSet(m.Deps...)
	for d := range localDeps {
		deps.Add(d)
	}

	inst.Ballot = m.Ballot
	inst.Command = m.Command
	inst.HasCmd = true
	inst.Seq = seq
	inst.Deps = deps
	inst.Status = PreAccepted
	r.instances.Put(inst)
	r.deps.Update(m.Slot, m.Command, seq)
	r.armWatchdog(m.Slot)

	r.statsInc("preaccept.message.receive.success.count", 1)
	r.sendTo(from, &message.PreAcceptAck{Slot: m.Slot, Ballot: m.Ballot, Seq: seq, Deps: deps.Slice()})
}

// handleAcceptRequest persists the leader's already-agreed (seq, deps) as
// given -- the Accept phase carries the union the leader decided on, not a
// value for this acceptor to recompute (§4.4).
func (r *Replica) handleAcceptRequest(from slot.ReplicaID, m *message.AcceptRequest) {
	inst, _ := r.instances.LoadOrCreate(m.Slot)
	if err := r.instances.CheckTransition(inst, Accepted, m.Ballot); err != nil {
		r.statsInc("accept.message.receive.rejected.count", 1)
		r.sendTo(from, &message.AcceptNack{Slot: m.Slot, Ballot: inst.Ballot})
		return
	}

	inst.Ballot = m.Ballot
	inst.Command = m.Command
	inst.HasCmd = true
	inst.Seq = m.Seq
	inst.Deps = slot.NewSet(m.Deps...)
	inst.Status = Accepted
	r.instances.Put(inst)
	r.deps.Update(m.Slot, m.Command, m.Seq)
	r.armWatchdog(m.Slot)

	r.statsInc("accept.message.receive.success.count", 1)
	r.sendTo(from, &message.AcceptAck{Slot: m.Slot, Ballot: m.Ballot})
}

// handleCommitRequest applies a Commit unconditionally once its ballot is
// at least the instance's current one: Commit is not subject to Nack,
// since by the time a leader broadcasts it a quorum has already agreed
// (§4.4). A Commit that arrives more than once (retransmission, or a
// replica that missed the original) is idempotent.
func (r *Replica) handleCommitRequest(from slot.ReplicaID, m *message.CommitRequest) {
	inst, _ := r.instances.LoadOrCreate(m.Slot)
	if inst.Status == Committed || inst.Status == Executed {
		return
	}
	if m.Ballot.Less(inst.Ballot) {
		return
	}

	inst.Ballot = m.Ballot
	inst.Command = m.Command
	inst.HasCmd = true
	inst.Seq = m.Seq
	inst.Deps = slot.NewSet(m.Deps...)
	inst.Status = Committed
	r.instances.Put(inst)
	r.deps.Update(m.Slot, m.Command, m.Seq)
	r.timeouts.Disarm(m.Slot)

	r.statsInc("commit.message.receive.count", 1)
}

// handlePrepareRequest answers a recovery leader's Prepare with this
// replica's full view of the instance, so the recovery leader can apply
// §4.5's rules (a)-(e) over every reply it collects.
func (r *Replica) handlePrepareRequest(from slot.ReplicaID, m *message.PrepareRequest) {
	inst, _ := r.instances.LoadOrCreate(m.Slot)
	if !inst.Ballot.Less(m.Ballot) {
		r.statsInc("prepare.message.receive.rejected.count", 1)
		r.sendTo(from, &message.PrepareNack{Slot: m.Slot, Ballot: inst.Ballot})
		return
	}

	// A Prepare at a higher ballot always wins the promise, even if this
	// replica was itself mid-attempt at a lower ballot for the same slot.
	// The Ack carries the pre-update ballot: that's what tells the
	// recovery leader whether a PreAccepted reply belongs to the
	// instance's original attempt (rule 4c) or a later one.
	preBallot := inst.Ballot
	inst.Ballot = m.Ballot
	r.instances.Put(inst)
	if ls, ok := r.leaders[m.Slot]; ok {
		r.abandonLeaderAttempt(ls, m.Ballot)
	}

	r.statsInc("prepare.message.receive.success.count", 1)
	r.sendTo(from, &message.PrepareAck{
		Slot:       m.Slot,
		Ballot:     preBallot,
		Command:    inst.Command,
		Seq:        inst.Seq,
		Deps:       inst.Deps.Slice(),
		State:      fromStatus(inst.Status),
		HasCommand: inst.HasCmd,
	})
}
