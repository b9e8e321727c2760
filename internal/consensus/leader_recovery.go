package consensus

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bdeggleston/epaxos/internal/command"
	"github.com/bdeggleston/epaxos/internal/message"
	"github.com/bdeggleston/epaxos/internal/slot"
)

// prepareReply pairs a Prepare response with the replica that sent it;
// rule 4(c) needs to exclude the original leader's own reply, which
// message.PrepareAck alone can't tell us since it carries no sender field.
type prepareReply struct {
	from slot.ReplicaID
	ack  message.PrepareAck
}

// recoveryState accumulates Prepare responses for one recovery attempt at
// a slot this replica does not necessarily lead (§4.5 Recovery path).
type recoveryState struct {
	attempt int
	replies []prepareReply
}

// startRecovery begins a Prepare attempt for s: a timeout fired on it, or
// a peer Nacked a PreAccept/Accept at a higher ballot than this replica
// knew about. attempt is passed to RecoveryBackoff. onTimeout always
// starts recovery with attempt 0, and handlePrepareNack re-arms the
// timeout with RecoveryBackoff(attempt+1); the count is not carried across
// a Nack followed by a timeout, so the delay after a Nack stays at
// RecoveryBackoff(1) rather than growing with repeated losses.
func (r *Replica) startRecovery(s slot.Slot, attempt int) {
	inst, _ := r.instances.LoadOrCreate(s)
	if inst.Status >= Committed {
		return
	}

	newBallot := slot.Next(r.config.Epoch, inst.Ballot.Number, r.id)
	preBallot := inst.Ballot
	selfReply := message.PrepareAck{
		Slot:       s,
		Ballot:     preBallot,
		Command:    inst.Command,
		Seq:        inst.Seq,
		Deps:       inst.Deps.Slice(),
		State:      fromStatus(inst.Status),
		HasCommand: inst.HasCmd,
	}
	inst.Ballot = newBallot
	r.instances.Put(inst)

	ls := &leaderState{
		slot:     s,
		ballot:   newBallot,
		substate: AwaitingPrepare,
		recovery: &recoveryState{
			attempt: attempt,
			replies: []prepareReply{{from: r.id, ack: selfReply}},
		},
	}
	r.leaders[s] = ls
	r.timeouts.Arm(s, r.now, r.config.RecoveryBackoff(attempt)+r.config.JiffiesPerTimeout)

	r.debugSlotLog(s, "Prepare phase started at ballot %v (attempt %d)", newBallot, attempt)
	r.statsInc("prepare.phase.count", 1)
	r.broadcast(&message.PrepareRequest{Slot: s, Ballot: newBallot})

	r.evaluatePrepare(ls)
}

func (r *Replica) handlePrepareAck(from slot.ReplicaID, m *message.PrepareAck) {
	ls := r.leaders[m.Slot]
	if ls == nil || ls.substate != AwaitingPrepare {
		return
	}
	r.statsInc("prepare.message.receive.success.count", 1)
	ls.recovery.replies = append(ls.recovery.replies, prepareReply{from: from, ack: *m})
	r.evaluatePrepare(ls)
}

func (r *Replica) handlePrepareNack(from slot.ReplicaID, m *message.PrepareNack) {
	ls := r.leaders[m.Slot]
	if ls == nil || ls.substate != AwaitingPrepare {
		return
	}
	r.statsInc("prepare.message.receive.rejected.count", 1)
	logger.Info("Prepare rejected for %v by %v at ballot %v", m.Slot, from, m.Ballot)
	attempt := ls.recovery.attempt + 1
	r.abandonLeaderAttempt(ls, m.Ballot)
	r.timeouts.Arm(m.Slot, r.now, r.config.RecoveryBackoff(attempt))
}

// evaluatePrepare checks the short-circuit (a Committed reply wins
// immediately) and otherwise waits for a majority before deciding (§4.5
// step 3).
func (r *Replica) evaluatePrepare(ls *leaderState) {
	for _, pr := range ls.recovery.replies {
		if pr.ack.State == message.StateCommitted {
			r.applyRecoveryCommitted(ls, pr)
			return
		}
	}
	n := r.numReplicas()
	if len(ls.recovery.replies) < r.config.SlowQuorum(n) {
		return
	}
	r.decideRecovery(ls)
}

func (r *Replica) applyRecoveryCommitted(ls *leaderState, pr prepareReply) {
	inst := r.instances.Get(ls.slot)
	inst.Command = pr.ack.Command
	inst.HasCmd = true
	r.instances.Put(inst)
	r.commitLeaderInstance(ls, pr.ack.Seq, slot.NewSet(pr.ack.Deps...))
}

// depsKey gives two dependency sets the same key iff they contain exactly
// the same slots, used to group rule 4(c)'s "identical (seq, deps)"
// replies without an O(n^2) pairwise comparison.
func depsKey(seq uint64, deps []slot.Slot) string {
	sorted := append([]slot.Slot(nil), deps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })
	var b strings.Builder
	fmt.Fprintf(&b, "%d|", seq)
	for _, d := range sorted {
		fmt.Fprintf(&b, "%v,", d)
	}
	return b.String()
}

// decideRecovery applies the classic EPaxos recovery rule in priority
// order (§4.5 step 4, rules b-e; rule a is handled by evaluatePrepare's
// short-circuit before this is ever called).
func (r *Replica) decideRecovery(ls *leaderState) {
	replies := ls.recovery.replies

	var bestAccepted *prepareReply
	for i := range replies {
		pr := &replies[i]
		if pr.ack.State != message.StateAccepted {
			continue
		}
		if bestAccepted == nil || bestAccepted.ack.Ballot.Less(pr.ack.Ballot) {
			bestAccepted = pr
		}
	}
	if bestAccepted != nil {
		r.reenterAcceptPhase(ls, bestAccepted.ack.Command, bestAccepted.ack.Seq, slot.NewSet(bestAccepted.ack.Deps...))
		return
	}

	originalBallot := slot.InitialBallot(r.config.Epoch, ls.slot.Replica)
	n := r.numReplicas()
	floorHalf := n / 2
	counts := make(map[string]int)
	sample := make(map[string]prepareReply)
	for _, pr := range replies {
		if pr.from == ls.slot.Replica {
			continue // exclude the original leader's own reply
		}
		if pr.ack.State != message.StatePreAccepted || !pr.ack.HasCommand {
			continue
		}
		if pr.ack.Ballot != originalBallot {
			continue
		}
		key := depsKey(pr.ack.Seq, pr.ack.Deps)
		counts[key]++
		sample[key] = pr
	}
	for key, count := range counts {
		if count >= floorHalf {
			pr := sample[key]
			r.reenterAcceptPhase(ls, pr.ack.Command, pr.ack.Seq, slot.NewSet(pr.ack.Deps...))
			return
		}
	}

	for _, pr := range replies {
		if pr.ack.State == message.StatePreAccepted && pr.ack.HasCommand {
			r.startLeaderFlow(ls.slot, pr.ack.Command, ls.ballot)
			return
		}
	}

	r.startLeaderFlow(ls.slot, command.Noop(), ls.ballot)
}

// reenterAcceptPhase skips straight to the Accept phase with a command
// recovered from a quorum reply, rather than re-running PreAccept (§4.5
// rules b and c).
func (r *Replica) reenterAcceptPhase(ls *leaderState, cmd command.Command, seq uint64, deps slot.Set) {
	ls.substate = AwaitingAccept
	ls.acceptAcks = 0
	ls.seq = seq
	ls.deps = cloneSet(deps)

	inst := r.instances.Get(ls.slot)
	inst.Command = cmd
	inst.HasCmd = true
	inst.Seq = seq
	inst.Deps = cloneSet(deps)
	inst.Status = Accepted
	inst.Ballot = ls.ballot
	r.instances.Put(inst)
	r.deps.Update(ls.slot, cmd, seq)
	r.armRecoveryTimeout(ls.slot)

	r.debugSlotLog(ls.slot, "recovered Accept phase started at ballot %v", ls.ballot)
	r.broadcast(&message.AcceptRequest{
		Slot:    ls.slot,
		Ballot:  ls.ballot,
		Command: cmd,
		Seq:     seq,
		Deps:    deps.Slice(),
	})
	r.evaluateAccept(ls)
}
