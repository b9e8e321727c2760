package consensus

import (
	"time"

	"github.com/bdeggleston/epaxos/internal/command"
	"github.com/bdeggleston/epaxos/internal/message"
	"github.com/bdeggleston/epaxos/internal/slot"
)

// leaderSubstate is the phase a leader-driven slot moves through,
// advanced only by explicit transition functions (startAcceptPhase,
// reenterAcceptPhase, commitLeaderInstance, abandonLeaderAttempt). The
// substate is a field of one leaderState that carries the fields of every
// phase; a transition updates that same value in place rather than
// building a separate per-phase value. Grounded on bonedaddy/epaxos's instanceState enum and its
// transitionToAccept/transitionToCommit functions, adapted from a
// blocking-goroutine-per-instance model to the reactive, message-driven
// one the single-threaded loop (§5) requires.
type leaderSubstate int

const (
	AwaitingPreAccept leaderSubstate = iota
	AwaitingAccept
	AwaitingPrepare
	LeaderDone
)

// leaderState is the accumulator for one leader-driven attempt at a slot:
// the ballot this attempt uses, the values it initially proposed (to
// detect fast-path agreement), and the running tally of replies.
type leaderState struct {
	slot     slot.Slot
	ballot   slot.Ballot
	substate leaderSubstate

	initialSeq  uint64
	initialDeps slot.Set

	seq  uint64
	deps slot.Set

	peerReplies int
	matching    int
	differing   bool

	acceptAcks int

	recovery *recoveryState

	start time.Time
}

func slotsEqualSet(got []slot.Slot, want slot.Set) bool {
	if len(got) != len(want) {
		return false
	}
	for _, s := range got {
		if !want.Contains(s) {
			return false
		}
	}
	return true
}

// startLeaderFlow begins (or restarts, for recovery) the PreAccept phase
// for a command this replica is command-leader of, at the given ballot.
// It is the only writer of outbound PreAccept for this slot (§4.5).
func (r *Replica) startLeaderFlow(s slot.Slot, cmd command.Command, ballot slot.Ballot) {
	start := time.Now()
	r.statsInc("preaccept.phase.count", 1)

	// A recovery restart at a higher ballot may be re-querying a slot
	// whose own prior attempt already wrote itself into the Dependency
	// Store; drop that entry first so Query never reports a command as
	// depending on itself.
	r.deps.Remove(s)
	seqFloor, deps := r.deps.Query(cmd)
	inst, _ := r.instances.LoadOrCreate(s)
	inst.Ballot = ballot
	inst.Command = cmd
	inst.HasCmd = true
	inst.Seq = seqFloor
	inst.Deps = deps
	inst.Status = PreAccepted
	r.instances.Put(inst)
	r.deps.Update(s, cmd, seqFloor)
	r.armRecoveryTimeout(s)

	ls := &leaderState{
		slot:        s,
		ballot:      ballot,
		substate:    AwaitingPreAccept,
		initialSeq:  seqFloor,
		initialDeps: deps,
		seq:         seqFloor,
		deps:        cloneSet(deps),
		start:       start,
	}
	r.leaders[s] = ls

	r.debugSlotLog(s, "PreAccept phase started at ballot %v", ballot)
	r.broadcast(&message.PreAcceptRequest{
		Slot:    s,
		Ballot:  ballot,
		Command: cmd,
		Seq:     seqFloor,
		Deps:    deps.Slice(),
	})

	r.evaluatePreAccept(ls)
	r.statsTiming("preaccept.phase.time", start)
}

func cloneSet(s slot.Set) slot.Set {
	out := make(slot.Set, len(s))
	for sl := range s {
		out[sl] = struct{}{}
	}
	return out
}

func (r *Replica) handlePreAcceptAck(from slot.ReplicaID, m *message.PreAcceptAck) {
	ls := r.leaders[m.Slot]
	if ls == nil || ls.substate != AwaitingPreAccept || m.Ballot != ls.ballot {
		return
	}
	r.statsInc("preaccept.message.receive.success.count", 1)

	matched := m.Seq == ls.initialSeq && slotsEqualSet(m.Deps, ls.initialDeps)
	ls.peerReplies++
	if matched {
		ls.matching++
	} else {
		ls.differing = true
	}
	if m.Seq > ls.seq {
		ls.seq = m.Seq
	}
	for _, d := range m.Deps {
		ls.deps.Add(d)
	}
	r.evaluatePreAccept(ls)
}

func (r *Replica) handlePreAcceptNack(from slot.ReplicaID, m *message.PreAcceptNack) {
	ls := r.leaders[m.Slot]
	if ls == nil || ls.substate != AwaitingPreAccept {
		return
	}
	r.statsInc("preaccept.message.receive.rejected.count", 1)
	logger.Info("PreAccept rejected for %v by %v at ballot %v", m.Slot, from, m.Ballot)
	r.abandonLeaderAttempt(ls, m.Ballot)
}

// evaluatePreAccept decides, after every new reply, whether enough
// agreement has accumulated to take the fast path, enough total replies
// to fall back to the slow path, or whether to keep waiting (§4.5).
func (r *Replica) evaluatePreAccept(ls *leaderState) {
	n := r.numReplicas()

	if r.config.FastPathEnabled && !ls.differing && ls.matching >= r.config.FastQuorum(n) {
		r.statsInc("preaccept.fastpath.count", 1)
		r.commitLeaderInstance(ls, ls.initialSeq, ls.initialDeps)
		return
	}

	total := 1 + ls.peerReplies
	if total < r.config.SlowQuorum(n) {
		return
	}
	allPeersReplied := ls.peerReplies >= len(r.peers)
	if ls.differing || allPeersReplied || !r.config.FastPathEnabled {
		r.startAcceptPhase(ls)
	}
	// otherwise: slow quorum is technically met but every reply so far
	// agrees with the leader's initial value and peers remain
	// outstanding -- wait, since those stragglers might still complete
	// the fast quorum. onTimeout forces the slow path directly once the
	// wait has gone on long enough, rather than waiting for every peer.
}

func (r *Replica) startAcceptPhase(ls *leaderState) {
	start := time.Now()
	r.statsInc("accept.phase.count", 1)
	ls.substate = AwaitingAccept
	ls.acceptAcks = 0

	inst := r.instances.Get(ls.slot)
	inst.Seq = ls.seq
	inst.Deps = cloneSet(ls.deps)
	inst.Status = Accepted
	r.instances.Put(inst)
	r.deps.Update(ls.slot, inst.Command, inst.Seq)
	r.armRecoveryTimeout(ls.slot)

	r.debugSlotLog(ls.slot, "Accept phase started at ballot %v", ls.ballot)
	r.broadcast(&message.AcceptRequest{
		Slot:    ls.slot,
		Ballot:  ls.ballot,
		Command: inst.Command,
		Seq:     inst.Seq,
		Deps:    ls.deps.Slice(),
	})

	r.evaluateAccept(ls)
	r.statsTiming("accept.phase.time", start)
}

func (r *Replica) handleAcceptAck(from slot.ReplicaID, m *message.AcceptAck) {
	ls := r.leaders[m.Slot]
	if ls == nil || ls.substate != AwaitingAccept || m.Ballot != ls.ballot {
		return
	}
	r.statsInc("accept.message.receive.success.count", 1)
	ls.acceptAcks++
	r.evaluateAccept(ls)
}

func (r *Replica) handleAcceptNack(from slot.ReplicaID, m *message.AcceptNack) {
	ls := r.leaders[m.Slot]
	if ls == nil || ls.substate != AwaitingAccept {
		return
	}
	r.statsInc("accept.message.receive.rejected.count", 1)
	logger.Info("Accept rejected for %v by %v at ballot %v", m.Slot, from, m.Ballot)
	r.abandonLeaderAttempt(ls, m.Ballot)
}

func (r *Replica) evaluateAccept(ls *leaderState) {
	n := r.numReplicas()
	total := 1 + ls.acceptAcks
	if total >= r.config.SlowQuorum(n) {
		r.commitLeaderInstance(ls, ls.seq, ls.deps)
	}
}

// commitLeaderInstance finalizes this leader attempt: commit locally,
// disarm the recovery timeout, broadcast Commit, and tear down the
// leaderState (§4.5 step 4 / 6).
func (r *Replica) commitLeaderInstance(ls *leaderState, seq uint64, deps slot.Set) {
	inst := r.instances.Get(ls.slot)
	inst.Seq = seq
	inst.Deps = cloneSet(deps)
	inst.Status = Committed
	inst.Ballot = ls.ballot
	r.instances.Put(inst)
	r.deps.Update(ls.slot, inst.Command, seq)
	r.timeouts.Disarm(ls.slot)
	ls.substate = LeaderDone
	delete(r.leaders, ls.slot)

	r.debugSlotLog(ls.slot, "Commit phase completed")
	r.statsInc("commit.count", 1)
	r.broadcast(&message.CommitRequest{
		Slot:    ls.slot,
		Ballot:  ls.ballot,
		Seq:     seq,
		Command: inst.Command,
		Deps:    deps.Slice(),
	})
}

// abandonLeaderAttempt tears down a leader attempt that saw a higher
// ballot reflected back at it. The instance's own ballot is raised to
// match so the next attempt (driven by the still-armed recovery timeout)
// starts from a ballot number that can't lose again to the same rejector.
func (r *Replica) abandonLeaderAttempt(ls *leaderState, sawBallot slot.Ballot) {
	inst := r.instances.Get(ls.slot)
	if inst != nil && ls.ballot.Less(sawBallot) {
		inst.Ballot = sawBallot
		r.instances.Put(inst)
	}
	ls.substate = LeaderDone
	delete(r.leaders, ls.slot)
}

// onTimeout fires when a slot has not reached Committed within its armed
// deadline. A replica still leading its own PreAccept attempt that
// already has a slow quorum's worth of replies is forced straight into
// the Accept phase with whatever it has -- not routed through Prepare --
// since restarting PreAccept would only hit the exact same stall against
// an unresponsive peer. Anything else (quorum genuinely not yet reached,
// or this replica doesn't own the attempt) goes through recovery.
func (r *Replica) onTimeout(s slot.Slot) {
	inst := r.instances.Get(s)
	if inst == nil || inst.Status >= Committed {
		return
	}
	if ls, ok := r.leaders[s]; ok && ls.substate == AwaitingPreAccept {
		if 1+ls.peerReplies >= r.config.SlowQuorum(r.numReplicas()) {
			r.statsInc("preaccept.slowpath.timeout.count", 1)
			r.startAcceptPhase(ls)
			return
		}
	}
	r.statsInc("timeout.count", 1)
	r.startRecovery(s, 0)
}
