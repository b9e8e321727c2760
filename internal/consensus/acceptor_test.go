package consensus

import (
	"gopkg.in/check.v1"

	"github.com/bdeggleston/epaxos/internal/command"
	"github.com/bdeggleston/epaxos/internal/message"
	"github.com/bdeggleston/epaxos/internal/slot"
	"github.com/bdeggleston/epaxos/internal/transport"
)

type AcceptorTest struct {
	r    *Replica
	from slot.ReplicaID
	to   *transport.Local // the channel belonging to "from", where replies land
	to2  *transport.Local // channel belonging to replica 2
}

var _ = check.Suite(&AcceptorTest{})

func (s *AcceptorTest) SetUpTest(c *check.C) {
	ids := []slot.ReplicaID{0, 1, 2}
	channels := transport.NewHub(ids)
	s.r = NewReplica(0, []slot.ReplicaID{1, 2}, channels[0], testConfig(), nil)
	s.from = 1
	s.to = channels[1]
	s.to2 = channels[2]
}

func (s *AcceptorTest) recvFrom0() message.Message {
	select {
	case env := <-s.to.Inbox():
		return env.Msg
	default:
		return nil
	}
}

func (s *AcceptorTest) TestPreAcceptAcksAndUnionsDeps(c *check.C) {
	sl := slot.New(1, 0)
	// prime a local dependency on key "a" so the acceptor's own view is
	// unioned into the reply, not just the leader's proposed deps.
	existing := slot.New(2, 0)
	s.r.deps.Update(existing, command.Command{Keys: []command.Key{"a"}}, 3)

	cmd := command.Command{Keys: []command.Key{"a"}}
	m := &message.PreAcceptRequest{Slot: sl, Ballot: slot.InitialBallot(0, 1), Command: cmd, Seq: 1, Deps: nil}
	s.r.handlePreAcceptRequest(s.from, m)

	reply := s.recvFrom0()
	ack, ok := reply.(*message.PreAcceptAck)
	c.Assert(ok, check.Equals, true)
	c.Assert(ack.Seq, check.Equals, uint64(4))
	c.Assert(ack.Deps, check.DeepEquals, []slot.Slot{existing})

	inst := s.r.instances.Get(sl)
	c.Assert(inst.Status, check.Equals, PreAccepted)
}

func (s *AcceptorTest) TestPreAcceptNacksStaleBallot(c *check.C) {
	sl := slot.New(1, 0)
	inst, _ := s.r.instances.LoadOrCreate(sl)
	inst.Ballot = slot.Ballot{Epoch: 0, Number: 5, Owner: 1}
	s.r.instances.Put(inst)

	m := &message.PreAcceptRequest{Slot: sl, Ballot: slot.Ballot{Epoch: 0, Number: 1, Owner: 1}, Command: command.Command{Keys: []command.Key{"a"}}}
	s.r.handlePreAcceptRequest(s.from, m)

	reply := s.recvFrom0()
	nack, ok := reply.(*message.PreAcceptNack)
	c.Assert(ok, check.Equals, true)
	c.Assert(nack.Ballot, check.Equals, inst.Ballot)
}

func (s *AcceptorTest) TestAcceptPersistsGivenValueWithoutRecomputing(c *check.C) {
	sl := slot.New(1, 0)
	dep := slot.New(2, 7)
	m := &message.AcceptRequest{
		Slot: sl, Ballot: slot.InitialBallot(0, 1),
		Command: command.Command{Keys: []command.Key{"a"}}, Seq: 9, Deps: []slot.Slot{dep},
	}
	s.r.handleAcceptRequest(s.from, m)

	reply := s.recvFrom0()
	ack, ok := reply.(*message.AcceptAck)
	c.Assert(ok, check.Equals, true)
	c.Assert(ack.Ballot, check.Equals, m.Ballot)

	inst := s.r.instances.Get(sl)
	c.Assert(inst.Status, check.Equals, Accepted)
	c.Assert(inst.Seq, check.Equals, uint64(9))
	c.Assert(inst.Deps.Contains(dep), check.Equals, true)
}

func (s *AcceptorTest) TestAcceptNacksStaleBallot(c *check.C) {
	sl := slot.New(1, 0)
	inst, _ := s.r.instances.LoadOrCreate(sl)
	inst.Ballot = slot.Ballot{Epoch: 0, Number: 5, Owner: 1}
	s.r.instances.Put(inst)

	m := &message.AcceptRequest{Slot: sl, Ballot: slot.Ballot{Epoch: 0, Number: 1, Owner: 1}}
	s.r.handleAcceptRequest(s.from, m)

	_, ok := s.recvFrom0().(*message.AcceptNack)
	c.Assert(ok, check.Equals, true)
}

// Commit is never Nacked and sends no reply (P6, P5): repeated delivery to
// an already-Committed instance is a complete no-op.
func (s *AcceptorTest) TestCommitIsIdempotentAndSendsNoReply(c *check.C) {
	sl := slot.New(1, 0)
	cmd := command.Command{Keys: []command.Key{"a"}}
	m := &message.CommitRequest{Slot: sl, Ballot: slot.InitialBallot(0, 1), Command: cmd, Seq: 1, Deps: nil}

	s.r.handleCommitRequest(s.from, m)
	first := s.r.instances.Get(sl)
	c.Assert(first.Status, check.Equals, Committed)
	c.Assert(s.recvFrom0(), check.IsNil)

	s.r.handleCommitRequest(s.from, m)
	s.r.handleCommitRequest(s.from, m)
	second := s.r.instances.Get(sl)
	c.Assert(second.Seq, check.Equals, first.Seq)
	c.Assert(second.Command, check.DeepEquals, first.Command)
	c.Assert(s.recvFrom0(), check.IsNil)
}

func (s *AcceptorTest) TestPrepareNacksAtBallotLessOrEqual(c *check.C) {
	sl := slot.New(1, 0)
	inst, _ := s.r.instances.LoadOrCreate(sl)
	inst.Ballot = slot.Ballot{Epoch: 0, Number: 5, Owner: 1}
	s.r.instances.Put(inst)

	m := &message.PrepareRequest{Slot: sl, Ballot: slot.Ballot{Epoch: 0, Number: 5, Owner: 1}}
	s.r.handlePrepareRequest(s.from, m)

	_, ok := s.recvFrom0().(*message.PrepareNack)
	c.Assert(ok, check.Equals, true)
}

// A Prepare Ack must carry the instance's pre-update ballot, not the
// incoming Prepare's ballot: decideRecovery's rule (c) relies on seeing the
// ballot the replica actually held before this Prepare arrived.
func (s *AcceptorTest) TestPrepareAckCarriesPreUpdateBallot(c *check.C) {
	sl := slot.New(1, 0)
	original := slot.InitialBallot(0, 1)
	inst, _ := s.r.instances.LoadOrCreate(sl)
	inst.Ballot = original
	inst.Status = PreAccepted
	inst.Command = command.Command{Keys: []command.Key{"a"}}
	inst.HasCmd = true
	s.r.instances.Put(inst)

	newBallot := slot.Ballot{Epoch: 0, Number: 1, Owner: 2}
	m := &message.PrepareRequest{Slot: sl, Ballot: newBallot}
	s.r.handlePrepareRequest(2, m)

	select {
	case env := <-s.to2.Inbox():
		ack, ok := env.Msg.(*message.PrepareAck)
		c.Assert(ok, check.Equals, true)
		c.Assert(ack.Ballot, check.Equals, original)
		c.Assert(ack.State, check.Equals, message.StatePreAccepted)
		c.Assert(ack.HasCommand, check.Equals, true)
	default:
		c.Fatal("expected a PrepareAck")
	}

	// and the instance's own ballot is now raised to the incoming one
	c.Assert(s.r.instances.Get(sl).Ballot, check.Equals, newBallot)
}
