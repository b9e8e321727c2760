package consensus

import (
	"gopkg.in/check.v1"

	"github.com/bdeggleston/epaxos/internal/command"
	"github.com/bdeggleston/epaxos/internal/message"
	"github.com/bdeggleston/epaxos/internal/slot"
	"github.com/bdeggleston/epaxos/internal/transport"
)

type ExecutorTest struct {
	r *Replica
}

var _ = check.Suite(&ExecutorTest{})

func (s *ExecutorTest) SetUpTest(c *check.C) {
	channels := transport.NewHub([]slot.ReplicaID{0, 1, 2})
	s.r = NewReplica(0, []slot.ReplicaID{1, 2}, channels[0], testConfig(), nil)
}

func (s *ExecutorTest) commit(sl slot.Slot, seq uint64, deps slot.Set, cmd command.Command) *Instance {
	inst, _ := s.r.instances.LoadOrCreate(sl)
	inst.Status = Committed
	inst.Seq = seq
	inst.Deps = deps
	inst.Command = cmd
	inst.HasCmd = true
	s.r.instances.Put(inst)
	return inst
}

// watchOrder routes each slot's execution notice back to replica 0's own
// inbox as a ClientResponse, so executionOrder can read the order in which
// the executor handed instances to notifyPending.
func (s *ExecutorTest) watchOrder(slots ...slot.Slot) {
	for _, sl := range slots {
		s.r.clientReplies[sl] = clientReplyTarget{peer: 0}
	}
}

func (s *ExecutorTest) executionOrder() []slot.Slot {
	var out []slot.Slot
	for {
		select {
		case env := <-s.r.channel.Inbox():
			if resp, ok := env.Msg.(*message.ClientResponse); ok {
				out = append(out, resp.Slot)
			}
		default:
			return out
		}
	}
}

// A Committed instance whose dependency is still only PreAccepted must not
// execute: it waits without blocking anything independent of it (§4.6
// step 1).
func (s *ExecutorTest) TestBlocksOnUncommittedDependency(c *check.C) {
	dep := slot.New(1, 0)
	di, _ := s.r.instances.LoadOrCreate(dep)
	di.Status = PreAccepted
	s.r.instances.Put(di)

	x := slot.New(0, 0)
	s.commit(x, 1, slot.NewSet(dep), command.Command{Keys: []command.Key{"a"}})

	s.r.DrainExecutor()
	c.Assert(s.r.instances.Get(x).Status, check.Equals, Committed)
}

// Independent committed instances with no interfering dependency each
// execute as a singleton SCC.
func (s *ExecutorTest) TestIndependentInstancesExecute(c *check.C) {
	x := slot.New(0, 0)
	y := slot.New(1, 0)
	s.commit(x, 1, slot.NewSet(), command.Command{Keys: []command.Key{"a"}})
	s.commit(y, 1, slot.NewSet(), command.Command{Keys: []command.Key{"b"}})

	s.r.DrainExecutor()
	c.Assert(s.r.instances.Get(x).Status, check.Equals, Executed)
	c.Assert(s.r.instances.Get(y).Status, check.Equals, Executed)
}

// A committed instance executes only once its committed dependency has
// itself executed, and in seq order (P2/P3).
func (s *ExecutorTest) TestExecutesInSeqOrderAcrossChain(c *check.C) {
	x := slot.New(0, 0)
	y := slot.New(1, 0)
	s.commit(x, 1, slot.NewSet(), command.Command{Keys: []command.Key{"a"}})
	s.commit(y, 2, slot.NewSet(x), command.Command{Keys: []command.Key{"a"}})
	s.watchOrder(x, y)

	s.r.DrainExecutor()
	xi := s.r.instances.Get(x)
	yi := s.r.instances.Get(y)
	c.Assert(xi.Status, check.Equals, Executed)
	c.Assert(yi.Status, check.Equals, Executed)
	c.Assert(s.executionOrder(), check.DeepEquals, []slot.Slot{x, y})
	c.Assert(s.r.instances.ExecutedCut()[0], check.Equals, int64(0))
	c.Assert(s.r.instances.ExecutedCut()[1], check.Equals, int64(0))
}

// Two instances that depend on each other form a cycle (a legitimate
// outcome of concurrent interfering proposals); the executor must still
// execute both, ordered deterministically by (seq, replica, instance).
func (s *ExecutorTest) TestCyclicDependencyExecutesBothOrderedBySeq(c *check.C) {
	x := slot.New(0, 0)
	y := slot.New(1, 0)
	s.commit(x, 2, slot.NewSet(y), command.Command{Keys: []command.Key{"a"}})
	s.commit(y, 1, slot.NewSet(x), command.Command{Keys: []command.Key{"a"}})
	s.watchOrder(x, y)

	s.r.DrainExecutor()
	c.Assert(s.r.instances.Get(x).Status, check.Equals, Executed)
	c.Assert(s.r.instances.Get(y).Status, check.Equals, Executed)
	c.Assert(s.executionOrder(), check.DeepEquals, []slot.Slot{y, x})
}

// A dependency pointing at an already-Executed instance is a dead end:
// it must not prevent the dependent instance from executing.
func (s *ExecutorTest) TestExecutedDependencyIsDeadEnd(c *check.C) {
	dep := slot.New(1, 0)
	di, _ := s.r.instances.LoadOrCreate(dep)
	di.Status = Executed
	di.executed = true
	s.r.instances.Put(di)

	x := slot.New(0, 0)
	s.commit(x, 1, slot.NewSet(dep), command.Command{Keys: []command.Key{"a"}})

	s.r.DrainExecutor()
	c.Assert(s.r.instances.Get(x).Status, check.Equals, Executed)
}

// A no-op still advances executed_cut even though the application never
// observes it.
func (s *ExecutorTest) TestNoopAdvancesExecutedCutWithoutNotify(c *check.C) {
	x := slot.New(0, 0)
	s.commit(x, 1, slot.NewSet(), command.Noop())

	s.r.DrainExecutor()
	c.Assert(s.r.instances.Get(x).Status, check.Equals, Executed)
	c.Assert(s.r.instances.ExecutedCut()[0], check.Equals, int64(0))
}
