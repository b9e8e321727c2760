package consensus

import (
	"gopkg.in/check.v1"

	"github.com/bdeggleston/epaxos/internal/command"
	"github.com/bdeggleston/epaxos/internal/slot"
	"github.com/bdeggleston/epaxos/internal/transport"
)

type ReplicaTest struct{}

var _ = check.Suite(&ReplicaTest{})

// Propose must not mutate replica state itself -- it only enqueues. A
// caller on a different goroutine than the one driving Run (or, in a
// test, DrainProposals) must never observe slot allocation or a broadcast
// happen synchronously inside the Propose call.
func (s *ReplicaTest) TestProposeDoesNotAllocateUntilDrained(c *check.C) {
	channels := transport.NewHub([]slot.ReplicaID{0, 1, 2})
	r := NewReplica(0, []slot.ReplicaID{1, 2}, channels[0], testConfig(), nil)

	r.Propose(command.Command{Keys: []command.Key{"x"}})
	c.Assert(r.instances.Get(slot.New(0, 0)), check.IsNil)

	r.DrainProposals()
	c.Assert(r.instances.Get(slot.New(0, 0)), check.NotNil)
}

// Multiple queued Propose calls are drained in the order they arrived,
// each getting its own slot.
func (s *ReplicaTest) TestDrainProposalsProcessesInOrder(c *check.C) {
	channels := transport.NewHub([]slot.ReplicaID{0, 1, 2})
	r := NewReplica(0, []slot.ReplicaID{1, 2}, channels[0], testConfig(), nil)

	r.Propose(command.Command{Keys: []command.Key{"x"}})
	r.Propose(command.Command{Keys: []command.Key{"y"}})
	r.DrainProposals()

	first := r.instances.Get(slot.New(0, 0))
	second := r.instances.Get(slot.New(0, 1))
	c.Assert(first.Command.Keys[0], check.Equals, command.Key("x"))
	c.Assert(second.Command.Keys[0], check.Equals, command.Key("y"))
}
