package consensus

import (
	"gopkg.in/check.v1"

	"github.com/bdeggleston/epaxos/internal/slot"
	"github.com/bdeggleston/epaxos/internal/transport"
)

type SuccessorTest struct{}

var _ = check.Suite(&SuccessorTest{})

func (s *SuccessorTest) TestSuccessorDistanceWrapsAroundLeader(c *check.C) {
	sl := slot.New(1, 0)
	c.Assert(successorDistance(sl, 1, 4), check.Equals, uint64(0))
	c.Assert(successorDistance(sl, 2, 4), check.Equals, uint64(1))
	c.Assert(successorDistance(sl, 3, 4), check.Equals, uint64(2))
	c.Assert(successorDistance(sl, 0, 4), check.Equals, uint64(3))
}

// With deferral enabled, a replica farther down the successor order from
// the slot's original leader arms a strictly longer watchdog than one
// closer to it -- the leader's nearest successor gets first crack at
// recovering a stalled slot.
func (s *SuccessorTest) TestArmWatchdogStaggersBySuccessorDistance(c *check.C) {
	cfg := testConfig()
	cfg.SuccessorDeferralEnabled = true

	ids := []slot.ReplicaID{0, 1, 2, 3}
	channels := transport.NewHub(ids)
	near := NewReplica(1, []slot.ReplicaID{0, 2, 3}, channels[1], cfg, nil)
	far := NewReplica(2, []slot.ReplicaID{0, 1, 3}, channels[2], cfg, nil)

	sl := slot.New(0, 0) // original leader is replica 0
	near.armWatchdog(sl)
	far.armWatchdog(sl)

	nearWait, ok := near.timeouts.MinimumWait(0)
	c.Assert(ok, check.Equals, true)
	farWait, ok := far.timeouts.MinimumWait(0)
	c.Assert(ok, check.Equals, true)
	c.Assert(farWait > nearWait, check.Equals, true)
}

// Without deferral, every watching replica arms the same watchdog length
// regardless of its position relative to the original leader.
func (s *SuccessorTest) TestArmWatchdogUnstaggeredWhenDeferralDisabled(c *check.C) {
	cfg := testConfig()
	cfg.SuccessorDeferralEnabled = false

	ids := []slot.ReplicaID{0, 1, 2, 3}
	channels := transport.NewHub(ids)
	near := NewReplica(1, []slot.ReplicaID{0, 2, 3}, channels[1], cfg, nil)
	far := NewReplica(2, []slot.ReplicaID{0, 1, 3}, channels[2], cfg, nil)

	sl := slot.New(0, 0)
	near.armWatchdog(sl)
	far.armWatchdog(sl)

	nearWait, _ := near.timeouts.MinimumWait(0)
	farWait, _ := far.timeouts.MinimumWait(0)
	c.Assert(nearWait, check.Equals, farWait)
}
