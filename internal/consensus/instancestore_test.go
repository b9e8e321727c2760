package consensus

import (
	"gopkg.in/check.v1"

	"github.com/bdeggleston/epaxos/internal/slot"
)

type InstanceStoreTest struct {
	store *InstanceStore
}

var _ = check.Suite(&InstanceStoreTest{})

func (s *InstanceStoreTest) SetUpTest(c *check.C) {
	s.store = NewInstanceStore()
}

func (s *InstanceStoreTest) TestGetUnknownSlotIsNil(c *check.C) {
	c.Assert(s.store.Get(slot.New(0, 0)), check.IsNil)
}

func (s *InstanceStoreTest) TestLoadOrCreateCreatesPlaceholder(c *check.C) {
	sl := slot.New(0, 0)
	inst, created := s.store.LoadOrCreate(sl)
	c.Assert(created, check.Equals, true)
	c.Assert(inst.Status, check.Equals, Prepared)
	c.Assert(inst.HasCmd, check.Equals, false)

	again, created := s.store.LoadOrCreate(sl)
	c.Assert(created, check.Equals, false)
	c.Assert(again, check.Equals, inst)
}

// Ballots never decrease (I1): a transition proposing a lower ballot than
// the instance currently holds must be rejected.
func (s *InstanceStoreTest) TestCheckTransitionRejectsLowerBallot(c *check.C) {
	sl := slot.New(0, 0)
	inst, _ := s.store.LoadOrCreate(sl)
	inst.Ballot = slot.Ballot{Epoch: 0, Number: 5, Owner: 0}
	s.store.Put(inst)

	err := s.store.CheckTransition(inst, PreAccepted, slot.Ballot{Epoch: 0, Number: 3, Owner: 0})
	c.Assert(err, check.NotNil)
	_, ok := err.(StaleBallotError)
	c.Assert(ok, check.Equals, true)
}

func (s *InstanceStoreTest) TestCheckTransitionAcceptsEqualOrHigherBallot(c *check.C) {
	sl := slot.New(0, 0)
	inst, _ := s.store.LoadOrCreate(sl)
	inst.Ballot = slot.Ballot{Epoch: 0, Number: 5, Owner: 0}
	s.store.Put(inst)

	err := s.store.CheckTransition(inst, PreAccepted, slot.Ballot{Epoch: 0, Number: 5, Owner: 0})
	c.Assert(err, check.IsNil)
	err = s.store.CheckTransition(inst, Accepted, slot.Ballot{Epoch: 0, Number: 6, Owner: 0})
	c.Assert(err, check.IsNil)
}

// Once Committed, a PreAccept/Accept message can never move the instance
// backward, even at a higher ballot (I2: the value is frozen, not just the
// ballot).
func (s *InstanceStoreTest) TestCheckTransitionRejectsRegressionAfterCommit(c *check.C) {
	sl := slot.New(0, 0)
	inst, _ := s.store.LoadOrCreate(sl)
	inst.Status = Committed
	inst.Ballot = slot.Ballot{Epoch: 0, Number: 1, Owner: 0}
	s.store.Put(inst)

	err := s.store.CheckTransition(inst, Accepted, slot.Ballot{Epoch: 0, Number: 9, Owner: 0})
	c.Assert(err, check.NotNil)
	_, ok := err.(InvalidStatusUpdateError)
	c.Assert(ok, check.Equals, true)
}

func (s *InstanceStoreTest) TestExecutedCutAdvancesOverContiguousPrefix(c *check.C) {
	r := slot.ReplicaID(0)
	for i := slot.InstanceNum(0); i < 3; i++ {
		inst, _ := s.store.LoadOrCreate(slot.New(r, i))
		inst.Status = Executed
		s.store.Put(inst)
	}
	// leave instance 4 unexecuted, skipping 3
	inst, _ := s.store.LoadOrCreate(slot.New(r, 4))
	inst.Status = Committed
	s.store.Put(inst)

	cut := s.store.ExecutedCut()
	c.Assert(cut[r], check.Equals, int64(2))
}

func (s *InstanceStoreTest) TestExecutedCutDefaultsToMinusOne(c *check.C) {
	s.store.LoadOrCreate(slot.New(0, 0))
	cut := s.store.ExecutedCut()
	c.Assert(cut[slot.ReplicaID(0)], check.Equals, int64(-1))
}

func (s *InstanceStoreTest) TestIterStateFiltersByStatus(c *check.C) {
	a, _ := s.store.LoadOrCreate(slot.New(0, 0))
	a.Status = Committed
	s.store.Put(a)

	b, _ := s.store.LoadOrCreate(slot.New(0, 1))
	b.Status = PreAccepted
	s.store.Put(b)

	committed := s.store.IterState(Committed)
	c.Assert(len(committed), check.Equals, 1)
	c.Assert(committed[0].Slot, check.Equals, a.Slot)
}
