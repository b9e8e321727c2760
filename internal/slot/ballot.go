package slot

import "fmt"

// Epoch is reserved for the cross-epoch reconfiguration protocol, which is
// out of scope for this module (see SPEC_FULL.md §1, Non-goals). It is
// carried in every Ballot so the wire format and comparisons already have a
// place for it; this module only ever constructs epoch 0.
type Epoch uint32

// BallotNum orders competing proposers for the same slot.
type BallotNum uint32

// Ballot is compared lexicographically by (Epoch, Number, Owner). Every
// instance begins at ballot (epoch, 0, leader-of-instance).
type Ballot struct {
	Epoch  Epoch
	Number BallotNum
	Owner  ReplicaID
}

func InitialBallot(epoch Epoch, owner ReplicaID) Ballot {
	return Ballot{Epoch: epoch, Number: 0, Owner: owner}
}

func (b Ballot) String() string {
	return fmt.Sprintf("(%d,%d,%d)", b.Epoch, b.Number, b.Owner)
}

// Less implements the lexicographic ballot ordering used to decide which
// of two ballots for the same slot wins.
func (b Ballot) Less(o Ballot) bool {
	if b.Epoch != o.Epoch {
		return b.Epoch < o.Epoch
	}
	if b.Number != o.Number {
		return b.Number < o.Number
	}
	return b.Owner < o.Owner
}

func (b Ballot) LessEqual(o Ballot) bool {
	return !o.Less(b)
}

// Next returns a ballot in the given epoch with number highest+1, owned by
// owner. Callers pass the highest ballot number observed so far for the
// slot, so the result is strictly greater than any ballot seen.
func Next(epoch Epoch, highest BallotNum, owner ReplicaID) Ballot {
	return Ballot{Epoch: epoch, Number: highest + 1, Owner: owner}
}
