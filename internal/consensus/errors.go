package consensus

import "fmt"

// StaleBallotError is returned when a message's ballot is below the
// instance's current ballot (SPEC_FULL.md §7). It is never fatal: the
// sender gets a Nack carrying the current ballot so it can advance.
type StaleBallotError struct {
	Slot    fmt.Stringer
	Current fmt.Stringer
	Got     fmt.Stringer
}

func (e StaleBallotError) Error() string {
	return fmt.Sprintf("stale ballot for slot %v: have %v, got %v", e.Slot, e.Current, e.Got)
}

// InvalidStatusUpdateError means a caller tried to move an instance
// backwards in the lifecycle (e.g. Accept after Commit). Handlers answer
// it with a Nack rather than propagating it, per I2.
type InvalidStatusUpdateError struct {
	Slot      fmt.Stringer
	Have      Status
	Attempted Status
}

func (e InvalidStatusUpdateError) Error() string {
	return fmt.Sprintf("invalid status update for slot %v: have %v, attempted %v", e.Slot, e.Have, e.Attempted)
}

// BallotError means a leader's PreAccept/Accept/Prepare broadcast was
// rejected at the sent ballot by at least one replica.
type BallotError struct {
	Reason string
}

func (e BallotError) Error() string { return "ballot rejected: " + e.Reason }

// TimeoutError means a leader attempt's quorum never arrived in time.
// SPEC_FULL.md §7 calls this QuorumLost; it triggers recovery at a higher
// ballot.
type TimeoutError struct {
	Reason string
}

func (e TimeoutError) Error() string { return "timeout: " + e.Reason }

// CommandDecodeError means an inbound message's command payload could not
// be decoded. The message is dropped; the sender's retry will replace it.
type CommandDecodeError struct {
	Reason string
}

func (e CommandDecodeError) Error() string { return "command decode failed: " + e.Reason }
