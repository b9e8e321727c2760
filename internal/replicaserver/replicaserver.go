// Package replicaserver gives the consensus core's client-facing behavior a
// concrete Go shape: Propose(ctx, command) (Slot, error), the signature
// original_source/dsm/epaxos/network/peer.py's ClientInterface/
// LeaderInterface imply for a caller that just wants a command to commit
// (SPEC_FULL.md §4.9). consensus.Replica.Propose already does the real
// work; this package only adds context cancellation and, for a caller
// without direct access to a Replica value, the wire-level ClientRequest
// path.
package replicaserver

import (
	"context"

	"github.com/bdeggleston/epaxos/internal/command"
	"github.com/bdeggleston/epaxos/internal/consensus"
	"github.com/bdeggleston/epaxos/internal/message"
	"github.com/bdeggleston/epaxos/internal/slot"
	"github.com/bdeggleston/epaxos/internal/transport"
)

// Server wraps a collocated Replica, the path a local application state
// machine uses.
type Server struct {
	replica *consensus.Replica
}

func New(r *consensus.Replica) *Server {
	return &Server{replica: r}
}

// Propose blocks until cmd's instance commits and executes on the local
// replica, or ctx is done. The teacher's commit/execute waiters
// (Scope.commitNotify / executeNotify in scope.go) block a caller on a
// sync.Cond; Propose's buffered done channel serves the same purpose
// without needing the caller to hold any lock.
func (s *Server) Propose(ctx context.Context, cmd command.Command) (slot.Slot, error) {
	result := s.replica.Propose(cmd)
	select {
	case inst := <-result:
		return inst.Slot, nil
	case <-ctx.Done():
		return slot.Slot{}, ctx.Err()
	}
}

// RemoteClient drives Propose over the wire ClientRequest/ClientResponse
// path (§6) against a replica this process doesn't hold directly -- the
// shape a separate client process uses.
type RemoteClient struct {
	channel transport.Channel
}

func NewRemoteClient(channel transport.Channel) *RemoteClient {
	return &RemoteClient{channel: channel}
}

// Propose sends a ClientRequest to the given replica and waits for the
// matching ClientResponse, discarding any reply correlated to a different
// request (a prior Propose call's response arriving late).
func (c *RemoteClient) Propose(ctx context.Context, to slot.ReplicaID, cmd command.Command) (slot.Slot, error) {
	reqID := message.NewClientRequestID()
	if err := c.channel.Send(to, &message.ClientRequest{ClientPeerID: reqID, Command: cmd}); err != nil {
		return slot.Slot{}, err
	}
	for {
		select {
		case env := <-c.channel.Inbox():
			resp, ok := env.Msg.(*message.ClientResponse)
			if !ok || resp.ClientPeerID != reqID {
				continue
			}
			return resp.Slot, nil
		case <-ctx.Done():
			return slot.Slot{}, ctx.Err()
		}
	}
}
