// Package transport defines the reliable-enough, per-peer datagram channel
// the consensus core requires (SPEC_FULL.md §1, §6) and an in-process
// implementation used by tests and local development. A production
// deployment would swap Local for a real message-router socket library;
// the core only ever talks to the Channel interface.
package transport

import (
	"bufio"
	"bytes"
	"fmt"
	"sync"

	"github.com/bdeggleston/epaxos/internal/message"
	"github.com/bdeggleston/epaxos/internal/slot"
)

// Envelope pairs an inbound message with the peer it arrived from.
type Envelope struct {
	From slot.ReplicaID
	Msg  message.Message
}

// Channel is the only thing the consensus core needs from a transport:
// per-peer addressing, send, and an inbound queue. Duplicates and loss are
// tolerated by the core (SPEC_FULL.md §6); ordering per peer is assumed.
type Channel interface {
	LocalID() slot.ReplicaID
	Peers() []slot.ReplicaID
	Send(to slot.ReplicaID, msg message.Message) error
	Inbox() <-chan Envelope
}

// Local is an in-process Channel backed by buffered Go channels, one hub
// shared by every replica in a test cluster. It round-trips every message
// through the wire encoding (grounded on the teacher's mockNode.SendMessage
// in testing_mocks.go) so encoding bugs surface in tests that never touch a
// real socket.
type Local struct {
	id      slot.ReplicaID
	hub     *hub
	inbox   chan Envelope
	mu      sync.Mutex
	dropped bool
}

type hub struct {
	mu    sync.Mutex
	nodes map[slot.ReplicaID]*Local
}

// NewHub creates a set of interconnected Local channels, one per id in ids.
func NewHub(ids []slot.ReplicaID) map[slot.ReplicaID]*Local {
	h := &hub{nodes: make(map[slot.ReplicaID]*Local, len(ids))}
	out := make(map[slot.ReplicaID]*Local, len(ids))
	for _, id := range ids {
		l := &Local{id: id, hub: h, inbox: make(chan Envelope, 4096)}
		h.nodes[id] = l
		out[id] = l
	}
	return out
}

func (l *Local) LocalID() slot.ReplicaID { return l.id }

func (l *Local) Peers() []slot.ReplicaID {
	l.hub.mu.Lock()
	defer l.hub.mu.Unlock()
	out := make([]slot.ReplicaID, 0, len(l.hub.nodes)-1)
	for id := range l.hub.nodes {
		if id != l.id {
			out = append(out, id)
		}
	}
	return out
}

func (l *Local) Inbox() <-chan Envelope { return l.inbox }

// Partition drops every message sent by this replica until repaired,
// mirroring mockNode.partition in the teacher's test harness.
func (l *Local) Partition(dropped bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropped = dropped
}

func (l *Local) isPartitioned() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

func (l *Local) Send(to slot.ReplicaID, msg message.Message) error {
	if l.isPartitioned() {
		return fmt.Errorf("transport: local replica %d is partitioned", l.id)
	}
	l.hub.mu.Lock()
	dst, ok := l.hub.nodes[to]
	l.hub.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: unknown peer %d", to)
	}

	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	if err := message.WriteMessage(w, msg); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	wire, err := message.ReadMessage(bufio.NewReader(buf))
	if err != nil {
		return err
	}

	select {
	case dst.inbox <- Envelope{From: l.id, Msg: wire}:
		return nil
	default:
		return fmt.Errorf("transport: inbox full for replica %d", to)
	}
}
