package consensus

import (
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"

	"github.com/bdeggleston/epaxos/internal/command"
	"github.com/bdeggleston/epaxos/internal/message"
	"github.com/bdeggleston/epaxos/internal/slot"
	"github.com/bdeggleston/epaxos/internal/transport"
)

// Replica is local identity, quorum configuration, the logical clock, the
// peer set, and the transport handle (SPEC_FULL.md §2.4). It is the single
// owner of every piece of mutable state in this package; the event loop in
// Run is the only goroutine that ever touches it, so none of that state
// needs a lock (§5).
type Replica struct {
	id     slot.ReplicaID
	peers  []slot.ReplicaID
	config Config

	channel transport.Channel
	stats   statsd.Statter

	instances *InstanceStore
	deps      *DependencyStore
	timeouts  *TimeoutStore

	leaders map[slot.Slot]*leaderState

	now uint64 // logical tick counter, the one timebase (§9)

	nextLocal slot.InstanceNum

	// pending holds commands this replica proposed locally that have not
	// yet been bound to a slot's execution result; Propose callers receive
	// the instance on the channel they're given once it executes.
	pending map[slot.Slot]chan *Instance

	// proposeCh carries Propose calls from whatever goroutine invokes them
	// into the single loop that owns every other field on Replica (§5):
	// Propose itself never touches instances/deps/leaders directly, so a
	// caller on another goroutine (as cmd/epaxos-replica's demo does) can't
	// race Run's processing of inbound messages.
	proposeCh chan proposeRequest

	// clientReplies remembers which remote client a slot's ClientRequest
	// came from, so the executor can route its ClientResponse back once
	// the instance executes (SPEC_FULL.md §4.9).
	clientReplies map[slot.Slot]clientReplyTarget

	executor *executor
}

type clientReplyTarget struct {
	peer slot.ReplicaID
	id   message.ClientRequestID
}

// proposeRequest is one Propose call waiting to be handed to the event
// loop.
type proposeRequest struct {
	cmd  command.Command
	done chan *Instance
}

func NewReplica(id slot.ReplicaID, peers []slot.ReplicaID, channel transport.Channel, config Config, stats statsd.Statter) *Replica {
	if stats == nil {
		stats = NewNoopStatter()
	}
	r := &Replica{
		id:        id,
		peers:     peers,
		config:    config,
		channel:   channel,
		stats:     stats,
		instances:     NewInstanceStore(),
		deps:          NewDependencyStore(),
		timeouts:      NewTimeoutStore(),
		leaders:       make(map[slot.Slot]*leaderState),
		pending:       make(map[slot.Slot]chan *Instance),
		clientReplies: make(map[slot.Slot]clientReplyTarget),
		proposeCh:     make(chan proposeRequest, 256),
	}
	r.executor = newExecutor(r)
	return r
}

func (r *Replica) GetLocalID() slot.ReplicaID { return r.id }

func (r *Replica) numReplicas() int { return len(r.peers) + 1 }

func (r *Replica) allocSlot() slot.Slot {
	num := r.nextLocal
	r.nextLocal++
	return slot.New(r.id, num)
}

// Tick advances the logical clock by one and services any timeouts that
// are now due. The replica loop calls this on a cadence derived from
// Config.SecondsPerTick; nothing here blocks.
func (r *Replica) Tick() {
	r.now++
	for _, s := range r.timeouts.Expired(r.now) {
		r.onTimeout(s)
	}
}

// Deliver processes exactly one inbound envelope to completion before
// returning, which is what makes a Commit for slot S atomic relative to
// any concurrent PreAccept/Accept for S (§5).
func (r *Replica) Deliver(env transport.Envelope) {
	switch m := env.Msg.(type) {
	case *message.PreAcceptRequest:
		r.handlePreAcceptRequest(env.From, m)
	case *message.PreAcceptAck:
		r.handlePreAcceptAck(env.From, m)
	case *message.PreAcceptNack:
		r.handlePreAcceptNack(env.From, m)
	case *message.AcceptRequest:
		r.handleAcceptRequest(env.From, m)
	case *message.AcceptAck:
		r.handleAcceptAck(env.From, m)
	case *message.AcceptNack:
		r.handleAcceptNack(env.From, m)
	case *message.CommitRequest:
		r.handleCommitRequest(env.From, m)
	case *message.PrepareRequest:
		r.handlePrepareRequest(env.From, m)
	case *message.PrepareAck:
		r.handlePrepareAck(env.From, m)
	case *message.PrepareNack:
		r.handlePrepareNack(env.From, m)
	case *message.ClientRequest:
		r.handleClientRequest(env.From, m)
	default:
		logger.Warning("[%v] unexpected message type %T from %v", r.id, m, env.From)
	}
	r.DrainExecutor()
}

// DrainExecutor runs the executor over every committed-but-not-executed
// instance. It is idempotent and cheap to call after every message and
// every tick (§2, §5: "The Executor runs whenever new commits appear").
func (r *Replica) DrainExecutor() {
	r.executor.drain()
}

// Run is the single cooperative event loop (§5): drain inbound messages,
// tick the clock, service expired timeouts, drain the executor, and
// suspend on the transport for at most min(next_timeout, tick_interval).
// It returns when done is closed.
func (r *Replica) Run(done <-chan struct{}) {
	tickInterval := time.Duration(r.config.SecondsPerTick * float64(time.Second))
	if tickInterval <= 0 {
		tickInterval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case env := <-r.channel.Inbox():
			r.Deliver(env)
		case req := <-r.proposeCh:
			r.applyPropose(req)
			r.DrainExecutor()
		case <-ticker.C:
			r.Tick()
			r.DrainExecutor()
		}
	}
}

// sendTo frames and sends msg to peer, logging (not propagating) any
// transport error: the leader/acceptor roles never treat a failed send as
// fatal, since loss is tolerated and the leader's own timeout will retry
// via recovery (§6 transport contract).
func (r *Replica) sendTo(peer slot.ReplicaID, msg message.Message) {
	if err := r.channel.Send(peer, msg); err != nil {
		logger.Debug("[%v] send to %v failed: %v", r.id, peer, err)
	}
}

func (r *Replica) broadcast(msg message.Message) {
	for _, p := range r.peers {
		r.sendTo(p, msg)
	}
}

// armRecoveryTimeout arms (or re-arms) the Prepare timeout for a slot this
// replica leads -- either as the instance's original leader or as the
// replica currently driving a recovery attempt for it.
func (r *Replica) armRecoveryTimeout(s slot.Slot) {
	r.timeouts.Arm(s, r.now, r.config.JiffiesPerTimeout)
}

// successorDistance is id's position in the successor order that follows
// a slot's original leader, wrapping around the cluster: 0 is the leader
// itself, 1 is its immediate successor, and so on. Grounded on the
// teacher's instance.getSuccessors() / managerDeferToSuccessor, which walk
// replicas in this same order and give each one further down the list
// progressively longer to wait before taking over a stalled prepare.
func successorDistance(s slot.Slot, id slot.ReplicaID, n int) uint64 {
	return uint64((int(id)-int(s.Replica)+n) % n)
}

// armWatchdog arms the timeout a replica that does NOT lead s uses to
// decide when to stop waiting on the leader and start its own recovery
// attempt. With SuccessorDeferralEnabled, replicas further down the
// successor order from the original leader wait longer, so the leader's
// nearest successor gets first chance to recover the slot instead of
// every peer racing Prepare at once (SPEC_FULL.md's successor-deferred
// recovery feature).
func (r *Replica) armWatchdog(s slot.Slot) {
	deadline := r.config.JiffiesPerTimeout
	if r.config.SuccessorDeferralEnabled {
		deadline += successorDistance(s, r.id, r.numReplicas()) * r.config.JiffiesPerTimeout
	}
	r.timeouts.Arm(s, r.now, deadline)
}

// Propose is the client request path's entry point (§4.5). It is safe to
// call from any goroutine: the actual slot allocation and PreAccept
// broadcast happen on the event loop's goroutine once Run (or, for a
// Replica driven without Run, DrainProposals) picks the request up. done
// fires with the instance once it commits and executes locally.
func (r *Replica) Propose(cmd command.Command) chan *Instance {
	done := make(chan *Instance, 1)
	r.proposeCh <- proposeRequest{cmd: cmd, done: done}
	return done
}

// DrainProposals hands every Propose call queued since the last drain to
// startLeaderFlow, on whatever goroutine calls it. Run does not call it;
// Run takes queued requests off the same channel itself, one per loop
// iteration. A test harness driving a Replica directly without Run must
// call it itself after Propose (testCluster.pump does).
func (r *Replica) DrainProposals() {
	for {
		select {
		case req := <-r.proposeCh:
			r.applyPropose(req)
		default:
			return
		}
	}
}

func (r *Replica) applyPropose(req proposeRequest) {
	s := r.allocSlot()
	r.pending[s] = req.done
	r.startLeaderFlow(s, req.cmd, slot.InitialBallot(r.config.Epoch, r.id))
}

// notifyPending delivers an executed instance to any local Propose caller,
// and to any remote client whose ClientRequest created this slot.
func (r *Replica) notifyPending(inst *Instance) {
	if ch, ok := r.pending[inst.Slot]; ok {
		delete(r.pending, inst.Slot)
		ch <- inst
		close(ch)
	}
	if target, ok := r.clientReplies[inst.Slot]; ok {
		delete(r.clientReplies, inst.Slot)
		r.sendTo(target.peer, &message.ClientResponse{ClientPeerID: target.id, Slot: inst.Slot, Command: inst.Command})
	}
}

func (r *Replica) handleClientRequest(from slot.ReplicaID, m *message.ClientRequest) {
	s := r.allocSlot()
	r.clientReplies[s] = clientReplyTarget{peer: from, id: m.ClientPeerID}
	r.startLeaderFlow(s, m.Command, slot.InitialBallot(r.config.Epoch, r.id))
}
