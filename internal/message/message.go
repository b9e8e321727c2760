package message

import (
	"bufio"
	"fmt"

	uuid "github.com/satori/go.uuid"

	"github.com/bdeggleston/epaxos/internal/command"
	"github.com/bdeggleston/epaxos/internal/slot"
)

// Kind discriminates the peer message union (SPEC_FULL.md §6). Replicas
// dispatch inbound messages by Kind to exactly one handler; there is no
// inheritance hierarchy between message types.
type Kind byte

const (
	KindClientRequest Kind = iota + 1
	KindClientResponse
	KindPreAcceptRequest
	KindPreAcceptAck
	KindPreAcceptNack
	KindAcceptRequest
	KindAcceptAck
	KindAcceptNack
	KindCommitRequest
	KindPrepareRequest
	KindPrepareAck
	KindPrepareNack
)

func (k Kind) String() string {
	switch k {
	case KindClientRequest:
		return "ClientRequest"
	case KindClientResponse:
		return "ClientResponse"
	case KindPreAcceptRequest:
		return "PreAcceptRequest"
	case KindPreAcceptAck:
		return "PreAcceptAck"
	case KindPreAcceptNack:
		return "PreAcceptNack"
	case KindAcceptRequest:
		return "AcceptRequest"
	case KindAcceptAck:
		return "AcceptAck"
	case KindAcceptNack:
		return "AcceptNack"
	case KindCommitRequest:
		return "CommitRequest"
	case KindPrepareRequest:
		return "PrepareRequest"
	case KindPrepareAck:
		return "PrepareAck"
	case KindPrepareNack:
		return "PrepareNack"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// Message is a frameable peer message. Every concrete type below
// implements it; handlers type-switch on the concrete type, Kind exists
// only to pick a decoder off the wire.
type Message interface {
	Kind() Kind
	Serialize(w *bufio.Writer) error
	Deserialize(r *bufio.Reader) error
}

// WriteMessage frames a message with its Kind byte and writes it.
func WriteMessage(w *bufio.Writer, m Message) error {
	if err := w.WriteByte(byte(m.Kind())); err != nil {
		return err
	}
	return m.Serialize(w)
}

// ReadMessage reads a Kind byte and decodes the matching message type.
func ReadMessage(r *bufio.Reader) (Message, error) {
	kb, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	m, err := newEmpty(Kind(kb))
	if err != nil {
		return nil, err
	}
	if err := m.Deserialize(r); err != nil {
		return nil, err
	}
	return m, nil
}

func newEmpty(k Kind) (Message, error) {
	switch k {
	case KindClientRequest:
		return &ClientRequest{}, nil
	case KindClientResponse:
		return &ClientResponse{}, nil
	case KindPreAcceptRequest:
		return &PreAcceptRequest{}, nil
	case KindPreAcceptAck:
		return &PreAcceptAck{}, nil
	case KindPreAcceptNack:
		return &PreAcceptNack{}, nil
	case KindAcceptRequest:
		return &AcceptRequest{}, nil
	case KindAcceptAck:
		return &AcceptAck{}, nil
	case KindAcceptNack:
		return &AcceptNack{}, nil
	case KindCommitRequest:
		return &CommitRequest{}, nil
	case KindPrepareRequest:
		return &PrepareRequest{}, nil
	case KindPrepareAck:
		return &PrepareAck{}, nil
	case KindPrepareNack:
		return &PrepareNack{}, nil
	default:
		return nil, fmt.Errorf("message: unknown kind %d", byte(k))
	}
}

// ClientRequestID correlates a ClientRequest with its eventual
// ClientResponse across the transport.
type ClientRequestID [16]byte

// NewClientRequestID mints a fresh request id, the same way the teacher's
// cluster package stamps a NodeId off a random UUID
// (cluster/message_test.go: NodeId(uuid.NewRandom())).
func NewClientRequestID() ClientRequestID {
	var id ClientRequestID
	copy(id[:], uuid.NewV4().Bytes())
	return id
}

// ClientRequest carries a command from a client into the replica that will
// act as its command leader.
type ClientRequest struct {
	ClientPeerID ClientRequestID
	Command      command.Command
}

func (m *ClientRequest) Kind() Kind { return KindClientRequest }

func (m *ClientRequest) Serialize(w *bufio.Writer) error {
	if err := writeBytes(w, m.ClientPeerID[:]); err != nil {
		return err
	}
	return writeCommand(w, m.Command)
}

func (m *ClientRequest) Deserialize(r *bufio.Reader) error {
	b, err := readBytes(r)
	if err != nil {
		return err
	}
	copy(m.ClientPeerID[:], b)
	m.Command, err = readCommand(r)
	return err
}

// ClientResponse is delivered back to the client once its command has
// executed.
type ClientResponse struct {
	ClientPeerID ClientRequestID
	Slot         slot.Slot
	Command      command.Command
}

func (m *ClientResponse) Kind() Kind { return KindClientResponse }

func (m *ClientResponse) Serialize(w *bufio.Writer) error {
	if err := writeBytes(w, m.ClientPeerID[:]); err != nil {
		return err
	}
	if err := writeSlot(w, m.Slot); err != nil {
		return err
	}
	return writeCommand(w, m.Command)
}

func (m *ClientResponse) Deserialize(r *bufio.Reader) error {
	b, err := readBytes(r)
	if err != nil {
		return err
	}
	copy(m.ClientPeerID[:], b)
	if m.Slot, err = readSlot(r); err != nil {
		return err
	}
	m.Command, err = readCommand(r)
	return err
}

type PreAcceptRequest struct {
	Slot    slot.Slot
	Ballot  slot.Ballot
	Command command.Command
	Seq     uint64
	Deps    []slot.Slot
}

func (m *PreAcceptRequest) Kind() Kind { return KindPreAcceptRequest }

func (m *PreAcceptRequest) Serialize(w *bufio.Writer) error {
	if err := writeSlot(w, m.Slot); err != nil {
		return err
	}
	if err := writeBallot(w, m.Ballot); err != nil {
		return err
	}
	if err := writeCommand(w, m.Command); err != nil {
		return err
	}
	if err := writeUint64(w, m.Seq); err != nil {
		return err
	}
	return writeSlots(w, m.Deps)
}

func (m *PreAcceptRequest) Deserialize(r *bufio.Reader) error {
	var err error
	if m.Slot, err = readSlot(r); err != nil {
		return err
	}
	if m.Ballot, err = readBallot(r); err != nil {
		return err
	}
	if m.Command, err = readCommand(r); err != nil {
		return err
	}
	if m.Seq, err = readUint64(r); err != nil {
		return err
	}
	m.Deps, err = readSlots(r)
	return err
}

type PreAcceptAck struct {
	Slot   slot.Slot
	Ballot slot.Ballot
	Seq    uint64
	Deps   []slot.Slot
}

func (m *PreAcceptAck) Kind() Kind { return KindPreAcceptAck }

func (m *PreAcceptAck) Serialize(w *bufio.Writer) error {
	if err := writeSlot(w, m.Slot); err != nil {
		return err
	}
	if err := writeBallot(w, m.Ballot); err != nil {
		return err
	}
	if err := writeUint64(w, m.Seq); err != nil {
		return err
	}
	return writeSlots(w, m.Deps)
}

func (m *PreAcceptAck) Deserialize(r *bufio.Reader) error {
	var err error
	if m.Slot, err = readSlot(r); err != nil {
		return err
	}
	if m.Ballot, err = readBallot(r); err != nil {
		return err
	}
	if m.Seq, err = readUint64(r); err != nil {
		return err
	}
	m.Deps, err = readSlots(r)
	return err
}

type PreAcceptNack struct {
	Slot   slot.Slot
	Ballot slot.Ballot
}

func (m *PreAcceptNack) Kind() Kind { return KindPreAcceptNack }

func (m *PreAcceptNack) Serialize(w *bufio.Writer) error {
	if err := writeSlot(w, m.Slot); err != nil {
		return err
	}
	return writeBallot(w, m.Ballot)
}

func (m *PreAcceptNack) Deserialize(r *bufio.Reader) error {
	var err error
	if m.Slot, err = readSlot(r); err != nil {
		return err
	}
	m.Ballot, err = readBallot(r)
	return err
}

type AcceptRequest struct {
	Slot    slot.Slot
	Ballot  slot.Ballot
	Command command.Command
	Seq     uint64
	Deps    []slot.Slot
}

func (m *AcceptRequest) Kind() Kind { return KindAcceptRequest }

func (m *AcceptRequest) Serialize(w *bufio.Writer) error {
	if err := writeSlot(w, m.Slot); err != nil {
		return err
	}
	if err := writeBallot(w, m.Ballot); err != nil {
		return err
	}
	if err := writeCommand(w, m.Command); err != nil {
		return err
	}
	if err := writeUint64(w, m.Seq); err != nil {
		return err
	}
	return writeSlots(w, m.Deps)
}

func (m *AcceptRequest) Deserialize(r *bufio.Reader) error {
	var err error
	if m.Slot, err = readSlot(r); err != nil {
		return err
	}
	if m.Ballot, err = readBallot(r); err != nil {
		return err
	}
	if m.Command, err = readCommand(r); err != nil {
		return err
	}
	if m.Seq, err = readUint64(r); err != nil {
		return err
	}
	m.Deps, err = readSlots(r)
	return err
}

type AcceptAck struct {
	Slot   slot.Slot
	Ballot slot.Ballot
}

func (m *AcceptAck) Kind() Kind { return KindAcceptAck }

func (m *AcceptAck) Serialize(w *bufio.Writer) error {
	if err := writeSlot(w, m.Slot); err != nil {
		return err
	}
	return writeBallot(w, m.Ballot)
}

func (m *AcceptAck) Deserialize(r *bufio.Reader) error {
	var err error
	if m.Slot, err = readSlot(r); err != nil {
		return err
	}
	m.Ballot, err = readBallot(r)
	return err
}

type AcceptNack struct {
	Slot   slot.Slot
	Ballot slot.Ballot
}

func (m *AcceptNack) Kind() Kind { return KindAcceptNack }

func (m *AcceptNack) Serialize(w *bufio.Writer) error {
	if err := writeSlot(w, m.Slot); err != nil {
		return err
	}
	return writeBallot(w, m.Ballot)
}

func (m *AcceptNack) Deserialize(r *bufio.Reader) error {
	var err error
	if m.Slot, err = readSlot(r); err != nil {
		return err
	}
	m.Ballot, err = readBallot(r)
	return err
}

type CommitRequest struct {
	Slot    slot.Slot
	Ballot  slot.Ballot
	Seq     uint64
	Command command.Command
	Deps    []slot.Slot
}

func (m *CommitRequest) Kind() Kind { return KindCommitRequest }

func (m *CommitRequest) Serialize(w *bufio.Writer) error {
	if err := writeSlot(w, m.Slot); err != nil {
		return err
	}
	if err := writeBallot(w, m.Ballot); err != nil {
		return err
	}
	if err := writeUint64(w, m.Seq); err != nil {
		return err
	}
	if err := writeCommand(w, m.Command); err != nil {
		return err
	}
	return writeSlots(w, m.Deps)
}

func (m *CommitRequest) Deserialize(r *bufio.Reader) error {
	var err error
	if m.Slot, err = readSlot(r); err != nil {
		return err
	}
	if m.Ballot, err = readBallot(r); err != nil {
		return err
	}
	if m.Seq, err = readUint64(r); err != nil {
		return err
	}
	if m.Command, err = readCommand(r); err != nil {
		return err
	}
	m.Deps, err = readSlots(r)
	return err
}

type PrepareRequest struct {
	Slot   slot.Slot
	Ballot slot.Ballot
}

func (m *PrepareRequest) Kind() Kind { return KindPrepareRequest }

func (m *PrepareRequest) Serialize(w *bufio.Writer) error {
	if err := writeSlot(w, m.Slot); err != nil {
		return err
	}
	return writeBallot(w, m.Ballot)
}

func (m *PrepareRequest) Deserialize(r *bufio.Reader) error {
	var err error
	if m.Slot, err = readSlot(r); err != nil {
		return err
	}
	m.Ballot, err = readBallot(r)
	return err
}

// InstanceState is an enum mirror of consensus.Status kept local to this
// package so message does not import consensus (which imports message).
type InstanceState byte

const (
	StatePrepared InstanceState = iota
	StatePreAccepted
	StateAccepted
	StateCommitted
	StateExecuted
)

type PrepareAck struct {
	Slot    slot.Slot
	Ballot  slot.Ballot
	Command command.Command
	Seq     uint64
	Deps    []slot.Slot
	State   InstanceState
	// HasCommand distinguishes "instance unknown, Prepared placeholder"
	// from a real command, since Command is not itself nullable on the
	// wire.
	HasCommand bool
}

func (m *PrepareAck) Kind() Kind { return KindPrepareAck }

func (m *PrepareAck) Serialize(w *bufio.Writer) error {
	if err := writeSlot(w, m.Slot); err != nil {
		return err
	}
	if err := writeBallot(w, m.Ballot); err != nil {
		return err
	}
	has := byte(0)
	if m.HasCommand {
		has = 1
	}
	if err := w.WriteByte(has); err != nil {
		return err
	}
	if err := writeCommand(w, m.Command); err != nil {
		return err
	}
	if err := writeUint64(w, m.Seq); err != nil {
		return err
	}
	if err := writeSlots(w, m.Deps); err != nil {
		return err
	}
	return w.WriteByte(byte(m.State))
}

func (m *PrepareAck) Deserialize(r *bufio.Reader) error {
	var err error
	if m.Slot, err = readSlot(r); err != nil {
		return err
	}
	if m.Ballot, err = readBallot(r); err != nil {
		return err
	}
	has, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.HasCommand = has == 1
	if m.Command, err = readCommand(r); err != nil {
		return err
	}
	if m.Seq, err = readUint64(r); err != nil {
		return err
	}
	if m.Deps, err = readSlots(r); err != nil {
		return err
	}
	state, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.State = InstanceState(state)
	return nil
}

type PrepareNack struct {
	Slot   slot.Slot
	Ballot slot.Ballot
}

func (m *PrepareNack) Kind() Kind { return KindPrepareNack }

func (m *PrepareNack) Serialize(w *bufio.Writer) error {
	if err := writeSlot(w, m.Slot); err != nil {
		return err
	}
	return writeBallot(w, m.Ballot)
}

func (m *PrepareNack) Deserialize(r *bufio.Reader) error {
	var err error
	if m.Slot, err = readSlot(r); err != nil {
		return err
	}
	m.Ballot, err = readBallot(r)
	return err
}
