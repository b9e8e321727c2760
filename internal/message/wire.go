// Package message defines the peer message set (SPEC_FULL.md §6) as a
// discriminated union dispatched by Kind, and a length-prefixed binary
// wire encoding for each message.
package message

import (
	"bufio"
	"encoding/binary"
	"fmt"

	"github.com/bdeggleston/epaxos/internal/command"
	"github.com/bdeggleston/epaxos/internal/slot"
)

// writeBytes writes the field length followed by the field, mirroring the
// teacher's serializer.WriteFieldBytes.
func writeBytes(w *bufio.Writer, b []byte) error {
	size := uint32(len(b))
	if err := binary.Write(w, binary.LittleEndian, size); err != nil {
		return err
	}
	n, err := w.Write(b)
	if err != nil {
		return err
	}
	if uint32(n) != size {
		return fmt.Errorf("message: short write, expected %d bytes, wrote %d", size, n)
	}
	return nil
}

func readBytes(r *bufio.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	b := make([]byte, size)
	if _, err := readFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readFull(r *bufio.Reader, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := r.Read(b[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeString(w *bufio.Writer, s string) error {
	return writeBytes(w, []byte(s))
}

func readString(r *bufio.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeUint16(w *bufio.Writer, v uint16) error {
	return binary.Write(w, binary.LittleEndian, v)
}

func readUint16(r *bufio.Reader) (uint16, error) {
	var v uint16
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func writeUint32(w *bufio.Writer, v uint32) error {
	return binary.Write(w, binary.LittleEndian, v)
}

func readUint32(r *bufio.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func writeUint64(w *bufio.Writer, v uint64) error {
	return binary.Write(w, binary.LittleEndian, v)
}

func readUint64(r *bufio.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func writeSlot(w *bufio.Writer, s slot.Slot) error {
	if err := writeUint16(w, uint16(s.Replica)); err != nil {
		return err
	}
	return writeUint64(w, uint64(s.Instance))
}

func readSlot(r *bufio.Reader) (slot.Slot, error) {
	replica, err := readUint16(r)
	if err != nil {
		return slot.Slot{}, err
	}
	num, err := readUint64(r)
	if err != nil {
		return slot.Slot{}, err
	}
	return slot.New(slot.ReplicaID(replica), slot.InstanceNum(num)), nil
}

func writeBallot(w *bufio.Writer, b slot.Ballot) error {
	if err := writeUint32(w, uint32(b.Epoch)); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(b.Number)); err != nil {
		return err
	}
	return writeUint16(w, uint16(b.Owner))
}

func readBallot(r *bufio.Reader) (slot.Ballot, error) {
	epoch, err := readUint32(r)
	if err != nil {
		return slot.Ballot{}, err
	}
	num, err := readUint32(r)
	if err != nil {
		return slot.Ballot{}, err
	}
	owner, err := readUint16(r)
	if err != nil {
		return slot.Ballot{}, err
	}
	return slot.Ballot{Epoch: slot.Epoch(epoch), Number: slot.BallotNum(num), Owner: slot.ReplicaID(owner)}, nil
}

func writeSlots(w *bufio.Writer, slots []slot.Slot) error {
	if err := writeUint32(w, uint32(len(slots))); err != nil {
		return err
	}
	for _, s := range slots {
		if err := writeSlot(w, s); err != nil {
			return err
		}
	}
	return nil
}

func readSlots(r *bufio.Reader) ([]slot.Slot, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]slot.Slot, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := readSlot(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func writeCommand(w *bufio.Writer, c command.Command) error {
	noop := byte(0)
	if c.Noop {
		noop = 1
	}
	if err := w.WriteByte(noop); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(c.Keys))); err != nil {
		return err
	}
	for _, k := range c.Keys {
		if err := writeString(w, string(k)); err != nil {
			return err
		}
	}
	return writeBytes(w, c.Payload)
}

func readCommand(r *bufio.Reader) (command.Command, error) {
	noop, err := r.ReadByte()
	if err != nil {
		return command.Command{}, err
	}
	n, err := readUint32(r)
	if err != nil {
		return command.Command{}, err
	}
	keys := make([]command.Key, 0, n)
	for i := uint32(0); i < n; i++ {
		k, err := readString(r)
		if err != nil {
			return command.Command{}, err
		}
		keys = append(keys, command.Key(k))
	}
	payload, err := readBytes(r)
	if err != nil {
		return command.Command{}, err
	}
	return command.Command{Keys: keys, Noop: noop == 1, Payload: payload}, nil
}
