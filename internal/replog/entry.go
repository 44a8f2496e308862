package replog

import (
	"errors"
	"fmt"

	"github.com/roach88/shapefabric/internal/ir"
)

// OpKind is the kind of a write.
type OpKind string

const (
	OpPut    OpKind = "put"
	OpDelete OpKind = "delete"
)

// Op is one write in an Entry. Value is empty for deletes.
type Op struct {
	Kind  OpKind `json:"kind"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// Entry is one committed transaction: the ordered writes it made and the
// position it occupies in the log. Indexes start at 1 and have no gaps.
type Entry struct {
	Index    uint64 `json:"index"`
	Ops      []Op   `json:"ops"`
	Checksum string `json:"checksum"`
}

// ErrChecksumMismatch means an entry's content does not match its checksum.
var ErrChecksumMismatch = errors.New("entry checksum mismatch")

// NewEntry builds an entry and stamps its checksum.
func NewEntry(index uint64, ops []Op) (Entry, error) {
	sum, err := ir.EntryChecksum(index, mutations(ops))
	if err != nil {
		return Entry{}, fmt.Errorf("checksum entry %d: %w", index, err)
	}
	return Entry{Index: index, Ops: ops, Checksum: sum}, nil
}

// Verify recomputes the checksum and compares it with the stamped one.
func (e Entry) Verify() error {
	sum, err := ir.EntryChecksum(e.Index, mutations(e.Ops))
	if err != nil {
		return fmt.Errorf("checksum entry %d: %w", e.Index, err)
	}
	if sum != e.Checksum {
		return fmt.Errorf("entry %d: %w", e.Index, ErrChecksumMismatch)
	}
	return nil
}

// applyTo replays the entry's writes onto state.
func (e Entry) applyTo(state map[string]string) {
	for _, op := range e.Ops {
		switch op.Kind {
		case OpPut:
			state[op.Key] = op.Value
		case OpDelete:
			delete(state, op.Key)
		}
	}
}

func mutations(ops []Op) []ir.Mutation {
	muts := make([]ir.Mutation, len(ops))
	for i, op := range ops {
		muts[i] = ir.Mutation{Kind: string(op.Kind), Key: op.Key, Value: op.Value}
	}
	return muts
}
