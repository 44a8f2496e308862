package replog

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// ErrTxDone is returned by any use of a committed or rolled back
// transaction.
var ErrTxDone = errors.New("transaction already finished")

// KV is one key/value pair returned by Scan.
type KV struct {
	Key   string
	Value string
}

// Tx is a transaction over a snapshot of the log.
//
// Reads see the snapshot overlaid with the transaction's own writes. A Tx is
// not safe for concurrent use.
type Tx struct {
	log      *Log
	start    uint64
	snapshot map[string]string

	reads  map[string]struct{}
	scans  []string
	writes map[string]Op
	order  []string
	done   bool
}

// StartIndex returns the log index the snapshot reflects.
func (tx *Tx) StartIndex() uint64 {
	return tx.start
}

// Get returns the value of key.
func (tx *Tx) Get(key string) (string, bool, error) {
	if tx.done {
		return "", false, ErrTxDone
	}
	tx.reads[key] = struct{}{}

	if op, ok := tx.writes[key]; ok {
		if op.Kind == OpDelete {
			return "", false, nil
		}
		return op.Value, true, nil
	}
	v, ok := tx.snapshot[key]
	return v, ok, nil
}

// Scan returns every pair whose key starts with prefix, ordered by key.
func (tx *Tx) Scan(prefix string) ([]KV, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	tx.scans = append(tx.scans, prefix)

	merged := make(map[string]string)
	for k, v := range tx.snapshot {
		if strings.HasPrefix(k, prefix) {
			merged[k] = v
		}
	}
	for k, op := range tx.writes {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if op.Kind == OpDelete {
			delete(merged, k)
		} else {
			merged[k] = op.Value
		}
	}

	out := make([]KV, 0, len(merged))
	for k, v := range merged {
		out = append(out, KV{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Put sets key to value.
func (tx *Tx) Put(key, value string) error {
	return tx.write(Op{Kind: OpPut, Key: key, Value: value})
}

// Delete removes key. Deleting an absent key is recorded as a write.
func (tx *Tx) Delete(key string) error {
	return tx.write(Op{Kind: OpDelete, Key: key})
}

func (tx *Tx) write(op Op) error {
	if tx.done {
		return ErrTxDone
	}
	if _, ok := tx.writes[op.Key]; !ok {
		tx.order = append(tx.order, op.Key)
	}
	tx.writes[op.Key] = op
	return nil
}

// Commit replicates the writes. A transaction without writes commits
// trivially. Fails with TRANSACTION_ABORTED on conflict or quorum loss, in
// which case nothing was applied; UNAVAILABLE if the log is closed.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	return tx.log.commit(ctx, tx)
}

// Rollback discards the transaction. Safe to call after Commit.
func (tx *Tx) Rollback() {
	tx.done = true
}

// ops returns the final write per key, in first-write order.
func (tx *Tx) ops() []Op {
	ops := make([]Op, 0, len(tx.order))
	for _, k := range tx.order {
		ops = append(ops, tx.writes[k])
	}
	return ops
}
