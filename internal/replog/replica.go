package replog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Replica is one participant in the log.
//
// A replica stages an entry on Prepare without exposing it, and exposes it
// on Apply. Entries must be prepared in index order with no gaps; a replica
// that missed entries is caught up by the leader before its next Prepare.
type Replica interface {
	// ID names the replica in logs and traces.
	ID() string

	// Prepare durably stages e. e.Index must be LastIndex()+1.
	Prepare(ctx context.Context, e Entry) error

	// Apply makes the staged entry at index visible.
	Apply(ctx context.Context, index uint64) error

	// Abort discards the staged entry at index. Unknown indexes are ignored.
	Abort(ctx context.Context, index uint64) error

	// LastIndex returns the index of the last applied entry (0 if none).
	LastIndex(ctx context.Context) (uint64, error)

	// Snapshot returns the applied key/value state and the index it
	// reflects.
	Snapshot(ctx context.Context) (map[string]string, uint64, error)

	// Entries returns the applied entries with index > after, in order.
	Entries(ctx context.Context, after uint64) ([]Entry, error)

	// Truncate drops every applied entry with index > after, rebuilds the
	// state from what remains and discards staged entries.
	Truncate(ctx context.Context, after uint64) error

	Close() error
}

var (
	// ErrReplicaDown is returned by a replica that cannot be reached.
	ErrReplicaDown = errors.New("replica down")

	// ErrOutOfOrder means Prepare was called with an index other than
	// LastIndex()+1, or Apply for an index that was never staged.
	ErrOutOfOrder = errors.New("entry out of order")

	// ErrReplicaClosed is returned after Close.
	ErrReplicaClosed = errors.New("replica closed")
)

// MemoryReplica is an in-process replica.
//
// SetDown simulates a partition: while down, every call fails with
// ErrReplicaDown and nothing changes.
type MemoryReplica struct {
	id string

	mu      sync.Mutex
	down    bool
	closed  bool
	state   map[string]string
	entries []Entry
	pending map[uint64]Entry
}

// NewMemoryReplica creates an empty replica.
func NewMemoryReplica(id string) *MemoryReplica {
	return &MemoryReplica{
		id:      id,
		state:   make(map[string]string),
		pending: make(map[uint64]Entry),
	}
}

// NewMemoryReplicas creates n replicas named replica-0..replica-(n-1).
func NewMemoryReplicas(n int) []*MemoryReplica {
	out := make([]*MemoryReplica, n)
	for i := range out {
		out[i] = NewMemoryReplica(fmt.Sprintf("replica-%d", i))
	}
	return out
}

// AsReplicas widens a slice of memory replicas to the interface type.
func AsReplicas(rs []*MemoryReplica) []Replica {
	out := make([]Replica, len(rs))
	for i, r := range rs {
		out[i] = r
	}
	return out
}

func (r *MemoryReplica) ID() string { return r.id }

// SetDown takes the replica offline (true) or back online (false).
func (r *MemoryReplica) SetDown(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = down
}

// Down reports whether the replica is offline.
func (r *MemoryReplica) Down() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.down
}

func (r *MemoryReplica) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.closed {
		return ErrReplicaClosed
	}
	if r.down {
		return fmt.Errorf("%s: %w", r.id, ErrReplicaDown)
	}
	return nil
}

func (r *MemoryReplica) Prepare(ctx context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(ctx); err != nil {
		return err
	}
	if want := uint64(len(r.entries)) + 1; e.Index != want {
		return fmt.Errorf("%s: prepare %d, want %d: %w", r.id, e.Index, want, ErrOutOfOrder)
	}
	if err := e.Verify(); err != nil {
		return fmt.Errorf("%s: %w", r.id, err)
	}
	r.pending[e.Index] = e
	return nil
}

func (r *MemoryReplica) Apply(ctx context.Context, index uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(ctx); err != nil {
		return err
	}
	e, ok := r.pending[index]
	if !ok || index != uint64(len(r.entries))+1 {
		return fmt.Errorf("%s: apply %d: %w", r.id, index, ErrOutOfOrder)
	}
	delete(r.pending, index)
	e.applyTo(r.state)
	r.entries = append(r.entries, e)
	return nil
}

func (r *MemoryReplica) Abort(ctx context.Context, index uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(ctx); err != nil {
		return err
	}
	delete(r.pending, index)
	return nil
}

func (r *MemoryReplica) LastIndex(ctx context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(ctx); err != nil {
		return 0, err
	}
	return uint64(len(r.entries)), nil
}

func (r *MemoryReplica) Snapshot(ctx context.Context) (map[string]string, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(ctx); err != nil {
		return nil, 0, err
	}
	out := make(map[string]string, len(r.state))
	for k, v := range r.state {
		out[k] = v
	}
	return out, uint64(len(r.entries)), nil
}

func (r *MemoryReplica) Entries(ctx context.Context, after uint64) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(ctx); err != nil {
		return nil, err
	}
	if after >= uint64(len(r.entries)) {
		return []Entry{}, nil
	}
	out := make([]Entry, len(r.entries)-int(after))
	copy(out, r.entries[after:])
	return out, nil
}

func (r *MemoryReplica) Truncate(ctx context.Context, after uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(ctx); err != nil {
		return err
	}
	clear(r.pending)
	if after >= uint64(len(r.entries)) {
		return nil
	}
	r.entries = slices.Clone(r.entries[:after])
	r.state = make(map[string]string)
	for _, e := range r.entries {
		e.applyTo(r.state)
	}
	return nil
}

// Pending returns the number of staged, unapplied entries.
func (r *MemoryReplica) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *MemoryReplica) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
