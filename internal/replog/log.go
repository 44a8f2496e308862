// Package replog is a replicated, transactional key/value log.
//
// Transactions read a snapshot taken at Begin and buffer their writes. On
// Commit the leader (the Log value) checks for conflicts, stamps an Entry,
// and runs a two-phase commit against its replicas: every replica stages the
// entry, and only if a majority acknowledged is it applied. Otherwise the
// staged copies are aborted and nothing becomes visible anywhere.
//
// A commit is acknowledged only after a majority applied the entry, so every
// acknowledged entry survives a leader restart. When a majority staged it but
// fewer applied it, Commit reports UNAVAILABLE and the leader keeps the entry
// in doubt: the next commit finishes applying it before anything else.
//
// Commits are serialized by the leader. Once the prepare phase starts a
// commit runs to completion even if the caller's context is cancelled.
package replog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/shapefabric/internal/fault"
	"github.com/roach88/shapefabric/internal/metrics"
)

// DefaultReplicaTimeout bounds each call to a replica.
const DefaultReplicaTimeout = 2 * time.Second

var tracer = otel.Tracer("shapefabric.replog")

// Log is the leader's view of the replicated log.
//
// Thread-safety: safe for concurrent use. Begin and reads take a shared
// lock; Commit holds the exclusive commit lock for its whole duration.
type Log struct {
	replicas []Replica
	timeout  time.Duration
	logger   *slog.Logger

	// commitMu serializes commits.
	commitMu sync.Mutex

	mu       sync.RWMutex
	closed   bool
	index    uint64
	state    map[string]string
	versions map[string]uint64 // index of the last write to each key, deletes included
	history  []Entry

	// Guarded by commitMu.
	inDoubt *Entry
	checked []bool // replica history verified against ours
}

// Option configures a Log.
type Option func(*Log)

// WithReplicaTimeout bounds each replica call.
// Default: 2s (DefaultReplicaTimeout).
func WithReplicaTimeout(d time.Duration) Option {
	return func(l *Log) {
		l.timeout = d
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(lg *slog.Logger) Option {
	return func(l *Log) {
		l.logger = lg
	}
}

// Quorum returns the number of acknowledgements needed among n replicas.
func Quorum(n int) int {
	return n/2 + 1
}

// Open recovers the committed state from the most advanced reachable
// replica. At least a quorum of replicas must answer; otherwise Open fails
// with UNAVAILABLE.
func Open(ctx context.Context, replicas []Replica, opts ...Option) (*Log, error) {
	l := &Log{
		replicas: replicas,
		timeout:  DefaultReplicaTimeout,
		logger:   slog.Default(),
		state:    make(map[string]string),
		versions: make(map[string]uint64),
		checked:  make([]bool, len(replicas)),
	}
	for _, opt := range opts {
		opt(l)
	}

	if len(replicas) == 0 {
		return nil, fault.Unavailable("no replicas configured", nil)
	}

	ctx, span := tracer.Start(ctx, "replog.open",
		trace.WithAttributes(attribute.Int("replog.replicas", len(replicas))),
	)
	defer span.End()

	last := make([]uint64, len(replicas))
	reachable := make([]bool, len(replicas))
	g, gCtx := errgroup.WithContext(ctx)
	for i, r := range replicas {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(gCtx, l.timeout)
			defer cancel()
			idx, err := r.LastIndex(rctx)
			if err != nil {
				l.logger.Warn("replica unreachable at open", "replica", r.ID(), "error", err)
				return nil
			}
			last[i], reachable[i] = idx, true
			return nil
		})
	}
	_ = g.Wait()

	best, up := -1, 0
	for i := range replicas {
		if !reachable[i] {
			continue
		}
		up++
		if best < 0 || last[i] > last[best] {
			best = i
		}
	}
	if up < Quorum(len(replicas)) {
		err := fault.Unavailable(fmt.Sprintf("only %d of %d replicas reachable", up, len(replicas)), nil)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := l.recover(ctx, replicas[best]); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int64("replog.index", int64(l.index)))
	l.logger.Info("log opened",
		"replicas", len(replicas),
		"reachable", up,
		"index", l.index,
		"source", replicas[best].ID(),
	)
	return l, nil
}

// recover rebuilds state and history from src and checks that its snapshot
// agrees with a replay of its entries.
func (l *Log) recover(ctx context.Context, src Replica) error {
	rctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	entries, err := src.Entries(rctx, 0)
	if err != nil {
		return fault.Unavailable("read history from "+src.ID(), err)
	}
	snap, snapIndex, err := src.Snapshot(rctx)
	if err != nil {
		return fault.Unavailable("read snapshot from "+src.ID(), err)
	}

	for i, e := range entries {
		if e.Index != uint64(i)+1 {
			return fault.Unavailable(fmt.Sprintf("history gap at %d on %s", i+1, src.ID()), ErrOutOfOrder)
		}
		if err := e.Verify(); err != nil {
			return fault.Unavailable("corrupt history on "+src.ID(), err)
		}
		l.applyLocked(e)
	}

	if snapIndex != l.index || !equalState(snap, l.state) {
		return fault.Unavailable(fmt.Sprintf("snapshot of %s disagrees with its history", src.ID()), nil)
	}
	return nil
}

// Begin starts a transaction over a snapshot of the committed state.
func (l *Log) Begin(ctx context.Context) (*Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, fault.Unavailable("log closed", nil)
	}

	snap := make(map[string]string, len(l.state))
	for k, v := range l.state {
		snap[k] = v
	}
	return &Tx{
		log:      l,
		start:    l.index,
		snapshot: snap,
		reads:    make(map[string]struct{}),
		writes:   make(map[string]Op),
	}, nil
}

// Index returns the index of the last committed entry.
func (l *Log) Index() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.index
}

// History returns committed entries with index > after.
func (l *Log) History(after uint64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if after >= uint64(len(l.history)) {
		return []Entry{}
	}
	out := make([]Entry, len(l.history)-int(after))
	copy(out, l.history[after:])
	return out
}

// Close stops accepting transactions and closes every replica.
func (l *Log) Close() error {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	var firstErr error
	for _, r := range l.replicas {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close replica %s: %w", r.ID(), err)
		}
	}
	return firstErr
}

// commit runs the commit protocol for tx.
func (l *Log) commit(ctx context.Context, tx *Tx) error {
	if len(tx.writes) == 0 {
		metrics.Commits.WithLabelValues(metrics.CommitReadOnly).Inc()
		return nil
	}

	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	if err := ctx.Err(); err != nil {
		metrics.Commits.WithLabelValues(metrics.CommitAborted).Inc()
		return &fault.Error{Code: fault.CodeTransactionAborted, Message: "commit cancelled before prepare", Err: err}
	}

	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return fault.Unavailable("log closed", nil)
	}

	if l.inDoubt != nil {
		if err := l.resolve(ctx); err != nil {
			metrics.Commits.WithLabelValues(metrics.CommitAborted).Inc()
			return err
		}
	}

	l.mu.RLock()
	conflict, ok := l.conflictLocked(tx)
	next := l.index + 1
	l.mu.RUnlock()

	if ok {
		metrics.Commits.WithLabelValues(metrics.CommitConflict).Inc()
		l.logger.Debug("commit conflict", "key", conflict, "start", tx.start)
		return fault.Aborted("write conflict", map[string]string{"key": conflict})
	}

	entry, err := NewEntry(next, tx.ops())
	if err != nil {
		return err
	}

	// From here on the commit is not cancellable by the caller.
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "replog.commit",
		trace.WithAttributes(
			attribute.Int64("replog.index", int64(entry.Index)),
			attribute.Int("replog.ops", len(entry.Ops)),
		),
	)
	defer span.End()

	start := time.Now()
	acked := l.prepare(ctx, entry)
	acks := count(acked)
	span.SetAttributes(attribute.Int("replog.acks", acks))

	if acks < Quorum(len(l.replicas)) {
		l.forEach(ctx, acked, func(ctx context.Context, r Replica) error {
			return r.Abort(ctx, entry.Index)
		})
		metrics.Commits.WithLabelValues(metrics.CommitAborted).Inc()
		err := fault.Aborted("quorum not reached", map[string]string{
			"index": fmt.Sprint(entry.Index),
			"acks":  fmt.Sprint(acks),
			"need":  fmt.Sprint(Quorum(len(l.replicas))),
		})
		span.SetStatus(codes.Error, err.Error())
		l.logger.Warn("commit aborted", "index", entry.Index, "acks", acks, "replicas", len(l.replicas))
		return err
	}

	// Replicas that staged but failed to apply are caught up later.
	applied := l.forEach(ctx, acked, func(ctx context.Context, r Replica) error {
		return r.Apply(ctx, entry.Index)
	})
	span.SetAttributes(attribute.Int("replog.applied", applied))

	if applied < Quorum(len(l.replicas)) {
		l.inDoubt = &entry
		metrics.Commits.WithLabelValues(metrics.CommitInDoubt).Inc()
		err := l.inDoubtError(entry, applied)
		span.SetStatus(codes.Error, err.Error())
		l.logger.Warn("commit in doubt", "index", entry.Index, "acks", acks, "applied", applied)
		return err
	}

	l.mu.Lock()
	l.applyLocked(entry)
	l.mu.Unlock()

	metrics.Commits.WithLabelValues(metrics.CommitCommitted).Inc()
	metrics.CommitDuration.Observe(time.Since(start).Seconds())
	l.logger.Debug("entry committed", "index", entry.Index, "ops", len(entry.Ops), "acks", acks)
	return nil
}

// resolve brings the in-doubt entry onto every reachable replica. Once a
// majority has applied it, it joins the committed state. Caller holds
// commitMu.
func (l *Log) resolve(ctx context.Context) error {
	entry := *l.inDoubt
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "replog.resolve",
		trace.WithAttributes(attribute.Int64("replog.index", int64(entry.Index))),
	)
	defer span.End()

	want := append(l.History(0), entry)
	done := make([]bool, len(l.replicas))
	var g errgroup.Group
	for i, r := range l.replicas {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(ctx, l.timeout)
			defer cancel()
			if err := l.catchUp(rctx, i, r, want); err != nil {
				l.logger.Warn("replica catch-up failed", "replica", r.ID(), "error", err)
				return nil
			}
			done[i] = true
			return nil
		})
	}
	_ = g.Wait()

	applied := count(done)
	span.SetAttributes(attribute.Int("replog.applied", applied))
	if applied < Quorum(len(l.replicas)) {
		err := l.inDoubtError(entry, applied)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	l.mu.Lock()
	l.applyLocked(entry)
	l.mu.Unlock()
	l.inDoubt = nil
	metrics.Commits.WithLabelValues(metrics.CommitCommitted).Inc()
	l.logger.Info("in-doubt entry committed", "index", entry.Index, "applied", applied)
	return nil
}

func (l *Log) inDoubtError(entry Entry, applied int) error {
	return &fault.Error{
		Code:    fault.CodeUnavailable,
		Message: fmt.Sprintf("entry %d applied on %d of %d replicas, need %d", entry.Index, applied, len(l.replicas), Quorum(len(l.replicas))),
		Details: map[string]string{"index": fmt.Sprint(entry.Index)},
	}
}

// prepare catches up and stages entry on every replica concurrently and
// reports which ones acknowledged.
func (l *Log) prepare(ctx context.Context, entry Entry) []bool {
	want := l.History(0)
	acked := make([]bool, len(l.replicas))
	g, gCtx := errgroup.WithContext(ctx)
	for i, r := range l.replicas {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(gCtx, l.timeout)
			defer cancel()

			if err := l.catchUp(rctx, i, r, want); err != nil {
				l.logger.Warn("replica catch-up failed", "replica", r.ID(), "error", err)
				return nil
			}
			if err := r.Prepare(rctx, entry); err != nil {
				l.logger.Warn("replica prepare failed", "replica", r.ID(), "index", entry.Index, "error", err)
				return nil
			}
			acked[i] = true
			return nil
		})
	}
	_ = g.Wait()
	return acked
}

// catchUp makes the applied history of replica i equal to want. The first
// time a replica is seen, or whenever it is ahead, its entries are compared
// with want and anything past the last agreeing entry is truncated. Caller
// holds commitMu.
func (l *Log) catchUp(ctx context.Context, i int, r Replica, want []Entry) error {
	last, err := r.LastIndex(ctx)
	if err != nil {
		return err
	}
	upTo := uint64(len(want))

	if !l.checked[i] || last > upTo {
		have, err := r.Entries(ctx, 0)
		if err != nil {
			return err
		}
		keep := agreed(have, want)
		if keep < last {
			l.logger.Warn("truncating diverged replica", "replica", r.ID(), "from", last, "to", keep)
			if err := r.Truncate(ctx, keep); err != nil {
				return fmt.Errorf("truncate to %d: %w", keep, err)
			}
			last = keep
		}
		l.checked[i] = true
	}
	if last == upTo {
		return nil
	}

	l.logger.Info("catching up replica", "replica", r.ID(), "from", last, "to", upTo)
	for _, e := range want[last:] {
		if err := r.Prepare(ctx, e); err != nil {
			return fmt.Errorf("replay %d: %w", e.Index, err)
		}
		if err := r.Apply(ctx, e.Index); err != nil {
			return fmt.Errorf("replay %d: %w", e.Index, err)
		}
	}
	return nil
}

// agreed returns the length of the common prefix of have and want.
func agreed(have, want []Entry) uint64 {
	n := 0
	for n < len(have) && n < len(want) && have[n].Checksum == want[n].Checksum {
		n++
	}
	return uint64(n)
}

// forEach runs fn on the selected replicas concurrently and returns how many
// succeeded. Errors are logged.
func (l *Log) forEach(ctx context.Context, selected []bool, fn func(context.Context, Replica) error) int {
	ok := make([]bool, len(l.replicas))
	var g errgroup.Group
	for i, r := range l.replicas {
		if !selected[i] {
			continue
		}
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(ctx, l.timeout)
			defer cancel()
			if err := fn(rctx, r); err != nil {
				l.logger.Warn("replica call failed", "replica", r.ID(), "error", err)
				return nil
			}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()
	return count(ok)
}

// conflictLocked returns a key tx touched that was committed after tx
// began. Caller holds mu.
func (l *Log) conflictLocked(tx *Tx) (string, bool) {
	keys := make([]string, 0, len(tx.reads)+len(tx.writes))
	for k := range tx.reads {
		keys = append(keys, k)
	}
	for k := range tx.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if l.versions[k] > tx.start {
			return k, true
		}
	}

	for _, prefix := range tx.scans {
		for k, v := range l.versions {
			if v > tx.start && strings.HasPrefix(k, prefix) {
				return k, true
			}
		}
	}
	return "", false
}

// applyLocked makes entry part of the committed state. Caller holds mu
// exclusively (or owns l during recovery).
func (l *Log) applyLocked(e Entry) {
	e.applyTo(l.state)
	for _, op := range e.Ops {
		l.versions[op.Key] = e.Index
	}
	l.history = append(l.history, e)
	l.index = e.Index
}

func count(flags []bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

func equalState(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
