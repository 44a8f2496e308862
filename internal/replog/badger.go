package replog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// Key layout of a BadgerReplica:
//
//	pending/<index>  staged entry (JSON), invisible until applied
//	entry/<index>    applied entry (JSON)
//	kv/<key>         applied state
//	meta/applied     last applied index (8 bytes, big endian)
//
// Indexes are zero-padded to 20 digits so they sort numerically.
const (
	pendingPrefix = "pending/"
	entryPrefix   = "entry/"
	kvPrefix      = "kv/"
	appliedKey    = "meta/applied"
)

// BadgerConfig configures a BadgerReplica.
type BadgerConfig struct {
	// Dir holds the database files. Created if missing. Ignored when
	// InMemory is set.
	Dir string

	// InMemory keeps everything in memory. For tests.
	InMemory bool

	// SyncWrites fsyncs every write before it returns.
	SyncWrites bool

	// Logger receives Badger's own log output. Nil silences it.
	Logger *slog.Logger
}

// BadgerReplica is a durable replica backed by one BadgerDB.
//
// Thread-safety: safe for concurrent use; every operation is a single
// Badger transaction.
type BadgerReplica struct {
	id string
	db *badger.DB
}

// badgerLogger adapts slog to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadgerReplica opens (or creates) a replica and verifies the checksum
// of every applied entry.
func OpenBadgerReplica(id string, cfg BadgerConfig) (*BadgerReplica, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("replica dir is required for persistent replica")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create replica dir %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With("replica", id)})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open replica %s: %w", id, err)
	}

	r := &BadgerReplica{id: id, db: db}
	if _, err := r.Entries(context.Background(), 0); err != nil {
		db.Close()
		return nil, fmt.Errorf("recover replica %s: %w", id, err)
	}
	return r, nil
}

func (r *BadgerReplica) ID() string { return r.id }

func (r *BadgerReplica) Prepare(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.Verify(); err != nil {
		return fmt.Errorf("%s: %w", r.id, err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%s: marshal entry %d: %w", r.id, e.Index, err)
	}

	return r.db.Update(func(txn *badger.Txn) error {
		applied, err := readApplied(txn)
		if err != nil {
			return err
		}
		if e.Index != applied+1 {
			return fmt.Errorf("%s: prepare %d, want %d: %w", r.id, e.Index, applied+1, ErrOutOfOrder)
		}
		return txn.Set(indexKey(pendingPrefix, e.Index), data)
	})
}

func (r *BadgerReplica) Apply(ctx context.Context, index uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		applied, err := readApplied(txn)
		if err != nil {
			return err
		}
		if index != applied+1 {
			return fmt.Errorf("%s: apply %d, want %d: %w", r.id, index, applied+1, ErrOutOfOrder)
		}

		key := indexKey(pendingPrefix, index)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%s: apply %d: not staged: %w", r.id, index, ErrOutOfOrder)
		}
		if err != nil {
			return fmt.Errorf("%s: read staged entry %d: %w", r.id, index, err)
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("%s: read staged entry %d: %w", r.id, index, err)
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("%s: decode staged entry %d: %w", r.id, index, err)
		}

		for _, op := range e.Ops {
			switch op.Kind {
			case OpPut:
				err = txn.Set([]byte(kvPrefix+op.Key), []byte(op.Value))
			case OpDelete:
				err = txn.Delete([]byte(kvPrefix + op.Key))
			}
			if err != nil {
				return fmt.Errorf("%s: apply %d: %w", r.id, index, err)
			}
		}

		if err := txn.Set(indexKey(entryPrefix, index), data); err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Set([]byte(appliedKey), encodeIndex(index))
	})
}

func (r *BadgerReplica) Abort(ctx context.Context, index uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(indexKey(pendingPrefix, index))
	})
}

func (r *BadgerReplica) LastIndex(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var applied uint64
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		applied, err = readApplied(txn)
		return err
	})
	return applied, err
}

func (r *BadgerReplica) Snapshot(ctx context.Context) (map[string]string, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	state := make(map[string]string)
	var applied uint64
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		if applied, err = readApplied(txn); err != nil {
			return err
		}

		prefix := []byte(kvPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			state[string(item.Key()[len(prefix):])] = string(val)
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("%s: snapshot: %w", r.id, err)
	}
	return state, applied, nil
}

// Entries returns applied entries after the given index, verifying each
// checksum and the absence of gaps.
func (r *BadgerReplica) Entries(ctx context.Context, after uint64) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries := []Entry{}
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := []byte(entryPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		want := after + 1
		for it.Seek(indexKey(entryPrefix, want)); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var e Entry
			if err := json.Unmarshal(data, &e); err != nil {
				return fmt.Errorf("decode entry: %w", err)
			}
			if e.Index != want {
				return fmt.Errorf("entry %d missing (found %d): %w", want, e.Index, ErrOutOfOrder)
			}
			if err := e.Verify(); err != nil {
				return err
			}
			entries = append(entries, e)
			want++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: read entries: %w", r.id, err)
	}
	return entries, nil
}

// Truncate rewrites the kv/ state by replaying the surviving entries.
func (r *BadgerReplica) Truncate(ctx context.Context, after uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	keep, err := r.Entries(ctx, 0)
	if err != nil {
		return err
	}
	if after < uint64(len(keep)) {
		keep = keep[:after]
	}

	return r.db.Update(func(txn *badger.Txn) error {
		var stale [][]byte
		for _, prefix := range []string{pendingPrefix, kvPrefix, entryPrefix} {
			it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefix)})
			for it.Rewind(); it.Valid(); it.Next() {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
			it.Close()
		}
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}

		state := make(map[string]string)
		for _, e := range keep {
			e.applyTo(state)
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("%s: marshal entry %d: %w", r.id, e.Index, err)
			}
			if err := txn.Set(indexKey(entryPrefix, e.Index), data); err != nil {
				return err
			}
		}
		for k, v := range state {
			if err := txn.Set([]byte(kvPrefix+k), []byte(v)); err != nil {
				return err
			}
		}
		return txn.Set([]byte(appliedKey), encodeIndex(uint64(len(keep))))
	})
}

func (r *BadgerReplica) Close() error {
	return r.db.Close()
}

func readApplied(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get([]byte(appliedKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read applied index: %w", err)
	}
	var applied uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("applied index: bad length %d", len(val))
		}
		applied = binary.BigEndian.Uint64(val)
		return nil
	})
	return applied, err
}

func encodeIndex(index uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, index)
	return buf
}

func indexKey(prefix string, index uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefix, index))
}
