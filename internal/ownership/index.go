// Package ownership maps shapes to the client that owns them.
//
// The mapping lives in the replicated log under keys "shape/<shape id>" with
// the owner ID as value. Every mutation is one log transaction, so a change
// is either visible on a quorum of replicas or nowhere. Log errors are
// returned unmodified; callers decide whether to retry.
package ownership

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/shapefabric/internal/fault"
	"github.com/roach88/shapefabric/internal/replog"
	"github.com/roach88/shapefabric/internal/shape"
)

// KeyPrefix prefixes every ownership key in the log.
const KeyPrefix = "shape/"

var tracer = otel.Tracer("shapefabric.ownership")

// Key returns the log key for a shape.
func Key(id shape.ID) string {
	return KeyPrefix + id.String()
}

// Index is the ownership index.
type Index struct {
	log    *replog.Log
	logger *slog.Logger
}

// New creates an index over l.
func New(l *replog.Log, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{log: l, logger: logger}
}

// ListByOwner returns the shapes owned by owner, ordered by ID.
// Reads a snapshot taken when the call starts.
func (ix *Index) ListByOwner(ctx context.Context, owner uuid.UUID) ([]shape.ID, error) {
	ctx, span := tracer.Start(ctx, "ownership.list",
		trace.WithAttributes(attribute.String("owner", owner.String())),
	)
	defer span.End()

	tx, err := ix.log.Begin(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer tx.Rollback()

	kvs, err := tx.Scan(KeyPrefix)
	if err != nil {
		return nil, err
	}

	want := owner.String()
	ids := []shape.ID{}
	for _, kv := range kvs {
		if kv.Value != want {
			continue
		}
		id, err := shape.ParseID(strings.TrimPrefix(kv.Key, KeyPrefix))
		if err != nil {
			ix.logger.Warn("skipping malformed ownership key", "key", kv.Key, "error", err)
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})

	// The scan ran against a snapshot, so there is nothing to validate.
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("shapes", len(ids)))
	return ids, nil
}

// Add records owner as the owner of id, replacing any previous owner.
func (ix *Index) Add(ctx context.Context, id shape.ID, owner uuid.UUID) error {
	return ix.mutate(ctx, "ownership.add", id, func(tx *replog.Tx) (bool, error) {
		return true, tx.Put(Key(id), owner.String())
	})
}

// Remove deletes the ownership record for id. Removing a shape without a
// record is a no-op and appends nothing to the log.
func (ix *Index) Remove(ctx context.Context, id shape.ID) error {
	return ix.mutate(ctx, "ownership.remove", id, func(tx *replog.Tx) (bool, error) {
		_, ok, err := tx.Get(Key(id))
		if err != nil || !ok {
			return false, err
		}
		return true, tx.Delete(Key(id))
	})
}

// Owner returns the owner of id, or NOT_FOUND.
func (ix *Index) Owner(ctx context.Context, id shape.ID) (uuid.UUID, error) {
	tx, err := ix.log.Begin(ctx)
	if err != nil {
		return uuid.UUID{}, err
	}
	defer tx.Rollback()

	v, ok, err := tx.Get(Key(id))
	if err != nil {
		return uuid.UUID{}, err
	}
	if !ok {
		return uuid.UUID{}, fault.NotFound(id.String(), "shape has no owner")
	}
	owner, err := uuid.Parse(v)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("parse owner of %s: %w", id, err)
	}
	return owner, nil
}

// mutate runs fn in a transaction and commits it. fn reports whether it
// wrote anything.
func (ix *Index) mutate(ctx context.Context, op string, id shape.ID, fn func(*replog.Tx) (bool, error)) error {
	ctx, span := tracer.Start(ctx, op,
		trace.WithAttributes(attribute.String("shape", id.String())),
	)
	defer span.End()

	tx, err := ix.log.Begin(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer tx.Rollback()

	wrote, err := fn(tx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if wrote {
		ix.logger.Info("ownership changed", "op", op, "shape", id, "index", ix.log.Index())
	}
	return nil
}
