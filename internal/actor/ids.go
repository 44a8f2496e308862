package actor

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/shapefabric/internal/shape"
)

// IDGenerator mints shape IDs.
// Implemented by UUIDv7Generator (production) and SequenceGenerator (tests).
type IDGenerator interface {
	NewID() shape.ID
}

// UUIDv7Generator mints time-sortable UUIDv7 IDs, so shapes created later
// list later.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// NewID returns a new UUIDv7. Panics if the system random source fails.
func (UUIDv7Generator) NewID() shape.ID {
	return uuid.Must(uuid.NewV7())
}

// SequenceGenerator returns predetermined IDs in order.
//
// Panics once exhausted, to catch a test that spawns more shapes than it
// declared.
type SequenceGenerator struct {
	mu  sync.Mutex
	ids []shape.ID
	idx int
}

// NewSequenceGenerator creates a generator that yields ids in order.
func NewSequenceGenerator(ids ...shape.ID) *SequenceGenerator {
	return &SequenceGenerator{ids: ids}
}

// NewID returns the next predetermined ID.
func (g *SequenceGenerator) NewID() shape.ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic(fmt.Sprintf("SequenceGenerator: all %d ids exhausted", len(g.ids)))
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
