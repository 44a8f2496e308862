// Package shape defines the simulated entity and its motion rules.
//
// A Shape is pure data. Only the owning actor mutates it, by calling Step
// once per tick; everything here is deterministic given its inputs.
package shape

import (
	"fmt"
	"math/rand"

	"github.com/google/uuid"
)

// ID addresses one shape. Stable across activations.
type ID = uuid.UUID

// ParseID parses the textual form of an ID.
func ParseID(s string) (ID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("parse shape id %q: %w", s, err)
	}
	return id, nil
}

// Shape is one moving entity's state.
//
// DiffX and DiffY are always -1 or +1. Angle is carried and persisted but
// never changed by Step; it is reserved for rotation.
type Shape struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	DiffX float64 `json:"diff_x"`
	DiffY float64 `json:"diff_y"`
	Angle float64 `json:"angle"`
}

// Bounds is the arena a shape bounces inside.
type Bounds struct {
	MinX, MaxX float64
	MinY, MaxY float64
}

// DefaultBounds is the arena of the reference deployment.
var DefaultBounds = Bounds{MinX: 10, MaxX: 900, MinY: 10, MaxY: 600}

// Step applies one tick of motion and returns the new state.
//
// The four boundary checks run unconditionally in the order X-high, X-low,
// Y-high, Y-low; each may flip its axis before the position advances.
// A shape at X=901 therefore moves to 900 on its next tick, never 902.
func (b Bounds) Step(s Shape) Shape {
	if s.X > b.MaxX {
		s.DiffX = -1
	}
	if s.X < b.MinX {
		s.DiffX = 1
	}
	if s.Y > b.MaxY {
		s.DiffY = -1
	}
	if s.Y < b.MinY {
		s.DiffY = 1
	}

	s.X += s.DiffX
	s.Y += s.DiffY
	return s
}

// StepN applies n ticks.
func (b Bounds) StepN(s Shape, n int) Shape {
	for i := 0; i < n; i++ {
		s = b.Step(s)
	}
	return s
}

// Random returns a fresh shape at an integer position in [Min, Max) on both
// axes with a random direction on each axis and Angle 0.
//
// rng is not safe for concurrent use; callers serialize access.
func (b Bounds) Random(rng *rand.Rand) Shape {
	return Shape{
		X:     b.MinX + float64(rng.Intn(int(b.MaxX-b.MinX))),
		Y:     b.MinY + float64(rng.Intn(int(b.MaxY-b.MinY))),
		DiffX: sign(rng.Intn(2)),
		DiffY: sign(rng.Intn(2)),
		Angle: 0,
	}
}

func sign(coin int) float64 {
	if coin == 0 {
		return -1
	}
	return 1
}
