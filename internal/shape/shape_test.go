package shape

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStep_AdvancesInsideArena(t *testing.T) {
	s := Shape{X: 100, Y: 200, DiffX: 1, DiffY: -1}

	got := DefaultBounds.Step(s)

	assert.Equal(t, Shape{X: 101, Y: 199, DiffX: 1, DiffY: -1}, got)
}

func TestStep_BoundaryTable(t *testing.T) {
	tests := []struct {
		name string
		in   Shape
		want Shape
	}{
		{
			name: "at max x keeps going",
			in:   Shape{X: 900, Y: 300, DiffX: 1, DiffY: 1},
			want: Shape{X: 901, Y: 301, DiffX: 1, DiffY: 1},
		},
		{
			name: "past max x flips before advancing",
			in:   Shape{X: 901, Y: 300, DiffX: 1, DiffY: 1},
			want: Shape{X: 900, Y: 301, DiffX: -1, DiffY: 1},
		},
		{
			name: "past min x flips",
			in:   Shape{X: 9, Y: 300, DiffX: -1, DiffY: 1},
			want: Shape{X: 10, Y: 301, DiffX: 1, DiffY: 1},
		},
		{
			name: "past max y flips",
			in:   Shape{X: 50, Y: 601, DiffX: 1, DiffY: 1},
			want: Shape{X: 51, Y: 600, DiffX: 1, DiffY: -1},
		},
		{
			name: "past min y flips",
			in:   Shape{X: 50, Y: 9, DiffX: 1, DiffY: -1},
			want: Shape{X: 51, Y: 10, DiffX: 1, DiffY: 1},
		},
		{
			name: "corner flips both axes",
			in:   Shape{X: 901, Y: 601, DiffX: 1, DiffY: 1},
			want: Shape{X: 900, Y: 600, DiffX: -1, DiffY: -1},
		},
		{
			name: "angle is never touched",
			in:   Shape{X: 50, Y: 50, DiffX: 1, DiffY: 1, Angle: 45},
			want: Shape{X: 51, Y: 51, DiffX: 1, DiffY: 1, Angle: 45},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultBounds.Step(tt.in))
		})
	}
}

func TestStepN_ReachesRightWallAndBounces(t *testing.T) {
	start := Shape{X: 500, Y: 300, DiffX: 1, DiffY: 1}

	at901 := DefaultBounds.StepN(start, 401)
	require.Equal(t, 901.0, at901.X)
	require.Equal(t, 1.0, at901.DiffX)

	next := DefaultBounds.Step(at901)
	assert.Equal(t, 900.0, next.X)
	assert.Equal(t, -1.0, next.DiffX)
}

func TestStepN_StaysWithinOneOfArena(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s := DefaultBounds.Random(rng)

	for i := 0; i < 5000; i++ {
		s = DefaultBounds.Step(s)
		require.GreaterOrEqual(t, s.X, DefaultBounds.MinX-1)
		require.LessOrEqual(t, s.X, DefaultBounds.MaxX+1)
		require.GreaterOrEqual(t, s.Y, DefaultBounds.MinY-1)
		require.LessOrEqual(t, s.Y, DefaultBounds.MaxY+1)
	}
}

func TestRandom_WithinArena(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 1000; i++ {
		s := DefaultBounds.Random(rng)
		require.GreaterOrEqual(t, s.X, 10.0)
		require.Less(t, s.X, 900.0)
		require.GreaterOrEqual(t, s.Y, 10.0)
		require.Less(t, s.Y, 600.0)
		require.Contains(t, []float64{-1, 1}, s.DiffX)
		require.Contains(t, []float64{-1, 1}, s.DiffY)
		require.Zero(t, s.Angle)
	}
}

func TestRandom_DeterministicForSeed(t *testing.T) {
	a := DefaultBounds.Random(rand.New(rand.NewSource(99)))
	b := DefaultBounds.Random(rand.New(rand.NewSource(99)))
	assert.Equal(t, a, b)
}

func TestParseID(t *testing.T) {
	id, err := ParseID("6f1d3a52-8c1e-4f0a-9a43-2b7d2d5e0c11")
	require.NoError(t, err)
	assert.Equal(t, "6f1d3a52-8c1e-4f0a-9a43-2b7d2d5e0c11", id.String())

	_, err = ParseID("not-a-uuid")
	assert.Error(t, err)
}
