package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/roach88/shapefabric/internal/shape"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

func (h *Harness) evaluate(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertPosition:
		return h.assertPosition(ctx, a)
	case AssertOwned:
		return h.assertOwned(ctx, a)
	case AssertDeliveries:
		return h.assertDeliveries(a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertPosition reads durable state directly, so it also works for
// dormant shapes and never activates anything.
func (h *Harness) assertPosition(ctx context.Context, a Assertion) error {
	id := mustID(a.Shape)
	s, ok, err := h.store.LoadShape(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return &AssertionError{
			Type:     AssertPosition,
			Expected: fmt.Sprintf("shape %s to exist", a.Shape),
			Actual:   "no durable state",
		}
	}

	fields := positionOf(s)
	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var mismatches []string
	for _, k := range keys {
		if fields[k] != a.Expect[k] {
			mismatches = append(mismatches, fmt.Sprintf("%s=%v (want %v)", k, fields[k], a.Expect[k]))
		}
	}
	if len(mismatches) > 0 {
		return &AssertionError{
			Type:     AssertPosition,
			Expected: fmt.Sprintf("%v", a.Expect),
			Actual:   strings.Join(mismatches, ", "),
		}
	}
	return nil
}

func (h *Harness) assertOwned(ctx context.Context, a Assertion) error {
	got, err := h.index.ListByOwner(ctx, uuid.MustParse(a.Owner))
	if err != nil {
		return err
	}

	want := make([]string, len(a.Shapes))
	for i, s := range a.Shapes {
		want[i] = mustID(s).String()
	}
	sort.Strings(want)

	have := make([]string, len(got))
	for i, id := range got {
		have[i] = id.String()
	}

	if strings.Join(want, ",") != strings.Join(have, ",") {
		return &AssertionError{
			Type:     AssertOwned,
			Expected: fmt.Sprintf("%v", want),
			Actual:   fmt.Sprintf("%v", have),
		}
	}
	return nil
}

func (h *Harness) assertDeliveries(a Assertion) error {
	var n int
	if obs, ok := h.observers[a.Observer]; ok {
		n = obs.Count()
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertDeliveries,
			Expected: fmt.Sprintf("%d deliveries to %s", a.Count, a.Observer),
			Actual:   fmt.Sprintf("%d", n),
		}
	}
	return nil
}

func positionOf(s shape.Shape) map[string]float64 {
	return map[string]float64{
		"x":      s.X,
		"y":      s.Y,
		"diff_x": s.DiffX,
		"diff_y": s.DiffY,
		"angle":  s.Angle,
	}
}
