package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/shapefabric/internal/actor"
	"github.com/roach88/shapefabric/internal/events"
	"github.com/roach88/shapefabric/internal/fault"
	"github.com/roach88/shapefabric/internal/ownership"
	"github.com/roach88/shapefabric/internal/replog"
	"github.com/roach88/shapefabric/internal/shape"
	"github.com/roach88/shapefabric/internal/store"
	"github.com/roach88/shapefabric/internal/testutil"
)

// Harness holds the components one scenario runs against.
// Every run gets a fresh in-memory store and fresh replicas.
type Harness struct {
	store     *store.Store
	clock     *testutil.ManualClock
	runtime   *actor.Runtime
	replicas  []*replog.MemoryReplica
	log       *replog.Log
	index     *ownership.Index
	observers map[string]*testutil.RecordingObserver
	interval  time.Duration
	result    *Result
}

// Run executes a scenario and returns its result.
//
// The returned error is reserved for failures of the harness itself, such
// as the store failing to open. Unexpected step errors and failed
// assertions are reported in the result.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := newHarness(ctx, scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()

	for i, step := range scenario.Steps {
		if err := h.execStep(ctx, i, step); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, a := range scenario.Assertions {
		if err := h.evaluate(ctx, a); err != nil {
			h.result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return h.result, nil
}

func newHarness(ctx context.Context, scenario *Scenario) (*Harness, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	for _, decl := range scenario.Shapes {
		if decl.Initial == nil {
			continue
		}
		id, _ := shape.ParseID(decl.ID)
		if err := st.SaveShape(ctx, id, decl.Initial.Shape()); err != nil {
			st.Close()
			return nil, fmt.Errorf("seed shape %s: %w", decl.ID, err)
		}
	}

	replicas := replog.NewMemoryReplicas(scenario.replicas())
	l, err := replog.Open(ctx, replog.AsReplicas(replicas), replog.WithLogger(logger))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open log: %w", err)
	}

	clock := testutil.NewManualClock(time.Time{})
	pub := events.NewPublisher(
		events.WithClock(clock.Now),
		events.WithLogger(logger),
	)
	rt := actor.NewRuntime(st, pub,
		actor.WithTickInterval(0),
		actor.WithIdleTimeout(0),
		actor.WithClock(clock.Now),
		actor.WithSeed(scenario.seed()),
		actor.WithLogger(logger),
	)

	return &Harness{
		store:     st,
		clock:     clock,
		runtime:   rt,
		replicas:  replicas,
		log:       l,
		index:     ownership.New(l, logger),
		observers: make(map[string]*testutil.RecordingObserver),
		interval:  scenario.tickInterval(),
		result:    NewResult(),
	}, nil
}

func (h *Harness) close() {
	_ = h.runtime.Close(context.Background())
	_ = h.log.Close()
	_ = h.store.Close()
}

// execStep runs one step and checks its error against ExpectError.
func (h *Harness) execStep(ctx context.Context, i int, step Step) error {
	kind := step.Kind()
	err := h.dispatch(ctx, kind, step)

	var fe *fault.Error
	if err != nil && !errors.As(err, &fe) {
		// Not a domain failure; the harness itself is broken.
		return err
	}

	switch {
	case err == nil && step.ExpectError != "":
		h.result.AddError(fmt.Sprintf("steps[%d] %s: expected %s, got success", i, kind, step.ExpectError))
	case err != nil:
		code := string(fault.CodeOf(err))
		h.result.record(TraceEvent{Type: EventError, Step: kind, Shape: fe.ShapeID, Code: code})
		if code != step.ExpectError {
			h.result.AddError(fmt.Sprintf("steps[%d] %s: unexpected error: %v", i, kind, err))
		}
	}
	return nil
}

func (h *Harness) dispatch(ctx context.Context, kind string, step Step) error {
	switch kind {
	case StepActivate:
		return h.activate(ctx, mustID(step.Activate))
	case StepTick:
		return h.tick(ctx, step.Tick)
	case StepSubscribe:
		return h.subscribe(ctx, step.Subscribe)
	case StepUnsubscribe:
		return h.runtime.Unsubscribe(ctx, mustID(step.Unsubscribe.Shape), step.Unsubscribe.Observer)
	case StepDeactivate:
		return h.runtime.Deactivate(ctx, mustID(step.Deactivate))
	case StepAdd:
		return h.add(ctx, step.Add)
	case StepRemove:
		return h.remove(ctx, mustID(step.Remove))
	case StepReplicasDown:
		for _, r := range h.replicas[len(h.replicas)-step.ReplicasDown:] {
			r.SetDown(true)
		}
		return nil
	case StepReplicasUp:
		for _, r := range h.replicas {
			r.SetDown(false)
		}
		return nil
	default:
		return fmt.Errorf("unknown step kind %q", kind)
	}
}

func (h *Harness) activate(ctx context.Context, id shape.ID) error {
	if err := h.runtime.Activate(ctx, id); err != nil {
		return err
	}
	state, err := h.runtime.GetPosition(ctx, id)
	if err != nil {
		return err
	}
	h.result.record(TraceEvent{Type: EventActivate, Shape: id.String(), State: &state})
	return nil
}

// tick runs n rounds. Each round advances the clock by one interval and
// ticks every active shape in ID order.
func (h *Harness) tick(ctx context.Context, n int) error {
	for range n {
		h.clock.Advance(h.interval)
		for _, id := range h.runtime.Active() {
			before := h.counts()
			state, err := h.runtime.Tick(ctx, id)
			if err != nil {
				return err
			}
			h.result.record(TraceEvent{Type: EventTick, Shape: id.String(), State: &state})
			h.recordDeliveries(before)
		}
	}
	return nil
}

func (h *Harness) subscribe(ctx context.Context, sub *SubscribeStep) error {
	obs, ok := h.observers[sub.Observer]
	if !ok {
		obs = testutil.NewRecordingObserver(sub.Observer)
		h.observers[sub.Observer] = obs
	}
	var lease time.Duration
	if sub.Lease != "" {
		lease, _ = time.ParseDuration(sub.Lease)
	}
	_, err := h.runtime.Subscribe(ctx, mustID(sub.Shape), obs, lease)
	return err
}

func (h *Harness) add(ctx context.Context, add *AddStep) error {
	id, owner := mustID(add.Shape), uuid.MustParse(add.Owner)
	if err := h.index.Add(ctx, id, owner); err != nil {
		return err
	}
	h.result.record(TraceEvent{Type: EventAdd, Shape: id.String(), Owner: owner.String()})
	return nil
}

func (h *Harness) remove(ctx context.Context, id shape.ID) error {
	if err := h.index.Remove(ctx, id); err != nil {
		return err
	}
	h.result.record(TraceEvent{Type: EventRemove, Shape: id.String()})
	return nil
}

// counts snapshots the delivery count of every observer.
func (h *Harness) counts() map[string]int {
	out := make(map[string]int, len(h.observers))
	for name, obs := range h.observers {
		out[name] = obs.Count()
	}
	return out
}

// recordDeliveries emits a deliver event for each observer that received
// something since before, ordered by observer.
func (h *Harness) recordDeliveries(before map[string]int) {
	names := make([]string, 0, len(h.observers))
	for name := range h.observers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		got := h.observers[name].Deliveries()
		for _, d := range got[before[name]:] {
			state := d.State
			h.result.record(TraceEvent{
				Type:     EventDeliver,
				Shape:    d.Shape.String(),
				Observer: name,
				State:    &state,
			})
		}
	}
}

// mustID parses an ID that validateScenario already accepted.
func mustID(s string) shape.ID {
	return uuid.MustParse(s)
}
