package actor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shapefabric/internal/events"
	"github.com/roach88/shapefabric/internal/fault"
	"github.com/roach88/shapefabric/internal/shape"
	"github.com/roach88/shapefabric/internal/store"
	"github.com/roach88/shapefabric/internal/testutil"
)

type testEnv struct {
	rt    *Runtime
	store *store.Store
	clock *testutil.ManualClock
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEnv builds a manually ticked runtime over an in-memory store.
func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return newTestEnvWithStore(t, st, opts...)
}

func newTestEnvWithStore(t *testing.T, st StateStore, opts ...Option) *testEnv {
	t.Helper()

	clock := testutil.NewManualClock(time.Time{})
	pub := events.NewPublisher(events.WithClock(clock.Now), events.WithLogger(discardLogger()))
	base := []Option{
		WithTickInterval(0),
		WithClock(clock.Now),
		WithSeed(42),
		WithLogger(discardLogger()),
	}
	rt := NewRuntime(st, pub, append(base, opts...)...)
	t.Cleanup(func() { rt.Close(context.Background()) })

	env := &testEnv{rt: rt, clock: clock}
	if s, ok := st.(*store.Store); ok {
		env.store = s
	}
	return env
}

func TestActivate_CreatesAndPersistsState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, env.rt.Activate(ctx, id))

	got, ok, err := env.store.LoadShape(ctx, id)
	require.NoError(t, err)
	require.True(t, ok, "initial state must be durable after activation")

	b := shape.DefaultBounds
	assert.GreaterOrEqual(t, got.X, b.MinX)
	assert.Less(t, got.X, b.MaxX)
	assert.GreaterOrEqual(t, got.Y, b.MinY)
	assert.Less(t, got.Y, b.MaxY)
	assert.Equal(t, 1.0, math.Abs(got.DiffX))
	assert.Equal(t, 1.0, math.Abs(got.DiffY))
	assert.Zero(t, got.Angle)

	assert.Equal(t, []shape.ID{id}, env.rt.Active())
}

func TestActivate_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, env.rt.Activate(ctx, id))
	ticked, err := env.rt.Tick(ctx, id)
	require.NoError(t, err)

	require.NoError(t, env.rt.Activate(ctx, id))
	got, err := env.rt.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ticked, got, "repeat activation must not reset state")

	// Also across deactivation.
	require.NoError(t, env.rt.Deactivate(ctx, id))
	require.NoError(t, env.rt.Activate(ctx, id))
	got, err = env.rt.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ticked, got)
}

func TestActivate_Concurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := uuid.New()

	const callers = 50
	positions := make([]shape.Shape, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			assert.NoError(t, env.rt.Activate(ctx, id))
			pos, err := env.rt.GetPosition(ctx, id)
			assert.NoError(t, err)
			positions[i] = pos
		}()
	}
	wg.Wait()

	for _, p := range positions {
		assert.Equal(t, positions[0], p)
	}
	assert.Equal(t, []shape.ID{id}, env.rt.Active())
}

func TestGetPosition_NeverCreated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := uuid.New()

	_, err := env.rt.GetPosition(ctx, id)
	require.Error(t, err)
	assert.True(t, fault.IsNotFound(err), "got %v", err)

	_, ok, err := env.store.LoadShape(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "GetPosition must not create state")
	assert.Empty(t, env.rt.Active())
}

func TestGetPosition_ReactivatesDormantShape(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, env.rt.Activate(ctx, id))
	want, err := env.rt.Tick(ctx, id)
	require.NoError(t, err)
	require.NoError(t, env.rt.Deactivate(ctx, id))
	require.Empty(t, env.rt.Active())

	got, err := env.rt.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, []shape.ID{id}, env.rt.Active())
}

func TestTick_BouncesOffRightWall(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, env.store.SaveShape(ctx, id, shape.Shape{X: 900, Y: 300, DiffX: 1, DiffY: 1}))
	require.NoError(t, env.rt.Activate(ctx, id))

	first, err := env.rt.Tick(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 901.0, first.X)
	assert.Equal(t, 1.0, first.DiffX)

	second, err := env.rt.Tick(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 900.0, second.X)
	assert.Equal(t, -1.0, second.DiffX)
	assert.Equal(t, 302.0, second.Y)

	stored, _, err := env.store.LoadShape(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, second, stored, "tick must persist before returning")
}

func TestTick_NotActive(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.rt.Tick(context.Background(), uuid.New())
	assert.True(t, fault.IsNotFound(err), "got %v", err)
}

func TestReplayDeterminism(t *testing.T) {
	ctx := context.Background()
	id := uuid.MustParse("6f1d2a4e-0000-4000-8000-000000000001")

	run := func() []shape.Shape {
		env := newTestEnv(t, WithSeed(7))
		require.NoError(t, env.rt.Activate(ctx, id))
		var trace []shape.Shape
		for i := 0; i < 25; i++ {
			s, err := env.rt.Tick(ctx, id)
			require.NoError(t, err)
			trace = append(trace, s)
		}
		return trace
	}

	assert.Equal(t, run(), run())
}

func TestSubscribe_LeaseExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := uuid.New()
	obs := testutil.NewRecordingObserver("o1")
	interval := 10 * time.Millisecond

	_, err := env.rt.Subscribe(ctx, id, obs, interval)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		env.clock.Advance(interval)
		_, err := env.rt.Tick(ctx, id)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, obs.Count(), "only the tick inside the lease is delivered")
}

func TestSubscribe_DeliversCommittedStateInOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := uuid.New()
	obs := testutil.NewRecordingObserver("o1")

	_, err := env.rt.Subscribe(ctx, id, obs, time.Hour)
	require.NoError(t, err)

	var want []shape.Shape
	for i := 0; i < 5; i++ {
		s, err := env.rt.Tick(ctx, id)
		require.NoError(t, err)
		want = append(want, s)
	}

	got := obs.Deliveries()
	require.Len(t, got, 5)
	for i, d := range got {
		assert.Equal(t, id, d.Shape)
		assert.Equal(t, want[i], d.State)
	}
}

func TestUnsubscribe(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := uuid.New()
	obs := testutil.NewRecordingObserver("o1")

	_, err := env.rt.Subscribe(ctx, id, obs, time.Hour)
	require.NoError(t, err)
	require.NoError(t, env.rt.Unsubscribe(ctx, id, "o1"))
	require.NoError(t, env.rt.Unsubscribe(ctx, id, "o1"))
	require.NoError(t, env.rt.Unsubscribe(ctx, uuid.New(), "o1"), "dormant shape is a no-op")

	_, err = env.rt.Tick(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, obs.Count())
}

func TestDeactivate_DropsSubscriptions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := uuid.New()
	obs := testutil.NewRecordingObserver("o1")

	_, err := env.rt.Subscribe(ctx, id, obs, time.Hour)
	require.NoError(t, err)
	require.NoError(t, env.rt.Deactivate(ctx, id))

	require.NoError(t, env.rt.Activate(ctx, id))
	_, err = env.rt.Tick(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, obs.Count())
}

func TestDeactivate_DormantIsNoop(t *testing.T) {
	env := newTestEnv(t)
	assert.NoError(t, env.rt.Deactivate(context.Background(), uuid.New()))
}

func TestEvictIdle(t *testing.T) {
	env := newTestEnv(t, WithIdleTimeout(time.Minute))
	ctx := context.Background()
	idle := uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	busy := uuid.MustParse("00000000-0000-0000-0000-00000000000b")

	require.NoError(t, env.rt.Activate(ctx, idle))
	require.NoError(t, env.rt.Activate(ctx, busy))
	want, err := env.rt.GetPosition(ctx, idle)
	require.NoError(t, err)

	env.clock.Advance(45 * time.Second)
	_, err = env.rt.GetPosition(ctx, busy)
	require.NoError(t, err)
	env.clock.Advance(30 * time.Second)

	assert.Equal(t, []shape.ID{idle}, env.rt.EvictIdle(ctx))
	assert.Equal(t, []shape.ID{busy}, env.rt.Active())

	// State survives eviction.
	got, err := env.rt.GetPosition(ctx, idle)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEvictIdle_Disabled(t *testing.T) {
	env := newTestEnv(t, WithIdleTimeout(0))
	ctx := context.Background()
	require.NoError(t, env.rt.Activate(ctx, uuid.New()))

	env.clock.Advance(24 * time.Hour)
	assert.Empty(t, env.rt.EvictIdle(ctx))
	assert.Len(t, env.rt.Active(), 1)
}

func TestClose_RejectsCalls(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := uuid.New()
	require.NoError(t, env.rt.Activate(ctx, id))

	require.NoError(t, env.rt.Close(ctx))
	assert.Empty(t, env.rt.Active())

	assert.True(t, fault.IsUnavailable(env.rt.Activate(ctx, id)))
	_, err := env.rt.Subscribe(ctx, id, testutil.NewRecordingObserver("o1"), time.Second)
	assert.True(t, fault.IsUnavailable(err))
	assert.True(t, fault.IsUnavailable(env.rt.Unsubscribe(ctx, id, "o1")))
}

func TestSpawn(t *testing.T) {
	a := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	env := newTestEnv(t, WithIDGenerator(NewSequenceGenerator(a)))

	id, err := env.rt.Spawn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a, id)
	assert.Equal(t, []shape.ID{a}, env.rt.Active())
}

func TestTimer_TicksAndPublishesInOrder(t *testing.T) {
	env := newTestEnv(t, WithTickInterval(time.Millisecond))
	ctx := context.Background()
	id := uuid.New()
	obs := testutil.NewRecordingObserver("o1")

	_, err := env.rt.Subscribe(ctx, id, obs, time.Hour)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return obs.Count() >= 5 }, 5*time.Second, time.Millisecond)
	require.NoError(t, env.rt.Deactivate(ctx, id))

	got := obs.Deliveries()
	for i := 1; i < len(got); i++ {
		assert.Equal(t, shape.DefaultBounds.Step(got[i-1].State), got[i].State,
			"delivery %d is not the successor of %d", i, i-1)
	}

	// The timer is gone: nothing is delivered after deactivation.
	count := obs.Count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, count, obs.Count())

	stored, _, err := env.store.LoadShape(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, got[len(got)-1].State, stored)
}

// failingStore fails every SaveShape after the first n.
type failingStore struct {
	StateStore
	mu    sync.Mutex
	saves int
	limit int
}

var errDiskFull = errors.New("disk full")

func (f *failingStore) SaveShape(ctx context.Context, id shape.ID, s shape.Shape) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saves >= f.limit {
		return errDiskFull
	}
	f.saves++
	return f.StateStore.SaveShape(ctx, id, s)
}

func TestTick_StorageFailureKeepsState(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	env := newTestEnvWithStore(t, &failingStore{StateStore: st, limit: 1})
	ctx := context.Background()
	id := uuid.New()
	obs := testutil.NewRecordingObserver("o1")

	_, err = env.rt.Subscribe(ctx, id, obs, time.Hour)
	require.NoError(t, err)
	first, err := env.rt.Tick(ctx, id)
	require.NoError(t, err)

	_, err = env.rt.Tick(ctx, id)
	require.Error(t, err)
	assert.True(t, fault.IsUnavailable(err))
	assert.ErrorIs(t, err, errDiskFull)

	got, err := env.rt.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first, got, "failed tick must not change state")
	assert.Equal(t, 1, obs.Count(), "failed tick must not publish")
}
