// Package actor runs one single-writer actor per shape.
//
// Each active shape has a goroutine draining a FIFO mailbox of turns:
// external calls (activation, position reads, subscriptions) and timer
// ticks. A turn finishes its storage write and its notification fan-out
// before the next one starts, so an actor is never reentered. Different
// shapes run in parallel.
//
// Lifecycle: Uninitialized -> Active -> Dormant -> Active. Deactivation
// (explicit or idle eviction) stops the timer and drops subscriptions; the
// durable state stays in the store.
package actor

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/roach88/shapefabric/internal/events"
	"github.com/roach88/shapefabric/internal/fault"
	"github.com/roach88/shapefabric/internal/shape"
)

// Defaults for the reference deployment.
const (
	DefaultTickInterval  = 10 * time.Millisecond
	DefaultIdleTimeout   = 60 * time.Second
	DefaultSweepInterval = 10 * time.Second
)

// maxAttempts bounds how often a call chases an actor that is retiring
// under it.
const maxAttempts = 8

// StateStore is the durable per-shape state. *store.Store implements it.
type StateStore interface {
	LoadShape(ctx context.Context, id shape.ID) (shape.Shape, bool, error)
	InsertShape(ctx context.Context, id shape.ID, s shape.Shape) (bool, error)
	SaveShape(ctx context.Context, id shape.ID, s shape.Shape) error
}

// Runtime is the registry of active actors.
//
// Thread-safety: all exported methods are safe for concurrent use.
type Runtime struct {
	store     StateStore
	publisher *events.Publisher

	bounds        shape.Bounds
	tickInterval  time.Duration
	idleTimeout   time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	ids           IDGenerator
	logger        *slog.Logger

	baseCtx context.Context

	rngMu sync.Mutex
	rng   *rand.Rand

	mu     sync.Mutex
	actors map[shape.ID]*Actor
	closed bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithTickInterval sets the timer period. Zero disables the timer; ticks
// then only happen through Runtime.Tick.
// Default: 10ms (DefaultTickInterval).
func WithTickInterval(d time.Duration) Option {
	return func(r *Runtime) {
		r.tickInterval = d
	}
}

// WithIdleTimeout sets how long an actor may go without an external call
// before EvictIdle deactivates it. Zero disables eviction.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		r.idleTimeout = d
	}
}

// WithSweepInterval sets how often Run calls EvictIdle.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Runtime) {
		r.sweepInterval = d
	}
}

// WithClock sets the clock used for idle tracking.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) {
		r.now = now
	}
}

// WithSeed seeds the generator used for initial shape state.
// Zero seeds from the current time.
func WithSeed(seed int64) Option {
	return func(r *Runtime) {
		if seed != 0 {
			r.rng = rand.New(rand.NewSource(seed))
		}
	}
}

// WithBounds sets the arena. Default: shape.DefaultBounds.
func WithBounds(b shape.Bounds) Option {
	return func(r *Runtime) {
		r.bounds = b
	}
}

// WithIDGenerator sets the generator used by Spawn.
// Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(r *Runtime) {
		r.ids = g
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		r.logger = l
	}
}

// NewRuntime creates an empty runtime over st, publishing through pub.
func NewRuntime(st StateStore, pub *events.Publisher, opts ...Option) *Runtime {
	r := &Runtime{
		store:         st,
		publisher:     pub,
		bounds:        shape.DefaultBounds,
		tickInterval:  DefaultTickInterval,
		idleTimeout:   DefaultIdleTimeout,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		ids:           UUIDv7Generator{},
		logger:        slog.Default(),
		baseCtx:       context.Background(),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		actors:        make(map[shape.ID]*Actor),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Activate makes the shape active, creating and persisting a random initial
// state if it has none. Repeated activation never resets state.
func (r *Runtime) Activate(ctx context.Context, id shape.ID) error {
	return r.call(ctx, id, activateCreate, func(context.Context, *Actor) error {
		return nil
	})
}

// Spawn activates a shape under a freshly generated ID.
func (r *Runtime) Spawn(ctx context.Context) (shape.ID, error) {
	id := r.ids.NewID()
	if err := r.Activate(ctx, id); err != nil {
		return shape.ID{}, err
	}
	return id, nil
}

// GetPosition returns the latest committed state of the shape.
//
// A dormant shape with durable state is reactivated. A shape that was never
// created yields NOT_FOUND; GetPosition never creates state.
func (r *Runtime) GetPosition(ctx context.Context, id shape.ID) (shape.Shape, error) {
	var out shape.Shape
	err := r.call(ctx, id, activateLoad, func(_ context.Context, a *Actor) error {
		out = a.state
		return nil
	})
	return out, err
}

// Tick runs one tick on an active shape and returns the new state. It is the
// same turn the timer runs, for callers that drive time themselves.
// Fails with NOT_FOUND if the shape is not active.
func (r *Runtime) Tick(ctx context.Context, id shape.ID) (shape.Shape, error) {
	var out shape.Shape
	err := r.call(ctx, id, activeOnly, func(ctx context.Context, a *Actor) error {
		if err := a.onTick(ctx); err != nil {
			return err
		}
		out = a.state
		return nil
	})
	return out, err
}

// Subscribe registers obs for the shape's changes, activating the shape if
// needed. Re-subscribing renews the lease.
func (r *Runtime) Subscribe(ctx context.Context, id shape.ID, obs events.Observer, lease time.Duration) (events.Lease, error) {
	var out events.Lease
	err := r.call(ctx, id, activateCreate, func(context.Context, *Actor) error {
		out = r.publisher.Subscribe(id, obs, lease)
		return nil
	})
	return out, err
}

// Unsubscribe removes obs from the shape. Idempotent; a dormant shape has
// no subscriptions to remove.
func (r *Runtime) Unsubscribe(ctx context.Context, id shape.ID, observerID string) error {
	err := r.call(ctx, id, activeOnly, func(context.Context, *Actor) error {
		r.publisher.Unsubscribe(id, observerID)
		return nil
	})
	if fault.IsNotFound(err) {
		return nil
	}
	return err
}

// Deactivate stops the shape's timer and waits for its in-flight turn to
// finish. Deactivating a dormant shape is a no-op.
func (r *Runtime) Deactivate(ctx context.Context, id shape.ID) error {
	r.mu.Lock()
	a, ok := r.actors[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.retire(ctx, a)
}

// EvictIdle deactivates every actor with no external call for longer than
// the idle timeout. Ticks do not count as activity. Returns the evicted IDs
// in order.
func (r *Runtime) EvictIdle(ctx context.Context) []shape.ID {
	if r.idleTimeout <= 0 {
		return nil
	}

	cutoff := r.now().Add(-r.idleTimeout)
	r.mu.Lock()
	var idle []*Actor
	for _, a := range r.actors {
		if a.idleSince().Before(cutoff) {
			idle = append(idle, a)
		}
	}
	r.mu.Unlock()

	sort.Slice(idle, func(i, j int) bool {
		return idle[i].id.String() < idle[j].id.String()
	})

	evicted := make([]shape.ID, 0, len(idle))
	for _, a := range idle {
		if err := r.retire(ctx, a); err != nil {
			r.logger.Warn("idle eviction interrupted", "shape", a.id, "error", err)
			break
		}
		evicted = append(evicted, a.id)
	}
	if len(evicted) > 0 {
		r.logger.Debug("evicted idle shapes", "count", len(evicted))
	}
	return evicted
}

// Run sweeps idle actors every sweep interval until ctx is done, then closes
// the runtime.
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info("runtime starting",
		"tick_interval", r.tickInterval,
		"idle_timeout", r.idleTimeout,
	)

	if r.sweepInterval > 0 {
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				r.EvictIdle(ctx)
			}
		}
	} else {
		<-ctx.Done()
	}

	r.logger.Info("runtime stopping: context cancelled")
	return r.Close(context.WithoutCancel(ctx))
}

// Active returns the IDs of active shapes in order.
func (r *Runtime) Active() []shape.ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]shape.ID, 0, len(r.actors))
	for id, a := range r.actors {
		if a.activated.Load() && !a.stopping.Load() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	return ids
}

// Close deactivates every actor. Later calls fail with UNAVAILABLE.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	all := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		all = append(all, a)
	}
	r.mu.Unlock()

	for _, a := range all {
		if err := r.retire(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// call routes fn to the shape's actor and waits for its result.
func (r *Runtime) call(ctx context.Context, id shape.ID, mode activation, fn func(context.Context, *Actor) error) error {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		a, done, err := r.submit(ctx, id, mode, fn)
		if err != nil {
			return err
		}

		if done == nil {
			// Actor is retiring; wait it out and try a fresh one.
			select {
			case <-a.done:
			case <-ctx.Done():
				return ctx.Err()
			}
			r.forget(a)
			continue
		}

		select {
		case err = <-done:
		case <-ctx.Done():
			a.pending.Add(-1)
			return ctx.Err()
		}
		a.pending.Add(-1)

		if err != nil && !a.activated.Load() {
			r.discard(a)
		}
		return err
	}
	return fault.Unavailable("shape actor kept deactivating", nil)
}

// submit queues fn on the shape's actor, creating the actor if needed.
// A nil done channel means the actor found is retiring.
func (r *Runtime) submit(ctx context.Context, id shape.ID, mode activation, fn func(context.Context, *Actor) error) (*Actor, chan error, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, nil, fault.Unavailable("runtime closed", nil)
	}

	a, ok := r.actors[id]
	if !ok {
		if mode == activeOnly {
			return nil, nil, fault.NotFound(id.String(), "shape is not active")
		}
		a = newActor(r, id)
		r.actors[id] = a
		go a.loop()
	}

	done := make(chan error, 1)
	t := turn{
		kind: turnCall,
		ctx:  ctx,
		mode: mode,
		fn:   func(ctx context.Context) error { return fn(ctx, a) },
		done: done,
	}
	if !a.mailbox.Enqueue(t) {
		return a, nil, nil
	}
	a.pending.Add(1)
	a.touch(r.now())
	return a, done, nil
}

// retire deactivates a and waits for its loop to exit.
func (r *Runtime) retire(ctx context.Context, a *Actor) error {
	a.retire()
	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.forget(a)
	return nil
}

// discard retires an actor whose activation failed and that nobody else is
// waiting on.
func (r *Runtime) discard(a *Actor) {
	r.mu.Lock()
	unused := r.actors[a.id] == a && !a.activated.Load() && a.pending.Load() == 0
	if unused {
		a.retire()
	}
	r.mu.Unlock()

	if unused {
		<-a.done
		r.forget(a)
	}
}

func (r *Runtime) forget(a *Actor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.actors[a.id] == a {
		delete(r.actors, a.id)
	}
}

func (r *Runtime) randomShape() shape.Shape {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.bounds.Random(r.rng)
}
