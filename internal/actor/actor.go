package actor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/shapefabric/internal/fault"
	"github.com/roach88/shapefabric/internal/metrics"
	"github.com/roach88/shapefabric/internal/shape"
)

// activation says what a turn may do when the actor has no state loaded yet.
type activation int

const (
	// activateCreate loads durable state, creating a random shape if none
	// exists.
	activateCreate activation = iota
	// activateLoad loads durable state and fails with NOT_FOUND if none
	// exists.
	activateLoad
	// activeOnly requires the actor to be active already.
	activeOnly
)

// Actor is the single writer for one shape.
//
// All state is owned by the loop goroutine: hooks (onActivate, onTick,
// onDeactivate) only ever run there, one turn at a time. The atomics are the
// only fields read from other goroutines.
type Actor struct {
	id shape.ID
	rt *Runtime

	mailbox *mailbox
	done    chan struct{}

	// Loop-owned.
	state shape.Shape

	activated  atomic.Bool
	stopping   atomic.Bool
	tickQueued atomic.Bool
	lastActive atomic.Int64

	// pending counts callers waiting on a turn.
	pending atomic.Int32

	stopTimer chan struct{}
	stopOnce  sync.Once
}

func newActor(rt *Runtime, id shape.ID) *Actor {
	return &Actor{
		id:        id,
		rt:        rt,
		mailbox:   newMailbox(),
		done:      make(chan struct{}),
		stopTimer: make(chan struct{}),
	}
}

// ID returns the shape this actor owns.
func (a *Actor) ID() shape.ID {
	return a.id
}

func (a *Actor) touch(now time.Time) {
	a.lastActive.Store(now.UnixNano())
}

func (a *Actor) idleSince() time.Time {
	return time.Unix(0, a.lastActive.Load())
}

// loop drains the mailbox until it is closed and empty.
func (a *Actor) loop() {
	defer close(a.done)
	for {
		t, ok := a.mailbox.TryDequeue()
		if !ok {
			if a.mailbox.Closed() {
				return
			}
			<-a.mailbox.Wait()
			continue
		}
		a.run(t)
	}
}

func (a *Actor) run(t turn) {
	switch t.kind {
	case turnStop:
		a.onDeactivate()
		t.reply(nil)

	case turnTick:
		a.tickQueued.Store(false)
		if !a.activated.Load() || a.stopping.Load() {
			return
		}
		_ = a.onTick(t.ctx)

	case turnCall:
		if !a.activated.Load() {
			if t.mode == activeOnly {
				t.reply(fault.NotFound(a.id.String(), "shape is not active"))
				return
			}
			if err := a.onActivate(t.ctx, t.mode == activateCreate); err != nil {
				t.reply(err)
				return
			}
		}
		t.reply(t.fn(t.ctx))
	}
}

// onActivate loads durable state, creating it first when create is set.
func (a *Actor) onActivate(ctx context.Context, create bool) error {
	st := a.rt.store

	s, ok, err := st.LoadShape(ctx, a.id)
	if err != nil {
		return fault.Unavailable("load shape state", err)
	}
	if !ok {
		if !create {
			return fault.NotFound(a.id.String(), "shape has no state")
		}
		s = a.rt.randomShape()
		inserted, err := st.InsertShape(ctx, a.id, s)
		if err != nil {
			return fault.Unavailable("persist initial shape state", err)
		}
		if !inserted {
			// Someone else created it first; theirs wins.
			if s, _, err = st.LoadShape(ctx, a.id); err != nil {
				return fault.Unavailable("load shape state", err)
			}
		}
	}

	a.state = s
	a.activated.Store(true)
	metrics.Activations.Inc()
	metrics.ActiveActors.Inc()
	a.rt.logger.Info("shape activated",
		"shape", a.id,
		"x", s.X,
		"y", s.Y,
	)

	if iv := a.rt.tickInterval; iv > 0 {
		go a.runTimer(iv)
	}
	return nil
}

// onTick advances the shape one step, persists it, then publishes it.
// On a storage failure the in-memory state is left unchanged.
func (a *Actor) onTick(ctx context.Context) error {
	next := a.rt.bounds.Step(a.state)

	if err := a.rt.store.SaveShape(ctx, a.id, next); err != nil {
		metrics.TickErrors.Inc()
		a.rt.logger.Error("tick failed", "shape", a.id, "error", err)
		return fault.Unavailable("save shape state", err)
	}
	a.state = next
	metrics.Ticks.Inc()

	a.rt.publisher.Notify(ctx, a.id, next)
	return nil
}

func (a *Actor) onDeactivate() {
	if !a.activated.Swap(false) {
		return
	}
	a.rt.publisher.Drop(a.id)
	metrics.Deactivations.Inc()
	metrics.ActiveActors.Dec()
	a.rt.logger.Info("shape deactivated", "shape", a.id)
}

// runTimer queues at most one pending tick at a time. A slow tick delays the
// next one rather than piling them up.
func (a *Actor) runTimer(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopTimer:
			return
		case <-ticker.C:
			if !a.tickQueued.CompareAndSwap(false, true) {
				continue
			}
			if !a.mailbox.Enqueue(turn{kind: turnTick, ctx: a.rt.baseCtx}) {
				return
			}
		}
	}
}

// retire stops the timer and queues the final turn. Safe to call more than
// once. Turns already queued still run; later enqueues fail.
func (a *Actor) retire() {
	a.stopOnce.Do(func() {
		a.stopping.Store(true)
		close(a.stopTimer)
		a.mailbox.CloseWith(turn{kind: turnStop, ctx: a.rt.baseCtx})
	})
}
