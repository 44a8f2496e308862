package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/shapefabric/internal/shape"
)

// ErrObserverFailing is returned by a RecordingObserver set to fail.
var ErrObserverFailing = errors.New("observer failing")

// Delivery is one ShapeChanged call seen by a RecordingObserver.
type Delivery struct {
	Shape shape.ID
	State shape.Shape
}

// RecordingObserver records every ShapeChanged call in arrival order.
//
// It satisfies events.Observer. SetFailing makes subsequent deliveries
// return ErrObserverFailing without being recorded.
type RecordingObserver struct {
	id string

	mu         sync.Mutex
	deliveries []Delivery
	failing    bool
}

// NewRecordingObserver creates an observer with the given ID.
func NewRecordingObserver(id string) *RecordingObserver {
	return &RecordingObserver{id: id}
}

// ID returns the observer ID.
func (o *RecordingObserver) ID() string {
	return o.id
}

// ShapeChanged records the delivery.
func (o *RecordingObserver) ShapeChanged(ctx context.Context, id shape.ID, s shape.Shape) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failing {
		return ErrObserverFailing
	}
	o.deliveries = append(o.deliveries, Delivery{Shape: id, State: s})
	return nil
}

// SetFailing toggles failure mode.
func (o *RecordingObserver) SetFailing(failing bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failing = failing
}

// Deliveries returns a copy of everything recorded so far.
func (o *RecordingObserver) Deliveries() []Delivery {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Delivery, len(o.deliveries))
	copy(out, o.deliveries)
	return out
}

// Count returns the number of recorded deliveries.
func (o *RecordingObserver) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.deliveries)
}
