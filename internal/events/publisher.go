// Package events delivers ShapeChanged notifications to leased observers.
//
// A subscription is (shape, observer, expiry). It is live while
// now <= expiry; Subscribe with the same observer renews the lease. The
// registry is in-memory only and is lost when a shape's actor deactivates.
//
// Delivery is best-effort. A failed delivery drops that one subscription and
// is never reported to the notifying actor.
package events

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/shapefabric/internal/fault"
	"github.com/roach88/shapefabric/internal/metrics"
	"github.com/roach88/shapefabric/internal/shape"
)

// Default durations.
const (
	DefaultLease           = 5 * time.Second
	DefaultDeliveryTimeout = time.Second
)

// Observer receives position updates for the shapes it subscribed to.
// Implementations are typically remote callback proxies.
type Observer interface {
	ID() string
	ShapeChanged(ctx context.Context, id shape.ID, s shape.Shape) error
}

// Lease describes a live subscription.
type Lease struct {
	Shape    shape.ID
	Observer string
	Expires  time.Time
}

type subscription struct {
	observer Observer
	expires  time.Time
}

// Publisher is the per-shape subscription registry.
//
// Thread-safety: safe for concurrent use. Notify for one shape is expected
// to be called from that shape's actor only, which gives per-shape ordering.
type Publisher struct {
	mu     sync.Mutex
	topics map[shape.ID]map[string]*subscription

	now             func() time.Time
	deliveryTimeout time.Duration
	logger          *slog.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithClock sets the clock used for lease expiry.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		p.now = now
	}
}

// WithDeliveryTimeout bounds each ShapeChanged call.
// Default: 1s (DefaultDeliveryTimeout).
func WithDeliveryTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.deliveryTimeout = d
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = l
	}
}

// NewPublisher creates an empty registry.
func NewPublisher(opts ...Option) *Publisher {
	p := &Publisher{
		topics:          make(map[shape.ID]map[string]*subscription),
		now:             time.Now,
		deliveryTimeout: DefaultDeliveryTimeout,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe registers obs for id, or renews its lease if already present.
// A non-positive lease uses DefaultLease.
func (p *Publisher) Subscribe(id shape.ID, obs Observer, lease time.Duration) Lease {
	if lease <= 0 {
		lease = DefaultLease
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	topic, ok := p.topics[id]
	if !ok {
		topic = make(map[string]*subscription)
		p.topics[id] = topic
	}

	expires := p.now().Add(lease)
	topic[obs.ID()] = &subscription{observer: obs, expires: expires}

	p.logger.Debug("subscription renewed",
		"shape", id,
		"observer", obs.ID(),
		"expires", expires,
	)
	return Lease{Shape: id, Observer: obs.ID(), Expires: expires}
}

// Unsubscribe removes the observer from id. Unknown pairs are ignored.
func (p *Publisher) Unsubscribe(id shape.ID, observerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(id, observerID)
}

// Subscribers returns the live leases for id, ordered by observer ID.
// Expired subscriptions are not returned (they are pruned on the next Notify).
func (p *Publisher) Subscribers(id shape.ID) []Lease {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	leases := []Lease{}
	for obsID, sub := range p.topics[id] {
		if now.After(sub.expires) {
			continue
		}
		leases = append(leases, Lease{Shape: id, Observer: obsID, Expires: sub.expires})
	}
	sort.Slice(leases, func(i, j int) bool {
		return leases[i].Observer < leases[j].Observer
	})
	return leases
}

// Drop forgets every subscription for id.
func (p *Publisher) Drop(id shape.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.topics, id)
}

// Notify delivers s to every live subscriber of id and returns the number of
// successful deliveries. It returns once all deliveries have finished or
// timed out. Failed observers are unsubscribed.
func (p *Publisher) Notify(ctx context.Context, id shape.ID, s shape.Shape) int {
	live := p.live(id)
	if len(live) == 0 {
		return 0
	}

	failed := make([]bool, len(live))

	// Deliveries never fail the group; one bad observer must not cancel the
	// others.
	g, gCtx := errgroup.WithContext(ctx)
	for i, obs := range live {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(gCtx, p.deliveryTimeout)
			defer cancel()

			if err := obs.ShapeChanged(dctx, id, s); err != nil {
				failed[i] = true
				p.logger.Warn("delivery failed",
					"error", fault.DeliveryFailed(id.String(), obs.ID(), err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	delivered := 0
	p.mu.Lock()
	for i, obs := range live {
		if failed[i] {
			p.removeLocked(id, obs.ID())
			metrics.Notifications.WithLabelValues(metrics.ResultFailed).Inc()
			continue
		}
		delivered++
		metrics.Notifications.WithLabelValues(metrics.ResultDelivered).Inc()
	}
	p.mu.Unlock()

	return delivered
}

// live prunes expired subscriptions for id and returns the rest, ordered by
// observer ID.
func (p *Publisher) live(id shape.ID) []Observer {
	p.mu.Lock()
	defer p.mu.Unlock()

	topic := p.topics[id]
	now := p.now()
	observers := make([]Observer, 0, len(topic))
	for obsID, sub := range topic {
		if now.After(sub.expires) {
			delete(topic, obsID)
			metrics.ExpiredSubscriptions.Inc()
			p.logger.Debug("subscription expired", "shape", id, "observer", obsID)
			continue
		}
		observers = append(observers, sub.observer)
	}
	if len(topic) == 0 {
		delete(p.topics, id)
	}

	sort.Slice(observers, func(i, j int) bool {
		return observers[i].ID() < observers[j].ID()
	})
	return observers
}

func (p *Publisher) removeLocked(id shape.ID, observerID string) {
	topic, ok := p.topics[id]
	if !ok {
		return
	}
	delete(topic, observerID)
	if len(topic) == 0 {
		delete(p.topics, id)
	}
}
